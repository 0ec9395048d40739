// Package config loads the em-ingest YAML configuration.
//
// Values resolve in three layers: built-in defaults, then the YAML file,
// then EMINGEST_* environment variables. Validate reports every problem at
// once rather than stopping at the first.
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    return err
//	}
//	loc := cfg.Location()
//
// Keep the InfluxDB token and the MQTT password out of the file; set
// EMINGEST_INFLUXDB_TOKEN and EMINGEST_MQTT_PASSWORD instead.
package config
