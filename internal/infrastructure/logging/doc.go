// Package logging configures the structured logger shared by every
// em-ingest component.
//
// The root logger is built once in main from the logging section of the
// config and handed down explicitly; there is no package-level logger.
//
//	logging:
//	  level: info      # debug, info, warn, error
//	  format: json     # json, text
//	  output: stdout   # stdout, stderr
//
// Each component scopes its child with Component and, for per-device work,
// Device. Never log the InfluxDB token or MQTT password.
package logging
