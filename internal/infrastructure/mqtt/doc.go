// Package mqtt publishes live meter events to an MQTT broker.
//
// The relay is optional (mqtt.enabled). When enabled, the client keeps a
// retained online/offline status on <prefix>/system/status, with a Last
// Will so a crash still flips it to offline, and publishes one JSON message
// per live event on <prefix>/live/<device>.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT, logger)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.PublishJSON(client.Topics().LiveEvent("unten"), msg)
//
// # Reconnection
//
// paho reconnects automatically with backoff between
// reconnect.initial_delay and reconnect.max_delay. Publishes made while
// disconnected fail with ErrNotConnected; callers log and carry on.
package mqtt
