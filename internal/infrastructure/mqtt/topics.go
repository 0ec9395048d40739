package mqtt

import "strings"

// DefaultTopicPrefix roots every topic when the configuration leaves the
// prefix empty.
const DefaultTopicPrefix = "emingest"

// Topics builds relay topic names under a prefix.
//
//	topics := mqtt.Topics{Prefix: "emingest"}
//	topics.LiveEvent("unten") // "emingest/live/unten"
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	p := strings.TrimRight(t.Prefix, "/")
	if p == "" {
		return DefaultTopicPrefix
	}
	return p
}

// LiveEvent returns the topic carrying live events of one device.
//
// Example: emingest/live/unten
func (t Topics) LiveEvent(device string) string {
	return t.prefix() + "/live/" + device
}

// LiveEventWildcard matches the live events of every device.
//
// Example: emingest/live/+
func (t Topics) LiveEventWildcard() string {
	return t.prefix() + "/live/+"
}

// SystemStatus returns the retained online/offline topic.
//
// Example: emingest/system/status
func (t Topics) SystemStatus() string {
	return t.prefix() + "/system/status"
}
