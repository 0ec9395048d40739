// Package relay republishes live meter events on MQTT.
package relay

import (
	"sync/atomic"
	"time"

	"github.com/nerrad567/em-ingest/internal/infrastructure/logging"
	"github.com/nerrad567/em-ingest/internal/infrastructure/mqtt"
	"github.com/nerrad567/em-ingest/internal/meter"
)

// Publisher is the part of mqtt.Client the relay needs.
type Publisher interface {
	PublishJSON(topic string, v any) error
}

// PhaseMessage is one phase of a relayed event.
type PhaseMessage struct {
	Phase     meter.Phase `json:"phase"`
	Current   float64     `json:"current"`
	Voltage   float64     `json:"voltage"`
	ActPower  float64     `json:"act_power"`
	AprtPower float64     `json:"aprt_power"`
	PF        float64     `json:"pf"`
	Freq      float64     `json:"freq"`
}

// Message is the JSON payload published per live event.
type Message struct {
	Device         string         `json:"device"`
	Source         string         `json:"source"`
	Timestamp      time.Time      `json:"timestamp"`
	TotalActPower  float64        `json:"total_act_power"`
	TotalAprtPower float64        `json:"total_aprt_power"`
	TotalCurrent   float64        `json:"total_current"`
	NeutralCurrent *float64       `json:"neutral_current,omitempty"`
	Phases         []PhaseMessage `json:"phases"`
}

// NewMessage builds the relay payload of one event.
func NewMessage(device string, event meter.LiveEvent) Message {
	st := event.Status
	msg := Message{
		Device:         device,
		Source:         event.Source,
		Timestamp:      event.Timestamp,
		TotalActPower:  st.TotalActPower,
		TotalAprtPower: st.TotalAprtPower,
		TotalCurrent:   st.TotalCurrent,
		NeutralCurrent: st.NeutralCurrent,
		Phases:         make([]PhaseMessage, 0, len(st.Phases)),
	}
	for _, p := range st.Phases {
		msg.Phases = append(msg.Phases, PhaseMessage{
			Phase:     p.Phase,
			Current:   p.Current,
			Voltage:   p.Voltage,
			ActPower:  p.ActPower,
			AprtPower: p.AprtPower,
			PF:        p.PF,
			Freq:      p.Freq,
		})
	}
	return msg
}

// Relay publishes live events to <prefix>/live/<device>.
// It is safe for concurrent use if the Publisher is.
type Relay struct {
	pub    Publisher
	topics mqtt.Topics
	logger *logging.Logger

	published atomic.Int64
	failed    atomic.Int64
}

// New returns a relay publishing through pub.
func New(pub Publisher, topics mqtt.Topics, logger *logging.Logger) *Relay {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Relay{pub: pub, topics: topics, logger: logger.Component("relay")}
}

// Forward publishes one event. Failures are logged and counted, never
// returned, so a broker outage cannot stop ingestion.
func (r *Relay) Forward(device string, event meter.LiveEvent) {
	topic := r.topics.LiveEvent(device)
	if err := r.pub.PublishJSON(topic, NewMessage(device, event)); err != nil {
		r.failed.Add(1)
		r.logger.Warn("relay publish failed", "device", device, "topic", topic, "error", err)
		return
	}
	r.published.Add(1)
}

// Stats returns the number of published and failed events so far.
func (r *Relay) Stats() (published, failed int64) {
	return r.published.Load(), r.failed.Load()
}
