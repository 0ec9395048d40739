package relay

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/em-ingest/internal/infrastructure/logging"
	"github.com/nerrad567/em-ingest/internal/infrastructure/mqtt"
	"github.com/nerrad567/em-ingest/internal/meter"
)

type fakePublisher struct {
	mu     sync.Mutex
	topics []string
	bodies [][]byte
	err    error
}

func (f *fakePublisher) PublishJSON(topic string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.topics = append(f.topics, topic)
	f.bodies = append(f.bodies, b)
	return nil
}

func sampleEvent(neutral *float64) meter.LiveEvent {
	ev := meter.LiveEvent{
		Timestamp: time.Date(2024, 5, 24, 14, 26, 24, 740_000_000, time.UTC),
		Source:    "shellypro3em-0cb815fcaff4",
	}
	ev.Status.TotalActPower = 20.641
	ev.Status.TotalAprtPower = 58.593
	ev.Status.TotalCurrent = 0.25
	ev.Status.NeutralCurrent = neutral
	for i, ph := range meter.Phases {
		ev.Status.Phases[i] = meter.PhaseMeasurement{Phase: ph, Voltage: 234, Freq: 50}
	}
	return ev
}

func TestForward(t *testing.T) {
	pub := &fakePublisher{}
	r := New(pub, mqtt.Topics{Prefix: "home"}, logging.Discard())

	r.Forward("unten", sampleEvent(nil))

	if len(pub.topics) != 1 || pub.topics[0] != "home/live/unten" {
		t.Fatalf("topics = %v, want [home/live/unten]", pub.topics)
	}

	var got map[string]any
	if err := json.Unmarshal(pub.bodies[0], &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"device", "source", "timestamp", "total_act_power", "total_aprt_power", "total_current", "phases"} {
		if _, ok := got[key]; !ok {
			t.Errorf("payload missing %q: %s", key, pub.bodies[0])
		}
	}
	if _, ok := got["neutral_current"]; ok {
		t.Error("neutral_current should be omitted when not measured")
	}
	if got["timestamp"] != "2024-05-24T14:26:24.74Z" {
		t.Errorf("timestamp = %v", got["timestamp"])
	}
	phases, _ := got["phases"].([]any)
	if len(phases) != 3 {
		t.Fatalf("phases = %v, want 3 entries", got["phases"])
	}
	if p := phases[1].(map[string]any); p["phase"] != "b" {
		t.Errorf("phases[1].phase = %v, want b", p["phase"])
	}

	if published, failed := r.Stats(); published != 1 || failed != 0 {
		t.Errorf("Stats() = %d/%d, want 1/0", published, failed)
	}
}

func TestForward_Neutral(t *testing.T) {
	n := 0.031
	msg := NewMessage("oben", sampleEvent(&n))
	if msg.NeutralCurrent == nil || *msg.NeutralCurrent != n {
		t.Errorf("NeutralCurrent = %v, want %v", msg.NeutralCurrent, n)
	}
	if msg.Device != "oben" || len(msg.Phases) != 3 {
		t.Errorf("msg = %+v", msg)
	}
}

func TestForward_FailureIsSwallowed(t *testing.T) {
	pub := &fakePublisher{err: mqtt.ErrNotConnected}
	r := New(pub, mqtt.Topics{}, nil)

	r.Forward("unten", sampleEvent(nil))
	r.Forward("unten", sampleEvent(nil))

	if published, failed := r.Stats(); published != 0 || failed != 2 {
		t.Errorf("Stats() = %d/%d, want 0/2", published, failed)
	}

	pub.err = nil
	r.Forward("unten", sampleEvent(nil))
	if published, _ := r.Stats(); published != 1 {
		t.Errorf("published = %d after recovery, want 1", published)
	}
}
