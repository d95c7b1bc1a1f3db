package sink

import (
	"encoding/json"
	"fmt"
	"time"

	"benchflow/src/clients/nats"
)

// LifecycleEvent is a coarse-grained run milestone published to NATS for any
// external observer (a dashboard, an alert rule) to subscribe to — it is
// never consumed by the coordinator or workers themselves.
type LifecycleEvent struct {
	RunID     string    `json:"run_id"`
	Kind      string    `json:"kind"` // e.g. "assembly_started", "test_finished", "shutdown"
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const lifecycleSubjectFormat = "benchflow.lifecycle.%s"

// NATSPublisher publishes LifecycleEvents for one run. Publishing is
// best-effort: a missing NATS client or a publish error never blocks or
// fails the run it's reporting on.
type NATSPublisher struct {
	client *nats.Client
	runID  string
}

func NewNATSPublisher(client *nats.Client, runID string) *NATSPublisher {
	return &NATSPublisher{client: client, runID: runID}
}

func (p *NATSPublisher) Publish(kind, detail string) error {
	if p == nil || p.client == nil || p.client.Driver == nil {
		return nil
	}

	event := LifecycleEvent{RunID: p.runID, Kind: kind, Detail: detail, Timestamp: time.Now().UTC()}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("sink: marshal lifecycle event: %w", err)
	}

	subject := fmt.Sprintf(lifecycleSubjectFormat, p.runID)
	if err := p.client.Driver.Publish(subject, payload); err != nil {
		return fmt.Errorf("sink: publish lifecycle event to '%s': %w", subject, err)
	}
	return nil
}
