package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is used when NATSPublisher is given an empty prefix.
const DefaultSubjectPrefix = "conductor"

// NATSPublisher publishes events as JSON to
//
//	<prefix>.runs.<run_id>.<kind>
//
// so consumers can subscribe to one run (conductor.runs.<id>.*) or to one
// kind across runs (conductor.runs.*.step_failed).
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

func NewNATSPublisher(nc *nats.Conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{nc: nc, prefix: strings.TrimSuffix(prefix, ".")}
}

// Subject returns the subject an event is published on.
func (p *NATSPublisher) Subject(e Event) string {
	return fmt.Sprintf("%s.runs.%s.%s", p.prefix, subjectToken(e.RunID), e.Kind)
}

// RunSubject returns the wildcard subject covering every event of a run.
func (p *NATSPublisher) RunSubject(runID string) string {
	return fmt.Sprintf("%s.runs.%s.*", p.prefix, subjectToken(runID))
}

func (p *NATSPublisher) Emit(_ context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(p.Subject(e), data); err != nil {
		return fmt.Errorf("publish %s event: %w", e.Kind, err)
	}
	return nil
}

// subjectToken keeps ids from introducing extra subject levels or wildcards.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}
