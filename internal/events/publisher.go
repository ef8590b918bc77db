package events

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// Event types published on the rotation events topic.
const (
	TypeAssignmentsChanged = "assignments_changed"
	TypeHandoffWarning     = "handoff_warning"
)

// Event is the JSON payload consumers of the rotation topic receive.
type Event struct {
	Type        string            `json:"type"`
	SprintIndex int               `json:"sprint_index"`
	Assignments map[string]string `json:"assignments,omitempty"`
	Changed     []string          `json:"changed,omitempty"`
	At          time.Time         `json:"at"`
}

// Publisher writes rotation events to Kafka for downstream consumers
// (dashboards, paging glue). A nil Publisher drops everything, so callers
// publish unconditionally whether or not a broker is configured.
type Publisher struct {
	writer *kafka.Writer
	logger *logrus.Logger
}

func NewPublisher(broker, topic string, logger *logrus.Logger) *Publisher {
	if broker == "" {
		return nil
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(broker),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 50 * time.Millisecond,
		},
		logger: logger,
	}
}

// Publish sends one event. Failures are logged, never propagated; the event
// stream observes state transitions and must not be able to abort them.
func (p *Publisher) Publish(ctx context.Context, e Event) {
	if p == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	value, err := json.Marshal(e)
	if err != nil {
		p.logger.WithError(err).Error("failed to marshal rotation event")
		return
	}
	msg := kafka.Message{
		Key:   []byte(strconv.Itoa(e.SprintIndex)),
		Value: value,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.WithError(err).WithField("type", e.Type).Error("failed to publish rotation event")
	}
}

func (p *Publisher) Close() {
	if p == nil {
		return
	}
	if err := p.writer.Close(); err != nil {
		p.logger.WithError(err).Error("failed to close Kafka writer")
	}
}
