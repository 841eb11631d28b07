// Package audit publishes completed applies so operators can trace and
// reverse marketplace changes by correlation id.
package audit

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/sells-group/stockpool/internal/model"
)

// Event is the audit record for one apply.
type Event struct {
	Type          string             `json:"type"`
	CorrelationID string             `json:"correlation_id"`
	Result        *model.ApplyResult `json:"result"`
	PublishedAt   time.Time          `json:"published_at"`
}

const eventApplied = "allocation.applied"

func newEvent(res *model.ApplyResult, now time.Time) Event {
	return Event{Type: eventApplied, CorrelationID: res.CorrelationID, Result: res, PublishedAt: now.UTC()}
}

// LogSink writes audit events to the structured log.
type LogSink struct {
	now func() time.Time
}

// NewLogSink creates a LogSink.
func NewLogSink() *LogSink { return &LogSink{now: time.Now} }

// PublishApply implements allocation.AuditSink.
func (s *LogSink) PublishApply(_ context.Context, res *model.ApplyResult) error {
	if res == nil {
		return eris.New("audit: nil apply result")
	}
	ev := newEvent(res, s.now())
	zap.L().Info("audit: apply",
		zap.String("type", ev.Type),
		zap.String("correlation_id", ev.CorrelationID),
		zap.String("pool", res.PoolComponentSKU),
		zap.String("location", res.Location),
		zap.Int("allocated", res.AllocatedTotal),
		zap.Int("succeeded", len(res.Succeeded)),
		zap.Int("failed", len(res.Failed)),
		zap.Strings("affected_skus", affected(res)),
	)
	return nil
}

// kafkaMessageWriter abstracts kafka.Writer for testability.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes audit events to a Kafka topic keyed by correlation id.
type KafkaSink struct {
	writer  kafkaMessageWriter
	timeout time.Duration
	now     func() time.Time
}

// NewKafkaSink creates a sink for brokers, a comma-separated host:port list.
func NewKafkaSink(brokers, topic string, timeout time.Duration) (*KafkaSink, error) {
	var addrs []string
	for _, a := range strings.Split(brokers, ",") {
		if a = strings.TrimSpace(a); a != "" {
			addrs = append(addrs, a)
		}
	}
	if len(addrs) == 0 {
		return nil, eris.New("audit: no kafka brokers configured")
	}
	if topic == "" {
		return nil, eris.New("audit: kafka topic is required")
	}
	return newKafkaSinkWith(&kafka.Writer{
		Addr:         kafka.TCP(addrs...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}, timeout), nil
}

func newKafkaSinkWith(w kafkaMessageWriter, timeout time.Duration) *KafkaSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &KafkaSink{writer: w, timeout: timeout, now: time.Now}
}

// PublishApply implements allocation.AuditSink.
func (s *KafkaSink) PublishApply(ctx context.Context, res *model.ApplyResult) error {
	if res == nil {
		return eris.New("audit: nil apply result")
	}
	b, err := json.Marshal(newEvent(res, s.now()))
	if err != nil {
		return eris.Wrap(err, "audit: marshal event")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.writer.WriteMessages(ctx, kafka.Message{Key: []byte(res.CorrelationID), Value: b}); err != nil {
		return eris.Wrapf(err, "audit: publish %s", res.CorrelationID)
	}
	return nil
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	return eris.Wrap(s.writer.Close(), "audit: close kafka writer")
}

func affected(res *model.ApplyResult) []string {
	if res.RollbackGuidance == nil {
		return nil
	}
	return res.RollbackGuidance.AffectedSKUs
}
