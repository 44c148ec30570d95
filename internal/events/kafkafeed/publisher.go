package kafkafeed

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/resumeforge/creditd/pkg/credits"
)

const defaultTopic = "credit-operations"

// Publisher emits every applied credits operation to a Kafka topic for
// downstream consumers. Publishing is best-effort: a broker failure is logged
// and never fails the operation that triggered it.
type Publisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// New returns a Publisher writing to topic on the given brokers. An empty
// topic falls back to the default.
func New(brokers []string, topic string, logger *zap.Logger) *Publisher {
	if topic == "" {
		topic = defaultTopic
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
		logger: logger,
	}
}

// ParseBrokers splits a comma-delimited broker list, trimming whitespace and
// dropping empty elements.
func ParseBrokers(raw string) []string {
	parts := strings.Split(raw, ",")
	brokers := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	return brokers
}

type operationMessage struct {
	Operation     string `json:"operation"`
	UserID        string `json:"user_id"`
	Amount        int64  `json:"amount"`
	EventID       string `json:"event_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Outcome       string `json:"outcome,omitempty"`
	Status        string `json:"status"`
	OccurredAt    int64  `json:"occurred_at"`
}

// LogOperation implements credits.OperationLogger.
func (publisher *Publisher) LogOperation(ctx context.Context, entry credits.OperationLog) {
	message := operationMessage{
		Operation:     entry.Operation,
		UserID:        entry.UserID,
		Amount:        entry.Amount,
		EventID:       entry.EventID,
		CorrelationID: entry.CorrelationID,
		Outcome:       entry.Outcome,
		Status:        entry.Status,
		OccurredAt:    time.Now().UTC().Unix(),
	}
	data, err := json.Marshal(message)
	if err != nil {
		publisher.logger.Warn("operation feed marshal failed", zap.Error(err))
		return
	}
	if err := publisher.writer.WriteMessages(ctx, kafka.Message{Key: []byte(entry.UserID), Value: data}); err != nil {
		publisher.logger.Warn("operation feed publish failed", zap.Error(err))
	}
}

// Close flushes and closes the underlying writer.
func (publisher *Publisher) Close() error {
	return publisher.writer.Close()
}
