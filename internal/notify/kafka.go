package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/VictoriaMetrics/metrics"
	"github.com/segmentio/kafka-go"
)

var (
	notifyPublishedCounter = metrics.GetOrCreateCounter(`notifications_total{result="published"}`)
	notifyErrorCounter     = metrics.GetOrCreateCounter(`notifications_total{result="error"}`)
)

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type KafkaNotifier struct {
	writer MessageWriter
	logger *slog.Logger
}

func NewKafkaNotifier(writer MessageWriter, logger *slog.Logger) *KafkaNotifier {
	return &KafkaNotifier{writer: writer, logger: logger}
}

// Notify enqueues n keyed by user id so one user's notifications stay ordered.
func (k *KafkaNotifier) Notify(ctx context.Context, n Notification) {
	value, err := json.Marshal(n)
	if err != nil {
		k.logger.ErrorContext(ctx, "Error marshalling notification", "error", err)
		notifyErrorCounter.Inc()
		return
	}

	msg := kafka.Message{
		Key:   []byte(n.UserID.String()),
		Value: value,
	}
	if err := k.writer.WriteMessages(context.WithoutCancel(ctx), msg); err != nil {
		k.logger.ErrorContext(ctx, "Error publishing notification", "type", n.Type, "userId", n.UserID, "error", err)
		notifyErrorCounter.Inc()
		return
	}
	notifyPublishedCounter.Inc()
}
