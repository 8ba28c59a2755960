package kafka

import (
	"log/slog"
	"strings"
	"time"

	"escrow-service/internal/config"
	"github.com/VictoriaMetrics/metrics"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultBatchSize    = 100
	DefaultBatchTimeout = 100
)

var (
	writerDeliveredCounter = metrics.GetOrCreateCounter(`kafka_writer_messages_total{result="delivered"}`)
	writerFailedCounter    = metrics.GetOrCreateCounter(`kafka_writer_messages_total{result="failed"}`)
)

// NewWriter returns an asynchronous writer: WriteMessages only enqueues and the
// delivery result is reported through the completion callback.
func NewWriter(cfg config.Kafka, topic string, logger *slog.Logger) *kafka.Writer {
	batchSize := cfg.Writer.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	batchTimeout := cfg.Writer.BatchTimeoutMs
	if batchTimeout <= 0 {
		batchTimeout = DefaultBatchTimeout
	}

	return &kafka.Writer{
		Addr:                   kafka.TCP(strings.Split(cfg.Broker.URL, ",")...),
		Topic:                  topic,
		Balancer:               &kafka.ReferenceHash{},
		BatchSize:              batchSize,
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           time.Duration(batchTimeout) * time.Millisecond,
		Async:                  true,
		AllowAutoTopicCreation: false,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Error("Error delivering messages to Kafka", "topic", topic, "count", len(messages), "error", err)
				writerFailedCounter.Add(len(messages))
				return
			}
			writerDeliveredCounter.Add(len(messages))
		},
	}
}
