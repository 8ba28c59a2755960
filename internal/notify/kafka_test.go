package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func testNotification() Notification {
	return Notification{
		Type:       PayoutReleased,
		UserID:     uuid.New(),
		BookingID:  uuid.New(),
		PaymentID:  uuid.New(),
		Amount:     decimal.RequireFromString("135.00"),
		Message:    "Your payout of 135.00 is on its way",
		OccurredAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestKafkaNotifierKeysByUser(t *testing.T) {
	writer := &fakeWriter{}
	sut := NewKafkaNotifier(writer, slog.New(slog.NewTextHandler(io.Discard, nil)))
	n := testNotification()

	sut.Notify(context.Background(), n)

	require.Len(t, writer.msgs, 1)
	assert.Equal(t, n.UserID.String(), string(writer.msgs[0].Key))

	var got Notification
	require.NoError(t, json.Unmarshal(writer.msgs[0].Value, &got))
	assert.Equal(t, PayoutReleased, got.Type)
	assert.Equal(t, n.BookingID, got.BookingID)
	assert.True(t, n.Amount.Equal(got.Amount))
}

func TestKafkaNotifierSwallowsWriteErrors(t *testing.T) {
	writer := &fakeWriter{err: errors.New("broker down")}
	sut := NewKafkaNotifier(writer, slog.New(slog.NewTextHandler(io.Discard, nil)))

	assert.NotPanics(t, func() {
		sut.Notify(context.Background(), testNotification())
	})
	assert.Empty(t, writer.msgs)
}

func TestKafkaNotifierIgnoresCancelledContext(t *testing.T) {
	writer := &fakeWriter{}
	sut := NewKafkaNotifier(writer, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sut.Notify(ctx, testNotification())

	assert.Len(t, writer.msgs, 1)
}
