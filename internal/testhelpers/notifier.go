package testhelpers

import (
	"context"
	"sync"

	"escrow-service/internal/notify"
	"github.com/google/uuid"
)

// Recorder is a notify.Notifier that keeps everything it is given.
type Recorder struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (r *Recorder) Notify(_ context.Context, n notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
}

func (r *Recorder) All() []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Notification(nil), r.sent...)
}

// Of returns the notifications of type t sent to userID.
func (r *Recorder) Of(t notify.Type, userID uuid.UUID) []notify.Notification {
	var out []notify.Notification
	for _, n := range r.All() {
		if n.Type == t && n.UserID == userID {
			out = append(out, n)
		}
	}
	return out
}
