package notify

import (
	"context"
	"sync"
	"time"
)

type Kind string

const (
	KindDueSoon         Kind = "due_soon"
	KindOverdue         Kind = "overdue"
	KindReturnRejected  Kind = "return_rejected"
	KindReturnCompleted Kind = "return_completed"
)

type Event struct {
	Kind               Kind      `json:"kind"`
	TransactionID      string    `json:"transaction_id"`
	BorrowerID         string    `json:"borrower_id"`
	ExpectedReturnDate time.Time `json:"expected_return_date"`
	Reason             string    `json:"reason,omitempty"`
	OccurredAt         time.Time `json:"occurred_at"`
}

// Notifier delivers one event to the outside world (mail relay, log, ...).
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Enqueuer hands an event off without waiting for delivery.
// Implementations must not block the caller.
type Enqueuer interface {
	Enqueue(ev Event) bool
}

// Recorder keeps every event it sees. Handy in tests and for dry runs.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(_ context.Context, ev Event) error {
	r.Enqueue(ev)
	return nil
}

func (r *Recorder) Enqueue(ev Event) bool {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return true
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfKind filters recorded events.
func (r *Recorder) OfKind(k Kind) []Event {
	out := []Event{}
	for _, ev := range r.Events() {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}
