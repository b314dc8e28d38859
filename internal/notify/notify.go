// Package notify fans out job state changes to interested subscribers. The
// core publishes into it on every transition; transports (SSE, webhooks,
// external consumers via Redis) subscribe at the boundary.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/unitylab/clipforge/internal/domain"
)

// Event is one job state change.
type Event struct {
	JobID      string          `json:"job_id"`
	State      domain.JobState `json:"state"`
	ETASeconds *int            `json:"eta_seconds,omitempty"`
	At         time.Time       `json:"at"`
}

// Publisher receives every state change. Implementations must not block the
// publishing transition.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

type nop struct{}

func (nop) Publish(context.Context, Event) {}

// Nop returns a Publisher that discards events.
func Nop() Publisher { return nop{} }

// Multi composes publishers; each event goes to all of them in order.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) {
	for _, p := range m {
		p.Publish(ctx, ev)
	}
}

// Broker is an in-process publisher with per-job subscriptions. Sends are
// non-blocking: a subscriber that falls behind loses events rather than
// stalling a transition.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{}
}

// NewBroker creates an empty Broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[chan Event]struct{})}
}

// Subscribe registers for events of one job. The returned cancel func must
// be called when done; it closes the channel.
func (b *Broker) Subscribe(jobID string) (<-chan Event, func()) {
	ch := make(chan Event, 16)
	b.mu.Lock()
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[chan Event]struct{})
	}
	b.subs[jobID][ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if set, ok := b.subs[jobID]; ok {
			if _, ok := set[ch]; ok {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(b.subs, jobID)
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber of the job.
func (b *Broker) Publish(_ context.Context, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[ev.JobID] {
		select {
		case ch <- ev:
		default:
		}
	}
}
