// Package events publishes finalized ledger events to downstream consumers.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"cabalcoin-lab/internal/domain"
)

// Envelope wraps a ledger event with its transaction context.
type Envelope struct {
	ID          uuid.UUID          `json:"id"`
	TxHash      string             `json:"tx_hash"`
	Version     uint64             `json:"version"`
	Index       int                `json:"index"` // position within the transaction
	Event       domain.LedgerEvent `json:"event"`
	PublishedAt time.Time          `json:"published_at"`
}

// NewEnvelopes wraps all events of one finalized transaction.
func NewEnvelopes(tx *domain.TransactionRecord, now time.Time) []Envelope {
	out := make([]Envelope, 0, len(tx.Events))
	for i, ev := range tx.Events {
		out = append(out, Envelope{
			ID:          uuid.New(),
			TxHash:      tx.Hash,
			Version:     tx.Version,
			Index:       i,
			Event:       ev,
			PublishedAt: now,
		})
	}
	return out
}

// Publisher delivers envelopes. Publish must not retain the slice.
type Publisher interface {
	Publish(ctx context.Context, envs []Envelope) error
	Close() error
}

// Nop discards all envelopes.
type Nop struct{}

func (Nop) Publish(context.Context, []Envelope) error { return nil }
func (Nop) Close() error                              { return nil }

// Recorder keeps published envelopes in memory.
type Recorder struct {
	mu   sync.Mutex
	envs []Envelope
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Publish appends envs.
func (r *Recorder) Publish(_ context.Context, envs []Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, envs...)
	return nil
}

// Close is a no-op.
func (r *Recorder) Close() error { return nil }

// Envelopes returns a copy of everything published so far.
func (r *Recorder) Envelopes() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Envelope, len(r.envs))
	copy(out, r.envs)
	return out
}

// OfType returns published events of type t in publish order.
func (r *Recorder) OfType(t domain.EventType) []domain.LedgerEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.LedgerEvent
	for _, e := range r.envs {
		if e.Event.Type == t {
			out = append(out, e.Event)
		}
	}
	return out
}

var (
	_ Publisher = Nop{}
	_ Publisher = (*Recorder)(nil)
)
