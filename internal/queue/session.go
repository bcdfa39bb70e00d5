package queue

import (
	"context"
	"sync"
	"time"
)

// Source supplies consistent deck snapshots to a Session.
type Source interface {
	Snapshot(ctx context.Context, deckIDs []string, now time.Time) ([]DeckSnapshot, error)
}

// Session is a lazy review queue. Every pull rebuilds the queue from a fresh
// snapshot, so grading the head card can change what comes next (a lapsed
// card may come back in the same session). Cards are handed out one at a time.
type Session struct {
	builder *Builder
	source  Source
	deckIDs []string
	clock   func() time.Time

	mu     sync.Mutex
	buried map[string]struct{}
}

// NewSession returns a session over deckIDs. clock supplies "now" on each pull.
func NewSession(builder *Builder, source Source, deckIDs []string, clock func() time.Time) *Session {
	return &Session{
		builder: builder,
		source:  source,
		deckIDs: append([]string(nil), deckIDs...),
		clock:   clock,
		buried:  make(map[string]struct{}),
	}
}

// Next returns the card to show now. ok is false once nothing is due.
func (s *Session) Next(ctx context.Context) (id string, ok bool, err error) {
	ids, err := s.pending(ctx)
	if err != nil || len(ids) == 0 {
		return "", false, err
	}
	return ids[0], true, nil
}

// Remaining returns how many cards are left in the session right now.
func (s *Session) Remaining(ctx context.Context) (int, error) {
	ids, err := s.pending(ctx)
	return len(ids), err
}

// Skip hides a card for the rest of the session without grading it.
func (s *Session) Skip(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buried[id] = struct{}{}
}

// Reset restarts the session, bringing skipped cards back.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.buried)
}

func (s *Session) pending(ctx context.Context) ([]string, error) {
	now := s.clock()
	snaps, err := s.source.Snapshot(ctx, s.deckIDs, now)
	if err != nil {
		return nil, err
	}
	ids, err := s.builder.Build(ctx, snaps, now)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := ids[:0]
	for _, id := range ids {
		if _, skip := s.buried[id]; !skip {
			out = append(out, id)
		}
	}
	return out, nil
}
