// Package reviewlog holds the append-only history of gradings.
package reviewlog

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/conorfennell/knolsched/internal/domain"
)

// Log is an append-only, concurrency-safe list of review events.
// Events are kept in append order and are never rewritten.
type Log struct {
	mu     sync.RWMutex
	events []domain.ReviewEvent
	byCard map[string][]int
}

// New returns a log seeded with events, which must already be in order.
func New(events []domain.ReviewEvent) *Log {
	l := &Log{byCard: make(map[string][]int)}
	for _, e := range events {
		l.append(e)
	}
	return l
}

// Append adds an event. Events for a card must not go back in time.
func (l *Log) Append(e domain.ReviewEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.check(e); err != nil {
		return err
	}
	l.append(e)
	return nil
}

// CheckAppend reports the error Append would return for e without adding it.
func (l *Log) CheckAppend(e domain.ReviewEvent) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.check(e)
}

func (l *Log) check(e domain.ReviewEvent) error {
	last, ok := l.last(e.CardID)
	if ok && e.Timestamp.Before(last.Timestamp) {
		return fmt.Errorf("%w: event for card %s at %s precedes %s",
			domain.ErrClockSkew, e.CardID, e.Timestamp.Format(time.RFC3339), last.Timestamp.Format(time.RFC3339))
	}
	return nil
}

func (l *Log) last(cardID string) (domain.ReviewEvent, bool) {
	idx := l.byCard[cardID]
	if len(idx) == 0 {
		return domain.ReviewEvent{}, false
	}
	return l.events[idx[len(idx)-1]], true
}

// Last returns the card's most recent event.
func (l *Log) Last(cardID string) (domain.ReviewEvent, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.last(cardID)
}

func (l *Log) append(e domain.ReviewEvent) {
	l.byCard[e.CardID] = append(l.byCard[e.CardID], len(l.events))
	l.events = append(l.events, e)
}

// Len returns the number of events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// All returns a copy of every event.
func (l *Log) All() []domain.ReviewEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.events)
}

// ForCard returns the card's events in the order they were graded.
func (l *Log) ForCard(cardID string) []domain.ReviewEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idx := l.byCard[cardID]
	out := make([]domain.ReviewEvent, 0, len(idx))
	for _, i := range idx {
		out = append(out, l.events[i])
	}
	return out
}

// Filter returns the events for which keep reports true.
func (l *Log) Filter(keep func(domain.ReviewEvent) bool) []domain.ReviewEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []domain.ReviewEvent
	for _, e := range l.events {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

// DayCounts is the number of gradings counted against a deck's daily caps.
type DayCounts struct {
	NewIntroduced int
	Reviews       int
}

// CountDay tallies per-deck gradings inside [start, start+24h). A card counts as
// introduced when it is first graded out of New; review-phase gradings count
// against the review cap.
func (l *Log) CountDay(start time.Time) map[string]DayCounts {
	end := start.Add(24 * time.Hour)
	out := make(map[string]DayCounts)
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, e := range l.events {
		if e.Timestamp.Before(start) || !e.Timestamp.Before(end) {
			continue
		}
		dc := out[e.DeckID]
		switch {
		case e.PriorState == domain.New:
			dc.NewIntroduced++
		case e.ReviewPhase():
			dc.Reviews++
		}
		out[e.DeckID] = dc
	}
	return out
}

// DayStart returns the start of the study day containing t. Days begin at
// hour in t's location, so with hour=4 a review at 01:00 belongs to the
// previous day.
func DayStart(t time.Time, hour int) time.Time {
	start := time.Date(t.Year(), t.Month(), t.Day(), hour, 0, 0, 0, t.Location())
	if t.Before(start) {
		start = start.AddDate(0, 0, -1)
	}
	return start
}
