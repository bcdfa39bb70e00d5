package srs

import (
	"fmt"
	"time"

	"github.com/conorfennell/knolsched/internal/domain"
)

// Preview returns the card that each grade would produce, for labelling answer buttons.
func (p *Params) Preview(card domain.Card, policy domain.Policy, now time.Time) (map[domain.Grade]domain.Card, error) {
	out := make(map[domain.Grade]domain.Card, len(domain.Grades))
	for _, g := range domain.Grades {
		c, _, err := p.Grade(card, policy, g, now)
		if err != nil {
			return nil, err
		}
		out[g] = c
	}
	return out, nil
}

// Replay regrades card with every event in order and returns the result.
// Starting from the card as imported, it reproduces the current state exactly,
// because fuzzing is seeded from the card ID and review time.
func (p *Params) Replay(card domain.Card, policy domain.Policy, events []domain.ReviewEvent) (domain.Card, error) {
	c := card.Clone()
	for _, e := range events {
		if e.CardID != c.ID {
			return card, fmt.Errorf("%w: event %s belongs to card %s, not %s", domain.ErrInvalidState, e.ID, e.CardID, c.ID)
		}
		next, _, err := p.Grade(c, policy, e.Grade, e.Timestamp)
		if err != nil {
			return card, fmt.Errorf("replay of event %s: %w", e.ID, err)
		}
		c = next
	}
	return c, nil
}

// Reschedule moves a card's due date explicitly. It is the only way DueAt can
// move backwards.
func Reschedule(card domain.Card, due time.Time) domain.Card {
	c := card.Clone()
	c.DueAt = due
	return c
}
