package srs

import (
	"fmt"
	"math"
	"time"

	"github.com/conorfennell/knolsched/internal/domain"
)

const day = 24 * time.Hour

// Grade applies a review to card and returns the updated card and the event
// describing it. The input card is never modified; on error it is returned as is.
func (p *Params) Grade(card domain.Card, policy domain.Policy, grade domain.Grade, now time.Time) (domain.Card, domain.ReviewEvent, error) {
	if !grade.IsValid() {
		return card, domain.ReviewEvent{}, fmt.Errorf("%w: %s card %s graded %s", domain.ErrInvalidState, card.State, card.ID, grade)
	}
	if card.LastReview != nil && now.Before(*card.LastReview) {
		return card, domain.ReviewEvent{}, fmt.Errorf("%w: card %s last reviewed %s, now %s",
			domain.ErrClockSkew, card.ID, card.LastReview.Format(time.RFC3339), now.Format(time.RFC3339))
	}

	c := card.Clone()
	prior := c.State

	switch c.State {
	case domain.New:
		c.Step = 0
		c.Interval = 0
		p.learn(&c, policy, grade, now)
	case domain.Learning:
		p.learn(&c, policy, grade, now)
	case domain.Review:
		p.review(&c, policy, grade, now)
	case domain.Lapsed:
		p.relapse(&c, policy, grade, now)
	default:
		return card, domain.ReviewEvent{}, fmt.Errorf("%w: card %s in %s", domain.ErrInvalidState, card.ID, card.State)
	}

	c.Reps++
	c.LastReview = &now

	event := domain.ReviewEvent{
		CardID:            c.ID,
		DeckID:            c.DeckID,
		Timestamp:         now,
		Grade:             grade,
		PriorState:        prior,
		ResultingState:    c.State,
		ResultingInterval: c.Interval,
		ResultingEase:     c.Ease,
		ResultingDue:      c.DueAt,
	}
	return c, event, nil
}

// learn moves a card through the learning (or relearning) steps.
// A card with a positive Interval is relearning after a lapse.
func (p *Params) learn(c *domain.Card, policy domain.Policy, grade domain.Grade, now time.Time) {
	steps := policy.LearningSteps
	if c.Interval > 0 && len(policy.RelearnSteps) > 0 {
		steps = policy.RelearnSteps
	}
	c.State = domain.Learning
	if len(steps) == 0 {
		if grade == domain.Again {
			c.Step = 0
			c.DueAt = now
			return
		}
		p.graduate(c, policy, grade, now)
		return
	}

	step := min(max(c.Step, 0), len(steps)-1)

	switch grade {
	case domain.Again:
		c.Step = 0
		c.DueAt = now.Add(steps[0])
	case domain.Hard:
		c.Step = step
		if policy.HardStep > 0 {
			c.DueAt = now.Add(policy.HardStep)
		} else {
			c.DueAt = now.Add(steps[step])
		}
	default:
		next := step + 1
		if next >= len(steps) {
			p.graduate(c, policy, grade, now)
			return
		}
		c.Step = next
		c.DueAt = now.Add(steps[next])
	}
}

// graduate promotes a card that finished its steps to Review.
func (p *Params) graduate(c *domain.Card, policy domain.Policy, grade domain.Grade, now time.Time) {
	c.State = domain.Review
	c.Step = 0
	if c.Interval > 0 {
		ivl := c.Interval
		if grade == domain.Easy {
			ivl *= p.LapsedEasyMultiplier
		}
		c.Interval = min(ivl, policy.MaxInterval)
	} else {
		c.Interval = policy.GraduatingInterval
		if grade == domain.Easy {
			c.Interval = policy.EasyInterval
		}
		c.Ease = p.clampEase(policy.InitialEase)
	}
	c.DueAt = p.reviewDue(c, policy, now)
}

// review handles a graded card in the Review state.
func (p *Params) review(c *domain.Card, policy domain.Policy, grade domain.Grade, now time.Time) {
	if grade == domain.Again {
		p.lapse(c, policy, now)
		return
	}

	old := c.Interval
	if old <= 0 {
		old = policy.GraduatingInterval
	}

	base := old
	multiplier := 1.0
	switch grade {
	case domain.Hard:
		multiplier = p.HardMultiplier
	case domain.Easy:
		multiplier = p.EasyMultiplier
		base += p.overdueBonus(old, c.DueAt, now)
	default:
		base += p.overdueBonus(old, c.DueAt, now)
	}

	ivl := base * c.Ease * policy.IntervalModifier * multiplier
	ivl = min(ivl, policy.MaxInterval)
	if grade == domain.Hard {
		ivl = max(ivl, policy.MinLapseInterval)
	} else if ivl < old {
		ivl = old
	}

	c.Interval = ivl
	c.Ease = p.nudgeEase(c.Ease, grade)
	c.DueAt = p.reviewDue(c, policy, now)
}

// relapse handles a graded card in the Lapsed state. A recall returns it to
// Review with its penalized interval as the new baseline.
func (p *Params) relapse(c *domain.Card, policy domain.Policy, grade domain.Grade, now time.Time) {
	if grade == domain.Again {
		p.lapse(c, policy, now)
		return
	}

	ivl := c.Interval
	if ivl <= 0 {
		ivl = policy.MinLapseInterval
	}
	if grade == domain.Easy {
		ivl *= p.LapsedEasyMultiplier
	}
	c.State = domain.Review
	c.Interval = min(ivl, policy.MaxInterval)
	c.Ease = p.nudgeEase(c.Ease, grade)
	c.DueAt = p.reviewDue(c, policy, now)
}

// lapse records a failed recall of a Review or Lapsed card. The new interval
// never exceeds the old one.
func (p *Params) lapse(c *domain.Card, policy domain.Policy, now time.Time) {
	old := c.Interval
	c.Lapses++
	c.Ease = p.clampEase(c.Ease - p.LapsePenalty)

	ivl := max(old*policy.LapseIntervalRatio, policy.MinLapseInterval)
	if old > 0 {
		ivl = min(ivl, old)
	}
	c.Interval = ivl
	c.Step = 0

	if policy.RelearnLapsed && len(policy.RelearnSteps) > 0 {
		c.State = domain.Learning
		c.DueAt = now.Add(policy.RelearnSteps[0])
		return
	}
	c.State = domain.Lapsed
	c.DueAt = now.Add(time.Duration(wholeDays(ivl)) * day)
}

func (p *Params) nudgeEase(ease float64, grade domain.Grade) float64 {
	switch grade {
	case domain.Hard:
		return p.clampEase(ease - p.HardPenalty)
	case domain.Easy:
		return p.clampEase(ease + p.EasyBonus)
	default:
		return p.clampEase(ease)
	}
}

// overdueBonus returns the extra days credited to a card reviewed more than
// interval days after its due date: overdueDays*OverdueBonusRate, capped at
// OverdueBonusCap*interval. Lateness within the interval earns nothing.
func (p *Params) overdueBonus(interval float64, due, now time.Time) float64 {
	overdue := now.Sub(due).Hours() / 24
	if overdue <= interval {
		return 0
	}
	return min(overdue*p.OverdueBonusRate, p.OverdueBonusCap*interval)
}

// reviewDue fuzzes the card's interval and rounds it to whole days. This is
// the only place interval arithmetic is rounded.
func (p *Params) reviewDue(c *domain.Card, policy domain.Policy, now time.Time) time.Time {
	ivl := min(p.fuzz(c.Interval, c.ID, now), policy.MaxInterval)
	return now.Add(time.Duration(wholeDays(ivl)) * day)
}

func wholeDays(interval float64) int64 {
	return max(1, int64(math.Round(interval)))
}
