// Package stats summarizes the review event log and current card schedule.
// Every function here is read-only and returns zeroed results for empty input.
package stats

import (
	"time"

	"github.com/conorfennell/knolsched/internal/domain"
)

// Window bounds a query to [From, To). A zero bound is open.
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	if !w.From.IsZero() && t.Before(w.From) {
		return false
	}
	if !w.To.IsZero() && !t.Before(w.To) {
		return false
	}
	return true
}

// RetentionSummary counts gradings and how many of them were recalls.
type RetentionSummary struct {
	Total      int                  `json:"total"`
	Successful int                  `json:"successful"`
	Rate       float64              `json:"rate"`
	ByGrade    map[domain.Grade]int `json:"by_grade"`
}

// Retention computes successful gradings over all gradings inside w.
func Retention(events []domain.ReviewEvent, w Window) RetentionSummary {
	s := RetentionSummary{ByGrade: make(map[domain.Grade]int)}
	for _, e := range events {
		if !w.Contains(e.Timestamp) {
			continue
		}
		s.Total++
		s.ByGrade[e.Grade]++
		if e.Grade.Successful() {
			s.Successful++
		}
	}
	s.Rate = ratio(s.Successful, s.Total)
	return s
}

// DayForecast is the number of cards falling due on one day.
type DayForecast struct {
	Day time.Time `json:"day"`
	Due int       `json:"due"`
}

// Forecast counts scheduled cards per day for days days starting at start.
// Cards already overdue are counted on the first day. New cards have no
// schedule yet and are left out.
func Forecast(cards []domain.Card, start time.Time, days int) []DayForecast {
	if days <= 0 {
		return []DayForecast{}
	}
	out := make([]DayForecast, days)
	for i := range out {
		out[i].Day = start.AddDate(0, 0, i)
	}
	end := start.AddDate(0, 0, days)
	for _, c := range cards {
		if c.State == domain.New || !c.DueAt.Before(end) {
			continue
		}
		i := 0
		if c.DueAt.After(start) {
			i = int(c.DueAt.Sub(start) / (24 * time.Hour))
			// Daylight saving changes can push the division one slot off.
			for i+1 < days && !c.DueAt.Before(out[i+1].Day) {
				i++
			}
			for i > 0 && c.DueAt.Before(out[i].Day) {
				i--
			}
		}
		out[i].Due++
	}
	return out
}

// LapseRate returns, per deck, the share of review-phase gradings that were lapses.
func LapseRate(events []domain.ReviewEvent) map[string]float64 {
	lapses := make(map[string]int)
	reviews := make(map[string]int)
	for _, e := range events {
		if !e.ReviewPhase() {
			continue
		}
		reviews[e.DeckID]++
		if e.Lapse() {
			lapses[e.DeckID]++
		}
	}
	out := make(map[string]float64, len(reviews))
	for deck, n := range reviews {
		out[deck] = ratio(lapses[deck], n)
	}
	return out
}

// RetentionReport is the progress summary for one deck.
type RetentionReport struct {
	DeckID          string               `json:"deck_id"`
	Window          Window               `json:"window"`
	Reviews         int                  `json:"reviews"`
	Successful      int                  `json:"successful"`
	RetentionRate   float64              `json:"retention_rate"`
	ByGrade         map[domain.Grade]int `json:"by_grade"`
	Lapses          int                  `json:"lapses"`
	LapseRate       float64              `json:"lapse_rate"`
	Cards           int                  `json:"cards"`
	States          map[domain.State]int `json:"states"`
	DueNow          int                  `json:"due_now"`
	AverageEase     float64              `json:"average_ease"`
	AverageInterval float64              `json:"average_interval"`
	LastGrades      map[domain.Grade]int `json:"last_grades"`
}

// Report builds the deck's report from its cards and the events in w.
// Events from other decks are ignored.
func Report(deckID string, cards []domain.Card, events []domain.ReviewEvent, w Window, now time.Time) RetentionReport {
	var deckEvents []domain.ReviewEvent
	for _, e := range events {
		if e.DeckID == deckID && w.Contains(e.Timestamp) {
			deckEvents = append(deckEvents, e)
		}
	}

	ret := Retention(deckEvents, Window{})
	r := RetentionReport{
		DeckID:        deckID,
		Window:        w,
		Reviews:       ret.Total,
		Successful:    ret.Successful,
		RetentionRate: ret.Rate,
		ByGrade:       ret.ByGrade,
		States:        make(map[domain.State]int),
		LastGrades:    make(map[domain.Grade]int),
	}

	reviewPhase := 0
	last := make(map[string]domain.Grade)
	for _, e := range deckEvents {
		if e.ReviewPhase() {
			reviewPhase++
		}
		if e.Lapse() {
			r.Lapses++
		}
		last[e.CardID] = e.Grade
	}
	r.LapseRate = ratio(r.Lapses, reviewPhase)
	for _, g := range last {
		r.LastGrades[g]++
	}

	var easeSum, ivlSum float64
	var easeN, ivlN int
	for _, c := range cards {
		if c.DeckID != deckID {
			continue
		}
		r.Cards++
		r.States[c.State]++
		if c.State != domain.New && c.IsDue(now) {
			r.DueNow++
		}
		if c.State != domain.New {
			easeSum += c.Ease
			easeN++
		}
		if c.State == domain.Review || c.State == domain.Lapsed {
			ivlSum += c.Interval
			ivlN++
		}
	}
	if easeN > 0 {
		r.AverageEase = easeSum / float64(easeN)
	}
	if ivlN > 0 {
		r.AverageInterval = ivlSum / float64(ivlN)
	}
	return r
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}
