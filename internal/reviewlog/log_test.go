package reviewlog

import (
	"errors"
	"testing"
	"time"

	"github.com/conorfennell/knolsched/internal/domain"
)

var t0 = time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)

func event(card, deck string, at time.Time, prior domain.State, g domain.Grade) domain.ReviewEvent {
	return domain.ReviewEvent{CardID: card, DeckID: deck, Timestamp: at, PriorState: prior, Grade: g}
}

func TestAppendKeepsOrder(t *testing.T) {
	l := New(nil)
	if err := l.Append(event("a", "d", t0, domain.New, domain.Good)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Append(event("b", "d", t0.Add(time.Minute), domain.New, domain.Good)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Append(event("a", "d", t0.Add(time.Hour), domain.Learning, domain.Good)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if l.Len() != 3 {
		t.Errorf("Len = %d, want 3", l.Len())
	}
	got := l.ForCard("a")
	if len(got) != 2 || got[1].PriorState != domain.Learning {
		t.Errorf("ForCard(a) = %+v", got)
	}
	if len(l.ForCard("missing")) != 0 {
		t.Error("ForCard of an unknown card should be empty")
	}
}

func TestAppendRejectsBackwardsTime(t *testing.T) {
	l := New([]domain.ReviewEvent{event("a", "d", t0, domain.New, domain.Good)})
	err := l.Append(event("a", "d", t0.Add(-time.Second), domain.Learning, domain.Good))
	if !errors.Is(err, domain.ErrClockSkew) {
		t.Errorf("err = %v, want ErrClockSkew", err)
	}
	if l.Len() != 1 {
		t.Errorf("rejected event was appended")
	}
}

func TestCheckAppendDoesNotAppend(t *testing.T) {
	l := New([]domain.ReviewEvent{event("a", "d", t0, domain.New, domain.Good)})

	if err := l.CheckAppend(event("a", "d", t0.Add(-time.Minute), domain.Learning, domain.Good)); !errors.Is(err, domain.ErrClockSkew) {
		t.Errorf("err = %v, want ErrClockSkew", err)
	}
	if err := l.CheckAppend(event("a", "d", t0.Add(time.Minute), domain.Learning, domain.Good)); err != nil {
		t.Errorf("CheckAppend: %v", err)
	}
	if err := l.CheckAppend(event("b", "d", t0.Add(-time.Hour), domain.New, domain.Good)); err != nil {
		t.Errorf("other cards are not ordered against a: %v", err)
	}
	if l.Len() != 1 {
		t.Errorf("Len = %d, want 1", l.Len())
	}

	last, ok := l.Last("a")
	if !ok || !last.Timestamp.Equal(t0) {
		t.Errorf("Last(a) = %+v, %v", last, ok)
	}
	if _, ok := l.Last("b"); ok {
		t.Error("Last of a card without events should report false")
	}
}

func TestAllReturnsCopy(t *testing.T) {
	l := New([]domain.ReviewEvent{event("a", "d", t0, domain.New, domain.Good)})
	all := l.All()
	all[0].CardID = "changed"
	if l.All()[0].CardID != "a" {
		t.Error("All exposed the underlying slice")
	}
}

func TestCountDay(t *testing.T) {
	start := DayStart(t0, 4)
	l := New([]domain.ReviewEvent{
		event("yesterday", "d1", start.Add(-time.Minute), domain.New, domain.Good),
		event("n1", "d1", start.Add(time.Hour), domain.New, domain.Good),
		event("n2", "d1", start.Add(2*time.Hour), domain.New, domain.Again),
		event("n1", "d1", start.Add(3*time.Hour), domain.Learning, domain.Good),
		event("r1", "d1", start.Add(4*time.Hour), domain.Review, domain.Good),
		event("r2", "d2", start.Add(5*time.Hour), domain.Lapsed, domain.Again),
		event("tomorrow", "d2", start.Add(24*time.Hour), domain.New, domain.Good),
	})

	counts := l.CountDay(start)
	if got := counts["d1"]; got.NewIntroduced != 2 || got.Reviews != 1 {
		t.Errorf("d1 = %+v, want 2 new, 1 review", got)
	}
	if got := counts["d2"]; got.NewIntroduced != 0 || got.Reviews != 1 {
		t.Errorf("d2 = %+v, want 0 new, 1 review", got)
	}
}

func TestDayStart(t *testing.T) {
	tests := []struct {
		name string
		at   time.Time
		want time.Time
	}{
		{"after rollover", time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC), time.Date(2025, 6, 15, 4, 0, 0, 0, time.UTC)},
		{"before rollover", time.Date(2025, 6, 15, 1, 0, 0, 0, time.UTC), time.Date(2025, 6, 14, 4, 0, 0, 0, time.UTC)},
		{"at rollover", time.Date(2025, 6, 15, 4, 0, 0, 0, time.UTC), time.Date(2025, 6, 15, 4, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DayStart(tt.at, 4); !got.Equal(tt.want) {
				t.Errorf("DayStart = %v, want %v", got, tt.want)
			}
		})
	}
}
