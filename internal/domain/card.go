package domain

import (
	"encoding"
	"fmt"
	"time"
)

// State is the scheduling stage of a card.
type State int

const (
	New State = iota
	Learning
	Review
	Lapsed
)

var (
	stateNames  = [...]string{New: "New", Learning: "Learning", Review: "Review", Lapsed: "Lapsed"}
	stateByName = map[string]State{"New": New, "Learning": Learning, "Review": Review, "Lapsed": Lapsed}
)

var (
	_ fmt.Stringer             = State(0)
	_ encoding.TextMarshaler   = State(0)
	_ encoding.TextUnmarshaler = (*State)(nil)
)

// IsValid reports whether s is one of the four known states.
func (s State) IsValid() bool {
	return s >= New && s <= Lapsed
}

func (s State) String() string {
	if s.IsValid() {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler. JSON and YAML use it too.
func (s State) MarshalText() ([]byte, error) {
	if !s.IsValid() {
		return nil, fmt.Errorf("%w: state %d", ErrInvalidState, int(s))
	}
	return []byte(stateNames[s]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	v, ok := stateByName[string(text)]
	if !ok {
		return fmt.Errorf("%w: state %q", ErrInvalidState, text)
	}
	*s = v
	return nil
}

// Grade is the user's answer to a review.
// The numeric values follow the usual four-button layout:
// 1: Again (forgotten)
// 2: Hard
// 3: Good
// 4: Easy
type Grade int

const (
	Again Grade = iota + 1
	Hard
	Good
	Easy
)

// Grades lists every grade in button order.
var Grades = []Grade{Again, Hard, Good, Easy}

var (
	gradeNames  = [...]string{Again: "Again", Hard: "Hard", Good: "Good", Easy: "Easy"}
	gradeByName = map[string]Grade{"Again": Again, "Hard": Hard, "Good": Good, "Easy": Easy}
)

// IsValid reports whether g is Again through Easy.
func (g Grade) IsValid() bool {
	return g >= Again && g <= Easy
}

// Successful reports whether the grade counts as a recall.
func (g Grade) Successful() bool {
	return g >= Hard && g <= Easy
}

func (g Grade) String() string {
	if g.IsValid() {
		return gradeNames[g]
	}
	return fmt.Sprintf("Grade(%d)", int(g))
}

// MarshalText implements encoding.TextMarshaler.
func (g Grade) MarshalText() ([]byte, error) {
	if !g.IsValid() {
		return nil, fmt.Errorf("%w: grade %d", ErrInvalidState, int(g))
	}
	return []byte(gradeNames[g]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (g *Grade) UnmarshalText(text []byte) error {
	v, ok := gradeByName[string(text)]
	if !ok {
		return fmt.Errorf("%w: grade %q", ErrInvalidState, text)
	}
	*g = v
	return nil
}

// ParseGrade accepts either a grade name ("Good") or its number ("3").
func ParseGrade(s string) (Grade, error) {
	var g Grade
	if err := g.UnmarshalText([]byte(s)); err == nil {
		return g, nil
	}
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil || !Grade(n).IsValid() {
		return 0, fmt.Errorf("%w: grade %q", ErrInvalidState, s)
	}
	return Grade(n), nil
}

// Card is a flashcard together with its scheduling state.
//
// Interval is measured in fractional days. While a lapsed card relearns it keeps
// its penalized review interval as the baseline; the gap between learning steps
// comes from the deck policy.
type Card struct {
	ID         string     `json:"id"`
	DeckID     string     `json:"deck_id"`
	Seq        int64      `json:"seq"`
	Content    Content    `json:"content"`
	State      State      `json:"state"`
	Step       int        `json:"step"`
	Ease       float64    `json:"ease"`
	Interval   float64    `json:"interval"`
	DueAt      time.Time  `json:"due_at"`
	LastReview *time.Time `json:"last_review,omitempty"`
	Lapses     int        `json:"lapses"`
	Reps       int        `json:"reps"`
	CreatedAt  time.Time  `json:"created_at"`
}

// NewCard returns a card in the New state, due immediately.
func NewCard(id, deckID string, seq int64, content Content, ease float64, now time.Time) Card {
	return Card{
		ID:        id,
		DeckID:    deckID,
		Seq:       seq,
		Content:   content,
		State:     New,
		Ease:      ease,
		DueAt:     now,
		CreatedAt: now,
	}
}

// Clone returns a deep copy of the card.
func (c Card) Clone() Card {
	out := c
	if c.LastReview != nil {
		v := *c.LastReview
		out.LastReview = &v
	}
	out.Content = c.Content.Clone()
	return out
}

// IsDue reports whether the card is eligible for review at now.
func (c Card) IsDue(now time.Time) bool {
	return !c.DueAt.After(now)
}
