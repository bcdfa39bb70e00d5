package domain

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// ReviewEvent records one grading. Events are never changed after they are written.
type ReviewEvent struct {
	ID                string    `json:"id"`
	CardID            string    `json:"card_id"`
	DeckID            string    `json:"deck_id"`
	Timestamp         time.Time `json:"timestamp"`
	Grade             Grade     `json:"grade"`
	PriorState        State     `json:"prior_state"`
	ResultingState    State     `json:"resulting_state"`
	ResultingInterval float64   `json:"resulting_interval"`
	ResultingEase     float64   `json:"resulting_ease"`
	ResultingDue      time.Time `json:"resulting_due"`
}

// Lapse reports whether the event is a failed recall of a card in the review phase.
func (e ReviewEvent) Lapse() bool {
	return e.Grade == Again && (e.PriorState == Review || e.PriorState == Lapsed)
}

// ReviewPhase reports whether the card was in Review or Lapsed when graded.
func (e ReviewEvent) ReviewPhase() bool {
	return e.PriorState == Review || e.PriorState == Lapsed
}

// Snapshot is the full record set exchanged with persistence collaborators.
type Snapshot struct {
	Decks  []Deck        `json:"decks"`
	Cards  []Card        `json:"cards"`
	Events []ReviewEvent `json:"events"`
}

// WriteJSON encodes the snapshot as indented JSON.
func (s Snapshot) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return nil
}

// ReadSnapshot decodes a snapshot written by WriteJSON.
func ReadSnapshot(r io.Reader) (Snapshot, error) {
	var s Snapshot
	if err := json.NewDecoder(r).Decode(&s); err != nil {
		return Snapshot{}, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return s, nil
}
