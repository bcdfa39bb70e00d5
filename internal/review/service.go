// Package review is the scheduling engine's public facade. It owns the live
// card set, the review log and the per-card grading locks, and publishes a
// grade only after it has been persisted.
package review

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/conorfennell/knolsched/internal/domain"
	"github.com/conorfennell/knolsched/internal/queue"
	"github.com/conorfennell/knolsched/internal/reviewlog"
	"github.com/conorfennell/knolsched/internal/srs"
	"github.com/conorfennell/knolsched/internal/stats"
	"github.com/google/uuid"
)

// Persister stores what the service publishes. storage.DB implements it.
type Persister interface {
	SaveDeck(ctx context.Context, deck domain.Deck) error
	SaveCards(ctx context.Context, cards []domain.Card) error
	SaveCard(ctx context.Context, card domain.Card) error
	// SaveGrade stores the updated card and its event atomically.
	SaveGrade(ctx context.Context, card domain.Card, event domain.ReviewEvent) error
}

// Recorder receives grading and queue measurements. metrics.Metrics implements it.
type Recorder interface {
	queue.Recorder
	CardGraded(event domain.ReviewEvent)
}

// Config wires a Service. Only Params is required; zero values get defaults.
type Config struct {
	Params    *srs.Params
	Queue     queue.Options
	Logger    *slog.Logger
	Persister Persister
	Recorder  Recorder
	NewID     func() string
}

// Service schedules reviews for every loaded deck.
type Service struct {
	params    *srs.Params
	builder   *queue.Builder
	dayStart  int
	logger    *slog.Logger
	persister Persister
	recorder  Recorder
	newID     func() string

	mu      sync.RWMutex
	decks   map[string]domain.Deck
	cards   map[string]domain.Card
	byDeck  map[string][]string
	nextSeq map[string]int64
	log     *reviewlog.Log

	locks sync.Map // card ID -> *sync.Mutex
}

// New returns an empty service.
func New(cfg Config) *Service {
	if cfg.Params == nil {
		cfg.Params = srs.DefaultParams()
	}
	if cfg.Queue == (queue.Options{}) {
		cfg.Queue = queue.DefaultOptions()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	s := &Service{
		params:    cfg.Params,
		builder:   queue.NewBuilder(cfg.Queue, cfg.Logger, cfg.Recorder),
		dayStart:  cfg.Queue.DayStartHour,
		logger:    cfg.Logger,
		persister: cfg.Persister,
		recorder:  cfg.Recorder,
		newID:     cfg.NewID,
	}
	s.reset()
	return s
}

func (s *Service) reset() {
	s.decks = make(map[string]domain.Deck)
	s.cards = make(map[string]domain.Card)
	s.byDeck = make(map[string][]string)
	s.nextSeq = make(map[string]int64)
	s.log = reviewlog.New(nil)
}

func (s *Service) cardLock(id string) *sync.Mutex {
	m, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// GradeCard applies grade to the card at now and returns the updated card.
// Concurrent gradings of the same card are serialized; the second one sees the
// first one's result. If persisting fails the card is left as it was.
func (s *Service) GradeCard(ctx context.Context, cardID string, grade domain.Grade, now time.Time) (domain.Card, error) {
	lock := s.cardLock(cardID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	card, ok := s.cards[cardID]
	deck, deckOK := s.decks[card.DeckID]
	s.mu.RUnlock()
	if !ok {
		return domain.Card{}, fmt.Errorf("%w: card %s", domain.ErrNotFound, cardID)
	}
	if !deckOK {
		return domain.Card{}, fmt.Errorf("%w: deck %s of card %s", domain.ErrNotFound, card.DeckID, cardID)
	}

	next, event, err := s.params.Grade(card, deck.Policy, grade, now)
	if err != nil {
		return domain.Card{}, err
	}
	event.ID = s.newID()

	s.mu.RLock()
	err = s.log.CheckAppend(event)
	s.mu.RUnlock()
	if err != nil {
		return domain.Card{}, err
	}

	if s.persister != nil {
		if err := s.persister.SaveGrade(ctx, next, event); err != nil {
			return domain.Card{}, fmt.Errorf("failed to save grade for card %s: %w", cardID, err)
		}
	}

	s.mu.Lock()
	if err := s.log.Append(event); err != nil {
		s.mu.Unlock()
		return domain.Card{}, err
	}
	s.cards[cardID] = next
	s.mu.Unlock()

	if s.recorder != nil {
		s.recorder.CardGraded(event)
	}
	s.logger.Debug("card graded", "card_id", cardID, "grade", grade, "from", event.PriorState, "to", next.State, "due", next.DueAt)
	return next.Clone(), nil
}

// Card returns a copy of the card.
func (s *Service) Card(cardID string) (domain.Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cards[cardID]
	if !ok {
		return domain.Card{}, fmt.Errorf("%w: card %s", domain.ErrNotFound, cardID)
	}
	return c.Clone(), nil
}

// NextDue returns when the card is next due.
func (s *Service) NextDue(cardID string) (time.Time, error) {
	c, err := s.Card(cardID)
	if err != nil {
		return time.Time{}, err
	}
	return c.DueAt, nil
}

// Deck returns the deck with the given ID.
func (s *Service) Deck(deckID string) (domain.Deck, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.decks[deckID]
	if !ok {
		return domain.Deck{}, fmt.Errorf("%w: deck %s", domain.ErrNotFound, deckID)
	}
	d.Policy = d.Policy.Clone()
	return d, nil
}

// Decks returns every deck ordered by ID.
func (s *Service) Decks() []domain.Deck {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Deck, 0, len(s.decks))
	for _, d := range s.decks {
		d.Policy = d.Policy.Clone()
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b domain.Deck) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Snapshot copies the named decks, or all decks when deckIDs is empty,
// together with today's cap usage. Unknown deck IDs are logged and skipped.
// It implements queue.Source.
func (s *Service) Snapshot(_ context.Context, deckIDs []string, now time.Time) ([]queue.DeckSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	today := s.log.CountDay(reviewlog.DayStart(now, s.dayStart))

	if len(deckIDs) == 0 {
		for id := range s.decks {
			deckIDs = append(deckIDs, id)
		}
		slices.Sort(deckIDs)
	}

	out := make([]queue.DeckSnapshot, 0, len(deckIDs))
	for _, id := range deckIDs {
		d, ok := s.decks[id]
		if !ok {
			s.logger.Warn("skipping unknown deck", "deck_id", id)
			if s.recorder != nil {
				s.recorder.QueueAnomaly("missing_deck")
			}
			continue
		}
		d.Policy = d.Policy.Clone()
		out = append(out, queue.DeckSnapshot{Deck: d, Cards: s.deckCards(id), Today: today[id]})
	}
	return out, nil
}

// deckCards copies a deck's cards. The caller holds s.mu.
func (s *Service) deckCards(deckID string) []domain.Card {
	ids := s.byDeck[deckID]
	out := make([]domain.Card, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.cards[id].Clone())
	}
	return out
}

// Cards returns copies of the deck's cards in import order.
func (s *Service) Cards(deckID string) ([]domain.Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.decks[deckID]; !ok {
		return nil, fmt.Errorf("%w: deck %s", domain.ErrNotFound, deckID)
	}
	cards := s.deckCards(deckID)
	slices.SortFunc(cards, cardOrder)
	return cards, nil
}

// BuildQueue returns the IDs of the cards to review at now across deckIDs.
func (s *Service) BuildQueue(ctx context.Context, deckIDs []string, now time.Time) ([]string, error) {
	snaps, err := s.Snapshot(ctx, deckIDs, now)
	if err != nil {
		return nil, err
	}
	return s.builder.Build(ctx, snaps, now)
}

// Session starts a lazy queue over deckIDs that is rebuilt on every pull.
func (s *Service) Session(deckIDs []string, clock func() time.Time) *queue.Session {
	return queue.NewSession(s.builder, s, deckIDs, clock)
}

// Stats reports the deck's progress over window.
func (s *Service) Stats(deckID string, window stats.Window, now time.Time) (stats.RetentionReport, error) {
	s.mu.RLock()
	_, ok := s.decks[deckID]
	var cards []domain.Card
	var events []domain.ReviewEvent
	if ok {
		cards = s.deckCards(deckID)
		events = s.log.Filter(func(e domain.ReviewEvent) bool { return e.DeckID == deckID })
	}
	s.mu.RUnlock()
	if !ok {
		return stats.RetentionReport{}, fmt.Errorf("%w: deck %s", domain.ErrNotFound, deckID)
	}
	return stats.Report(deckID, cards, events, window, now), nil
}

// Forecast counts the deck's cards due on each of the next days days.
func (s *Service) Forecast(deckID string, start time.Time, days int) ([]stats.DayForecast, error) {
	s.mu.RLock()
	_, ok := s.decks[deckID]
	var cards []domain.Card
	if ok {
		cards = s.deckCards(deckID)
	}
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: deck %s", domain.ErrNotFound, deckID)
	}
	return stats.Forecast(cards, start, days), nil
}

// Preview returns what each grade would do to the card at now, without
// changing anything.
func (s *Service) Preview(cardID string, now time.Time) (map[domain.Grade]domain.Card, error) {
	s.mu.RLock()
	card, ok := s.cards[cardID]
	deck := s.decks[card.DeckID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: card %s", domain.ErrNotFound, cardID)
	}
	return s.params.Preview(card, deck.Policy, now)
}

// Reschedule sets the card's due date explicitly.
func (s *Service) Reschedule(ctx context.Context, cardID string, due time.Time) (domain.Card, error) {
	lock := s.cardLock(cardID)
	lock.Lock()
	defer lock.Unlock()

	card, err := s.Card(cardID)
	if err != nil {
		return domain.Card{}, err
	}
	next := srs.Reschedule(card, due)
	if s.persister != nil {
		if err := s.persister.SaveCard(ctx, next); err != nil {
			return domain.Card{}, fmt.Errorf("failed to save card %s: %w", cardID, err)
		}
	}

	s.mu.Lock()
	s.cards[cardID] = next
	s.mu.Unlock()

	s.logger.Info("card rescheduled", "card_id", cardID, "due", due)
	return next.Clone(), nil
}

// AddDeck creates the deck or replaces its name, description and policy.
func (s *Service) AddDeck(ctx context.Context, deck domain.Deck) error {
	if deck.ID == "" {
		return fmt.Errorf("%w: deck without ID", domain.ErrInvalidState)
	}
	if err := deck.Policy.Validate(); err != nil {
		return fmt.Errorf("deck %s: %w", deck.ID, err)
	}
	deck.Policy = deck.Policy.Clone()

	s.mu.RLock()
	if old, ok := s.decks[deck.ID]; ok && deck.CreatedAt.IsZero() {
		deck.CreatedAt = old.CreatedAt
	}
	s.mu.RUnlock()

	if s.persister != nil {
		if err := s.persister.SaveDeck(ctx, deck); err != nil {
			return fmt.Errorf("failed to save deck %s: %w", deck.ID, err)
		}
	}

	s.mu.Lock()
	s.decks[deck.ID] = deck
	s.mu.Unlock()
	return nil
}

// AddCards adds cards to their decks and returns the ones that were new.
// Cards whose ID is already present keep their scheduling state and are
// skipped. New cards are numbered after the last card of their deck, in the
// order given.
func (s *Service) AddCards(ctx context.Context, cards []domain.Card) ([]domain.Card, error) {
	s.mu.RLock()
	seqs := make(map[string]int64)
	seen := make(map[string]struct{})
	var added []domain.Card
	var err error
	for _, c := range cards {
		if _, ok := s.decks[c.DeckID]; !ok {
			err = fmt.Errorf("%w: deck %s of card %s", domain.ErrNotFound, c.DeckID, c.ID)
			break
		}
		if c.ID == "" || !c.State.IsValid() {
			err = fmt.Errorf("%w: card %q in %s", domain.ErrInvalidState, c.ID, c.State)
			break
		}
		if _, ok := s.cards[c.ID]; ok {
			continue
		}
		if _, ok := seen[c.ID]; ok {
			continue
		}
		seen[c.ID] = struct{}{}
		seq, ok := seqs[c.DeckID]
		if !ok {
			seq = s.nextSeq[c.DeckID]
		}
		c = c.Clone()
		c.Seq = seq
		seqs[c.DeckID] = seq + 1
		added = append(added, c)
	}
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	if len(added) == 0 {
		return nil, nil
	}

	if s.persister != nil {
		if err := s.persister.SaveCards(ctx, added); err != nil {
			return nil, fmt.Errorf("failed to save %d cards: %w", len(added), err)
		}
	}

	s.mu.Lock()
	for _, c := range added {
		s.publish(c)
	}
	s.mu.Unlock()
	return added, nil
}

// publish stores a card that is not yet known. The caller holds s.mu.
func (s *Service) publish(c domain.Card) {
	if _, ok := s.cards[c.ID]; !ok {
		s.byDeck[c.DeckID] = append(s.byDeck[c.DeckID], c.ID)
	}
	s.cards[c.ID] = c
	if c.Seq >= s.nextSeq[c.DeckID] {
		s.nextSeq[c.DeckID] = c.Seq + 1
	}
}

// Load replaces everything the service holds with snap. The snapshot must be
// complete: every card's deck and every event's card must be present, each
// card's events must be in time order, and a card with events must carry a
// LastReview no earlier than its latest one.
func (s *Service) Load(snap domain.Snapshot) error {
	decks := make(map[string]domain.Deck, len(snap.Decks))
	for _, d := range snap.Decks {
		if err := d.Policy.Validate(); err != nil {
			return fmt.Errorf("deck %s: %w", d.ID, err)
		}
		d.Policy = d.Policy.Clone()
		decks[d.ID] = d
	}

	cards := make(map[string]domain.Card, len(snap.Cards))
	for _, c := range snap.Cards {
		if _, ok := decks[c.DeckID]; !ok {
			return fmt.Errorf("%w: deck %s of card %s", domain.ErrNotFound, c.DeckID, c.ID)
		}
		if !c.State.IsValid() {
			return fmt.Errorf("%w: card %s in %s", domain.ErrInvalidState, c.ID, c.State)
		}
		cards[c.ID] = c.Clone()
	}

	log := reviewlog.New(nil)
	for _, e := range snap.Events {
		if _, ok := cards[e.CardID]; !ok {
			return fmt.Errorf("%w: card %s of event %s", domain.ErrNotFound, e.CardID, e.ID)
		}
		if err := log.Append(e); err != nil {
			return err
		}
	}
	for _, c := range cards {
		last, ok := log.Last(c.ID)
		if ok && (c.LastReview == nil || c.LastReview.Before(last.Timestamp)) {
			return fmt.Errorf("%w: card %s was last reviewed before its event at %s",
				domain.ErrInvalidState, c.ID, last.Timestamp.Format(time.RFC3339))
		}
	}

	ordered := make([]domain.Card, 0, len(cards))
	for _, c := range cards {
		ordered = append(ordered, c)
	}
	slices.SortFunc(ordered, cardOrder)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	s.decks = decks
	for _, c := range ordered {
		s.publish(c)
	}
	s.log = log

	s.logger.Info("state loaded", "decks", len(decks), "cards", len(cards), "events", log.Len())
	return nil
}

// Export returns a complete snapshot that Load accepts.
func (s *Service) Export() domain.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := domain.Snapshot{
		Decks:  make([]domain.Deck, 0, len(s.decks)),
		Cards:  make([]domain.Card, 0, len(s.cards)),
		Events: s.log.All(),
	}
	for _, d := range s.decks {
		d.Policy = d.Policy.Clone()
		snap.Decks = append(snap.Decks, d)
	}
	for _, c := range s.cards {
		snap.Cards = append(snap.Cards, c.Clone())
	}
	slices.SortFunc(snap.Decks, func(a, b domain.Deck) int { return cmp.Compare(a.ID, b.ID) })
	slices.SortFunc(snap.Cards, cardOrder)
	return snap
}

// History returns the card's review events in grading order.
func (s *Service) History(cardID string) ([]domain.ReviewEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.cards[cardID]; !ok {
		return nil, fmt.Errorf("%w: card %s", domain.ErrNotFound, cardID)
	}
	return s.log.ForCard(cardID), nil
}

func cardOrder(a, b domain.Card) int {
	if c := cmp.Compare(a.DeckID, b.DeckID); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Seq, b.Seq); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}
