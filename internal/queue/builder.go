// Package queue orders the cards due for review across one or more decks.
package queue

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/conorfennell/knolsched/internal/domain"
	"github.com/conorfennell/knolsched/internal/reviewlog"
	"golang.org/x/sync/errgroup"
)

// Options tune queue building.
type Options struct {
	LearnAhead   time.Duration `koanf:"learn_ahead" validate:"gte=0"`
	DayStartHour int           `koanf:"day_start_hour" validate:"gte=0,lte=23"`
	Workers      int           `koanf:"workers" validate:"gte=1"`
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		LearnAhead:   20 * time.Minute,
		DayStartHour: 4,
		Workers:      4,
	}
}

// DeckSnapshot is a consistent copy of one deck, its cards and the gradings
// already counted against today's caps.
type DeckSnapshot struct {
	Deck  domain.Deck
	Cards []domain.Card
	Today reviewlog.DayCounts
}

// Recorder receives queue measurements. metrics.Metrics implements it.
type Recorder interface {
	QueueBuilt(cards int, elapsed time.Duration)
	QueueAnomaly(reason string)
}

// Builder produces review queues. It never modifies the cards it reads.
type Builder struct {
	opts     Options
	logger   *slog.Logger
	recorder Recorder
}

// NewBuilder returns a Builder. recorder may be nil.
func NewBuilder(opts Options, logger *slog.Logger, recorder Recorder) *Builder {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Builder{opts: opts, logger: logger, recorder: recorder}
}

// Options returns the builder's options.
func (b *Builder) Options() Options {
	return b.opts
}

// Build returns the IDs of the cards to review at now, in order.
//
// Within a deck, learning cards come first, then due reviews (oldest due
// first), then new cards in import order, with daily caps applied. Decks are
// then interleaved round-robin in the order given. The result depends only on
// the inputs. Decks with an invalid policy are logged and skipped.
func (b *Builder) Build(ctx context.Context, decks []DeckSnapshot, now time.Time) ([]string, error) {
	start := time.Now()
	perDeck := make([][]string, len(decks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.opts.Workers)
	for i, d := range decks {
		g.Go(func() error {
			ids, err := b.deckQueue(gctx, d, now)
			if err != nil {
				return err
			}
			perDeck[i] = ids
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := interleave(perDeck)
	if b.recorder != nil {
		b.recorder.QueueBuilt(len(out), time.Since(start))
	}
	return out, nil
}

func (b *Builder) deckQueue(ctx context.Context, d DeckSnapshot, now time.Time) ([]string, error) {
	policy := d.Deck.Policy
	if err := policy.Validate(); err != nil {
		b.anomaly("invalid_policy", "skipping deck with invalid policy", "deck_id", d.Deck.ID, "error", err)
		return nil, nil
	}

	horizon := now.Add(b.opts.LearnAhead)
	var learning, review, fresh []domain.Card
	for i, c := range d.Cards {
		if i%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if c.DeckID != d.Deck.ID {
			b.anomaly("deck_mismatch", "skipping card from another deck", "card_id", c.ID, "deck_id", d.Deck.ID, "card_deck_id", c.DeckID)
			continue
		}
		switch c.State {
		case domain.Learning:
			if !c.DueAt.After(horizon) {
				learning = append(learning, c)
			}
		case domain.Review, domain.Lapsed:
			if c.IsDue(now) {
				review = append(review, c)
			}
		case domain.New:
			fresh = append(fresh, c)
		default:
			b.anomaly("invalid_state", "skipping card in unknown state", "card_id", c.ID, "state", int(c.State))
		}
	}

	slices.SortFunc(learning, byDue)
	slices.SortFunc(review, byDue)
	slices.SortFunc(fresh, bySeq)

	review = capCards(review, policy.MaxReviewsPerDay-d.Today.Reviews)
	fresh = capCards(fresh, policy.NewCardsPerDay-d.Today.NewIntroduced)

	ids := make([]string, 0, len(learning)+len(review)+len(fresh))
	for _, tier := range [][]domain.Card{learning, review, fresh} {
		for _, c := range tier {
			ids = append(ids, c.ID)
		}
	}
	return ids, nil
}

func (b *Builder) anomaly(reason, msg string, args ...any) {
	if b.logger != nil {
		b.logger.Warn(msg, args...)
	}
	if b.recorder != nil {
		b.recorder.QueueAnomaly(reason)
	}
}

func byDue(a, b domain.Card) int {
	if c := a.DueAt.Compare(b.DueAt); c != 0 {
		return c
	}
	return bySeq(a, b)
}

func bySeq(a, b domain.Card) int {
	if c := cmp.Compare(a.Seq, b.Seq); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

func capCards(cards []domain.Card, remaining int) []domain.Card {
	if remaining <= 0 {
		return nil
	}
	if len(cards) > remaining {
		return cards[:remaining]
	}
	return cards
}

// interleave takes one ID from each deck in turn until all are exhausted.
func interleave(perDeck [][]string) []string {
	total := 0
	for _, ids := range perDeck {
		total += len(ids)
	}
	out := make([]string, 0, total)
	for round := 0; len(out) < total; round++ {
		for _, ids := range perDeck {
			if round < len(ids) {
				out = append(out, ids[round])
			}
		}
	}
	return out
}
