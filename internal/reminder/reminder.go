// Package reminder periodically counts the cards coming due and hands a
// digest to a Notifier.
package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/conorfennell/knolsched/internal/domain"
	"github.com/go-co-op/gocron"
)

// DeckDue is the number of cards due in one deck.
type DeckDue struct {
	DeckID string
	Name   string
	Due    int
}

// Digest lists the decks with cards due by Until. Decks with nothing due are left out.
type Digest struct {
	At    time.Time
	Until time.Time
	Decks []DeckDue
}

// Total returns the number of due cards across all decks.
func (d Digest) Total() int {
	n := 0
	for _, dd := range d.Decks {
		n += dd.Due
	}
	return n
}

// Notifier delivers a digest.
type Notifier interface {
	Notify(ctx context.Context, d Digest) error
}

// Source exposes the decks and cards to check. review.Service implements it.
type Source interface {
	Decks() []domain.Deck
	Cards(deckID string) ([]domain.Card, error)
}

// Gauge receives per-deck due counts. metrics.Metrics implements it.
type Gauge interface {
	SetDue(deck string, count int)
}

// Runner schedules the digest.
type Runner struct {
	scheduler *gocron.Scheduler
	source    Source
	notifier  Notifier
	gauge     Gauge
	horizon   time.Duration
	logger    *slog.Logger
	clock     func() time.Time
}

// New returns a runner that counts cards due within horizon. gauge may be nil.
func New(source Source, notifier Notifier, gauge Gauge, horizon time.Duration, logger *slog.Logger) *Runner {
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	return &Runner{
		scheduler: s,
		source:    source,
		notifier:  notifier,
		gauge:     gauge,
		horizon:   horizon,
		logger:    logger,
		clock:     time.Now,
	}
}

// Start runs the digest on the cron schedule spec without blocking.
func (r *Runner) Start(spec string) error {
	if _, err := r.scheduler.Cron(spec).Do(r.run); err != nil {
		return fmt.Errorf("invalid reminder schedule %q: %w", spec, err)
	}
	r.scheduler.StartAsync()
	r.logger.Info("reminders scheduled", "cron", spec, "horizon", r.horizon)
	return nil
}

// Stop terminates the schedule.
func (r *Runner) Stop() {
	r.scheduler.Stop()
}

func (r *Runner) run() {
	ctx := context.Background()
	d := r.Check()
	if d.Total() == 0 {
		r.logger.Debug("no cards due, skipping reminder")
		return
	}
	if err := r.notifier.Notify(ctx, d); err != nil {
		r.logger.Error("failed to send reminder", "error", err)
	}
}

// Check builds the digest for now. New cards are not counted; they are
// introduced by the daily cap, not by a due date.
func (r *Runner) Check() Digest {
	now := r.clock()
	d := Digest{At: now, Until: now.Add(r.horizon)}
	for _, deck := range r.source.Decks() {
		cards, err := r.source.Cards(deck.ID)
		if err != nil {
			r.logger.Warn("failed to read deck", "deck_id", deck.ID, "error", err)
			continue
		}
		due := 0
		for _, c := range cards {
			if c.State != domain.New && c.IsDue(d.Until) {
				due++
			}
		}
		if r.gauge != nil {
			r.gauge.SetDue(deck.ID, due)
		}
		if due > 0 {
			d.Decks = append(d.Decks, DeckDue{DeckID: deck.ID, Name: deck.Name, Due: due})
		}
	}
	return d
}

// LogNotifier writes digests to a logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(_ context.Context, d Digest) error {
	for _, dd := range d.Decks {
		n.Logger.Info("cards due", "deck_id", dd.DeckID, "deck", dd.Name, "due", dd.Due, "until", d.Until)
	}
	n.Logger.Info("review reminder", "decks", len(d.Decks), "total_due", d.Total())
	return nil
}
