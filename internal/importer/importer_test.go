package importer

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/conorfennell/knolsched/internal/domain"
	"github.com/conorfennell/knolsched/internal/knol"
	"github.com/conorfennell/knolsched/internal/review"
	"github.com/conorfennell/knolsched/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)

func write(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func newImporter(t *testing.T, sources SourceStore) (*Importer, *review.Service) {
	t.Helper()
	svc := review.New(review.Config{})
	im := New(svc, sources, domain.DefaultPolicy(), t.TempDir(), slog.New(slog.DiscardHandler))
	im.clock = func() time.Time { return t0 }
	return im, svc
}

func TestSyncBuildsDecksPerDirectory(t *testing.T) {
	root := t.TempDir()
	write(t, filepath.Join(root, "go", "basics.md"), "Q: chan?\nA: conduit\n---\nQ: defer?\nA: at exit\nT: keywords\n")
	write(t, filepath.Join(root, "go", "deck.yaml"), `
name: Go idioms
description: things worth remembering
tags: [go]
policy:
  new_cards_per_day: 5
  learning_steps: [5m]
`)
	write(t, filepath.Join(root, "spanish", "words.csv"), "question,answer\nhola,hello\nadiós,goodbye\n")
	write(t, filepath.Join(root, "notes.txt"), "Q: ignored\nA: not a deck file\n")
	write(t, filepath.Join(root, ".git", "cards.md"), "Q: hidden\nA: skipped\n")

	im, svc := newImporter(t, nil)
	res, err := im.Sync(context.Background(), root)
	require.NoError(t, err)
	assert.Empty(t, res.Errors)
	assert.Equal(t, 2, res.Decks)
	assert.Equal(t, 4, res.Parsed)
	assert.Equal(t, 4, res.Added)
	assert.Zero(t, res.Orphans)

	goDeck, err := svc.Deck(knol.DeckID(root, "go"))
	require.NoError(t, err)
	assert.Equal(t, "Go idioms", goDeck.Name)
	assert.Equal(t, "things worth remembering", goDeck.Description)
	assert.Equal(t, 5, goDeck.Policy.NewCardsPerDay)
	assert.Equal(t, []time.Duration{5 * time.Minute}, goDeck.Policy.LearningSteps)
	assert.Equal(t, domain.DefaultPolicy().MaxReviewsPerDay, goDeck.Policy.MaxReviewsPerDay)
	assert.Equal(t, t0, goDeck.CreatedAt)

	cards, err := svc.Cards(goDeck.ID)
	require.NoError(t, err)
	require.Len(t, cards, 2)
	assert.Equal(t, "chan?", cards[0].Content.Question)
	assert.EqualValues(t, 0, cards[0].Seq)
	assert.EqualValues(t, 1, cards[1].Seq)
	assert.True(t, cards[0].Content.HasTag("go"))
	assert.Equal(t, []string{"keywords", "go"}, cards[1].Content.Tags)
	assert.Equal(t, domain.New, cards[0].State)

	spanish, err := svc.Deck(knol.DeckID(root, "spanish"))
	require.NoError(t, err)
	assert.Equal(t, "spanish", spanish.Name)
}

func TestResyncKeepsStateAndReportsOrphans(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "cards.md")
	write(t, file, "Q: one\nA: 1\n---\nQ: two\nA: 2\n")

	im, svc := newImporter(t, nil)
	ctx := context.Background()
	_, err := im.Sync(ctx, root)
	require.NoError(t, err)

	deckID := knol.DeckID(root, ".")
	cards, err := svc.Cards(deckID)
	require.NoError(t, err)
	require.Len(t, cards, 2)
	graded, err := svc.GradeCard(ctx, cards[0].ID, domain.Good, t0)
	require.NoError(t, err)

	write(t, file, "Q: one\nA: 1\n---\nQ: three\nA: 3\n")
	res, err := im.Sync(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)
	assert.Equal(t, 1, res.Orphans)

	again, err := svc.Card(graded.ID)
	require.NoError(t, err)
	assert.Equal(t, graded, again, "re-import must not reset scheduling state")

	cards, err = svc.Cards(deckID)
	require.NoError(t, err)
	require.Len(t, cards, 3, "orphans stay in place")
	assert.Equal(t, "three", cards[2].Content.Question)
	assert.EqualValues(t, 2, cards[2].Seq)
}

func TestBadManifestSkipsDeck(t *testing.T) {
	root := t.TempDir()
	write(t, filepath.Join(root, "bad", "cards.md"), "Q: q\nA: a\n")
	write(t, filepath.Join(root, "bad", "deck.yaml"), "policy:\n  new_cards_per_day: -3\n")
	write(t, filepath.Join(root, "good", "cards.md"), "Q: q\nA: a\n")

	im, svc := newImporter(t, nil)
	res, err := im.Sync(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.ErrorIs(t, res.Errors[0], domain.ErrPolicyViolation)
	assert.Equal(t, 1, res.Decks)
	assert.Len(t, svc.Decks(), 1)
}

func TestSyncRecordsSource(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "k.db"))
	require.NoError(t, err)
	defer db.Close()

	root := t.TempDir()
	write(t, filepath.Join(root, "cards.md"), "Q: q\nA: a\n")
	im, _ := newImporter(t, db)
	ctx := context.Background()

	_, err = im.Sync(ctx, root)
	require.NoError(t, err)
	_, err = im.Sync(ctx, root)
	require.NoError(t, err)

	sources, err := db.GetAllSources(ctx)
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, root, sources[0].Path)
	assert.Equal(t, t0, sources[0].Scanned())
}

func TestSyncAllContinuesPastFailures(t *testing.T) {
	root := t.TempDir()
	write(t, filepath.Join(root, "cards.md"), "Q: q\nA: a\n")
	im, _ := newImporter(t, nil)

	results := im.SyncAll(context.Background(), []string{filepath.Join(root, "missing"), root})
	require.Len(t, results, 2)
	assert.NotEmpty(t, results[0].Errors)
	assert.Empty(t, results[1].Errors)
	assert.Equal(t, 1, results[1].Added)
}
