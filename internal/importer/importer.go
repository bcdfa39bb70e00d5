// Package importer turns deck sources into decks and cards.
//
// A source is a local directory or a git URL. Every directory inside it that
// holds card files (.md, .csv or .xlsx) is one deck; an optional deck.yaml in
// that directory names the deck and overrides its policy. Cards are identified
// by their content, so re-importing keeps scheduling state and only adds
// cards that are new. Cards that vanished from the files are reported as
// orphans and left in place.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/conorfennell/knolsched/internal/domain"
	"github.com/conorfennell/knolsched/internal/gitsource"
	"github.com/conorfennell/knolsched/internal/knol"
	"github.com/conorfennell/knolsched/internal/parser"
	"github.com/conorfennell/knolsched/internal/storage"
	"gopkg.in/yaml.v3"
)

// ManifestFile is the per-deck settings file.
const ManifestFile = "deck.yaml"

// Catalog is where imported decks and cards go. review.Service implements it.
type Catalog interface {
	Deck(deckID string) (domain.Deck, error)
	AddDeck(ctx context.Context, deck domain.Deck) error
	Cards(deckID string) ([]domain.Card, error)
	AddCards(ctx context.Context, cards []domain.Card) ([]domain.Card, error)
}

// SourceStore records which sources were imported and when. storage.DB implements it.
type SourceStore interface {
	FindSourceByPath(ctx context.Context, path string) (*storage.Source, error)
	InsertSource(ctx context.Context, path string) (int64, error)
	UpdateSourceLastScanned(ctx context.Context, sourceID int64, at time.Time) error
}

// Manifest is the content of deck.yaml.
type Manifest struct {
	Name        string        `yaml:"name"`
	Description string        `yaml:"description"`
	Tags        []string      `yaml:"tags"`
	Policy      domain.Policy `yaml:"policy"`
}

// Result summarizes one source import.
type Result struct {
	Source  string
	Decks   int
	Parsed  int
	Added   int
	Orphans int
	Errors  []error
}

type Importer struct {
	catalog  Catalog
	sources  SourceStore
	policy   domain.Policy
	reposDir string
	logger   *slog.Logger
	clock    func() time.Time
}

// New returns an importer. Decks without a policy in deck.yaml get policy.
// sources may be nil.
func New(catalog Catalog, sources SourceStore, policy domain.Policy, reposDir string, logger *slog.Logger) *Importer {
	return &Importer{
		catalog:  catalog,
		sources:  sources,
		policy:   policy,
		reposDir: reposDir,
		logger:   logger,
		clock:    time.Now,
	}
}

// SyncAll imports every source in turn. A failing source is logged and does
// not stop the others.
func (im *Importer) SyncAll(ctx context.Context, sources []string) []Result {
	im.logger.Info("starting import", "sources", len(sources))
	results := make([]Result, 0, len(sources))
	for _, src := range sources {
		res, err := im.Sync(ctx, src)
		if err != nil {
			im.logger.Error("import failed", "source", src, "error", err)
			res.Errors = append(res.Errors, err)
		}
		results = append(results, res)
	}
	im.logger.Info("import complete")
	return results
}

// Sync imports one source.
func (im *Importer) Sync(ctx context.Context, source string) (Result, error) {
	res := Result{Source: source}
	root := source
	if gitsource.IsURL(source) {
		local, err := gitsource.LocalPath(im.reposDir, source)
		if err != nil {
			return res, err
		}
		if err := gitsource.Sync(ctx, im.logger, source, local); err != nil {
			return res, err
		}
		root = local
	}

	info, err := os.Stat(root)
	if err != nil {
		return res, fmt.Errorf("failed to read source %s: %w", source, err)
	}
	if !info.IsDir() {
		return res, fmt.Errorf("source %s is not a directory", source)
	}

	dirs, parseErrs, err := collect(root)
	if err != nil {
		return res, fmt.Errorf("failed to walk %s: %w", root, err)
	}
	res.Errors = append(res.Errors, parseErrs...)

	now := im.clock()
	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := im.importDeck(ctx, source, root, dir, now, &res); err != nil {
			res.Errors = append(res.Errors, err)
			im.logger.Warn("deck import failed", "source", source, "dir", dir.rel, "error", err)
		}
	}

	im.touch(ctx, source, now)
	im.logger.Info("reconciliation complete",
		"source", source,
		"decks", res.Decks,
		"parsed_cards", res.Parsed,
		"added", res.Added,
		"orphans", res.Orphans,
		"errors", len(res.Errors),
	)
	return res, nil
}

type deckDir struct {
	rel   string // slash separated, "." for the source root
	cards []domain.Content
}

// collect parses every card file under root, grouped by directory in
// lexical order. Unreadable files are returned as errors and skipped.
func collect(root string) ([]deckDir, []error, error) {
	byDir := make(map[string][]domain.Content)
	var errs []error

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		parse := parserFor(d.Name())
		if parse == nil {
			return nil
		}
		cards, parseErr := parse(path)
		if parseErr != nil {
			errs = append(errs, parseErr)
			return nil
		}
		if len(cards) == 0 {
			return nil
		}
		rel, err := filepath.Rel(root, filepath.Dir(path))
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		byDir[rel] = append(byDir[rel], cards...)
		return nil
	})
	if walkErr != nil {
		return nil, errs, walkErr
	}

	dirs := make([]deckDir, 0, len(byDir))
	for rel, cards := range byDir {
		dirs = append(dirs, deckDir{rel: rel, cards: cards})
	}
	slices.SortFunc(dirs, func(a, b deckDir) int { return strings.Compare(a.rel, b.rel) })
	return dirs, errs, nil
}

func parserFor(name string) func(string) ([]domain.Content, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".md", ".markdown":
		return parser.ParseFile
	case ".csv":
		return parser.ParseCSVFile
	case ".xlsx":
		return parser.ParseXLSX
	}
	return nil
}

func (im *Importer) importDeck(ctx context.Context, source, root string, dir deckDir, now time.Time, res *Result) error {
	deckID := knol.DeckID(source, dir.rel)
	manifest, err := im.readManifest(filepath.Join(root, filepath.FromSlash(dir.rel), ManifestFile))
	if err != nil {
		return err
	}
	if manifest.Name == "" {
		manifest.Name = deckName(source, dir.rel)
	}

	deck := domain.Deck{ID: deckID, Name: manifest.Name, Description: manifest.Description, Policy: manifest.Policy}
	existing, err := im.catalog.Deck(deckID)
	switch {
	case err == nil:
		deck.CreatedAt = existing.CreatedAt
	case errors.Is(err, domain.ErrNotFound):
		deck.CreatedAt = now
	default:
		return err
	}
	if err := im.catalog.AddDeck(ctx, deck); err != nil {
		return err
	}
	res.Decks++

	found := make(map[string]struct{}, len(dir.cards))
	cards := make([]domain.Card, 0, len(dir.cards))
	for _, content := range dir.cards {
		content = content.Clone()
		for _, tag := range manifest.Tags {
			if !content.HasTag(tag) {
				content.Tags = append(content.Tags, tag)
			}
		}
		id := knol.CardID(deckID, content)
		found[id] = struct{}{}
		cards = append(cards, domain.NewCard(id, deckID, 0, content, deck.Policy.InitialEase, now))
	}
	res.Parsed += len(cards)

	added, err := im.catalog.AddCards(ctx, cards)
	if err != nil {
		return err
	}
	res.Added += len(added)
	for _, c := range added {
		im.logger.Debug("new card", "deck_id", deckID, "card_id", c.ID, "seq", c.Seq)
	}

	current, err := im.catalog.Cards(deckID)
	if err != nil {
		return err
	}
	for _, c := range current {
		if _, ok := found[c.ID]; !ok {
			res.Orphans++
			im.logger.Info("orphaned card", "deck_id", deckID, "card_id", c.ID, "question", c.Content.Question)
		}
	}
	return nil
}

// readManifest reads deck.yaml, overlaying it on the default policy. A
// missing file gives the defaults.
func (im *Importer) readManifest(path string) (Manifest, error) {
	m := Manifest{Policy: im.policy.Clone()}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return m, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := m.Policy.Validate(); err != nil {
		return m, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

func deckName(source, rel string) string {
	if rel == "." {
		return filepath.Base(strings.TrimSuffix(strings.TrimRight(source, "/"), ".git"))
	}
	return strings.ReplaceAll(rel, "/", " / ")
}

func (im *Importer) touch(ctx context.Context, source string, now time.Time) {
	if im.sources == nil {
		return
	}
	s, err := im.sources.FindSourceByPath(ctx, source)
	if err != nil {
		im.logger.Warn("failed to look up source", "source", source, "error", err)
		return
	}
	var id int64
	if s == nil {
		if id, err = im.sources.InsertSource(ctx, source); err != nil {
			im.logger.Warn("failed to record source", "source", source, "error", err)
			return
		}
	} else {
		id = s.ID
	}
	if err := im.sources.UpdateSourceLastScanned(ctx, id, now); err != nil {
		im.logger.Warn("failed to update last scanned for source", "source_id", id, "error", err)
	}
}
