package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/conorfennell/knolsched/internal/domain"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // Registers the sqlite driver
)

// DB represents a wrapper around the SQL database connection.
// It implements review.Persister.
type DB struct {
	conn *sqlx.DB
}

// Open creates a new database connection and ensures the schema is up to date.
func Open(dsn string) (*DB, error) {
	conn, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows a single writer; one connection also keeps pragmas in effect.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	// Execute the schema to create tables if they don't exist.
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("failed to roll back: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type deckRow struct {
	ID          string `db:"id"`
	Name        string `db:"name"`
	Description string `db:"description"`
	Policy      string `db:"policy"`
	CreatedAt   int64  `db:"created_at"`
}

type cardRow struct {
	ID         string        `db:"id"`
	DeckID     string        `db:"deck_id"`
	Seq        int64         `db:"seq"`
	Content    string        `db:"content"`
	State      int           `db:"state"`
	Step       int           `db:"step"`
	Ease       float64       `db:"ease"`
	Interval   float64       `db:"interval_days"`
	DueAt      int64         `db:"due_at"`
	LastReview sql.NullInt64 `db:"last_review"`
	Lapses     int           `db:"lapses"`
	Reps       int           `db:"reps"`
	CreatedAt  int64         `db:"created_at"`
}

type eventRow struct {
	ID                string  `db:"id"`
	CardID            string  `db:"card_id"`
	DeckID            string  `db:"deck_id"`
	Timestamp         int64   `db:"ts"`
	Grade             int     `db:"grade"`
	PriorState        int     `db:"prior_state"`
	ResultingState    int     `db:"resulting_state"`
	ResultingInterval float64 `db:"resulting_interval"`
	ResultingEase     float64 `db:"resulting_ease"`
	ResultingDue      int64   `db:"resulting_due"`
}

func nanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func toDeckRow(d domain.Deck) (deckRow, error) {
	policy, err := json.Marshal(d.Policy)
	if err != nil {
		return deckRow{}, fmt.Errorf("failed to encode policy of deck %s: %w", d.ID, err)
	}
	return deckRow{ID: d.ID, Name: d.Name, Description: d.Description, Policy: string(policy), CreatedAt: nanos(d.CreatedAt)}, nil
}

func (r deckRow) deck() (domain.Deck, error) {
	d := domain.Deck{ID: r.ID, Name: r.Name, Description: r.Description, CreatedAt: fromNanos(r.CreatedAt)}
	if err := json.Unmarshal([]byte(r.Policy), &d.Policy); err != nil {
		return domain.Deck{}, fmt.Errorf("failed to decode policy of deck %s: %w", r.ID, err)
	}
	return d, nil
}

func toCardRow(c domain.Card) (cardRow, error) {
	content, err := json.Marshal(c.Content)
	if err != nil {
		return cardRow{}, fmt.Errorf("failed to encode content of card %s: %w", c.ID, err)
	}
	r := cardRow{
		ID:        c.ID,
		DeckID:    c.DeckID,
		Seq:       c.Seq,
		Content:   string(content),
		State:     int(c.State),
		Step:      c.Step,
		Ease:      c.Ease,
		Interval:  c.Interval,
		DueAt:     nanos(c.DueAt),
		Lapses:    c.Lapses,
		Reps:      c.Reps,
		CreatedAt: nanos(c.CreatedAt),
	}
	if c.LastReview != nil {
		r.LastReview = sql.NullInt64{Int64: nanos(*c.LastReview), Valid: true}
	}
	return r, nil
}

func (r cardRow) card() (domain.Card, error) {
	c := domain.Card{
		ID:        r.ID,
		DeckID:    r.DeckID,
		Seq:       r.Seq,
		State:     domain.State(r.State),
		Step:      r.Step,
		Ease:      r.Ease,
		Interval:  r.Interval,
		DueAt:     fromNanos(r.DueAt),
		Lapses:    r.Lapses,
		Reps:      r.Reps,
		CreatedAt: fromNanos(r.CreatedAt),
	}
	if err := json.Unmarshal([]byte(r.Content), &c.Content); err != nil {
		return domain.Card{}, fmt.Errorf("failed to decode content of card %s: %w", r.ID, err)
	}
	if r.LastReview.Valid {
		t := fromNanos(r.LastReview.Int64)
		c.LastReview = &t
	}
	return c, nil
}

func toEventRow(e domain.ReviewEvent) eventRow {
	return eventRow{
		ID:                e.ID,
		CardID:            e.CardID,
		DeckID:            e.DeckID,
		Timestamp:         nanos(e.Timestamp),
		Grade:             int(e.Grade),
		PriorState:        int(e.PriorState),
		ResultingState:    int(e.ResultingState),
		ResultingInterval: e.ResultingInterval,
		ResultingEase:     e.ResultingEase,
		ResultingDue:      nanos(e.ResultingDue),
	}
}

func (r eventRow) event() domain.ReviewEvent {
	return domain.ReviewEvent{
		ID:                r.ID,
		CardID:            r.CardID,
		DeckID:            r.DeckID,
		Timestamp:         fromNanos(r.Timestamp),
		Grade:             domain.Grade(r.Grade),
		PriorState:        domain.State(r.PriorState),
		ResultingState:    domain.State(r.ResultingState),
		ResultingInterval: r.ResultingInterval,
		ResultingEase:     r.ResultingEase,
		ResultingDue:      fromNanos(r.ResultingDue),
	}
}

const upsertDeck = `
	INSERT INTO decks (id, name, description, policy, created_at)
	VALUES (:id, :name, :description, :policy, :created_at)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		description = excluded.description,
		policy = excluded.policy`

const upsertCard = `
	INSERT INTO cards (id, deck_id, seq, content, state, step, ease, interval_days, due_at, last_review, lapses, reps, created_at)
	VALUES (:id, :deck_id, :seq, :content, :state, :step, :ease, :interval_days, :due_at, :last_review, :lapses, :reps, :created_at)
	ON CONFLICT(id) DO UPDATE SET
		deck_id = excluded.deck_id,
		seq = excluded.seq,
		content = excluded.content,
		state = excluded.state,
		step = excluded.step,
		ease = excluded.ease,
		interval_days = excluded.interval_days,
		due_at = excluded.due_at,
		last_review = excluded.last_review,
		lapses = excluded.lapses,
		reps = excluded.reps`

const insertEvent = `
	INSERT INTO review_events (id, card_id, deck_id, ts, grade, prior_state, resulting_state, resulting_interval, resulting_ease, resulting_due)
	VALUES (:id, :card_id, :deck_id, :ts, :grade, :prior_state, :resulting_state, :resulting_interval, :resulting_ease, :resulting_due)`

// SaveDeck inserts the deck or updates its name, description and policy.
func (db *DB) SaveDeck(ctx context.Context, deck domain.Deck) error {
	row, err := toDeckRow(deck)
	if err != nil {
		return err
	}
	if _, err := db.conn.NamedExecContext(ctx, upsertDeck, row); err != nil {
		return fmt.Errorf("failed to save deck %s: %w", deck.ID, err)
	}
	return nil
}

// SaveCards inserts or updates cards in one transaction.
func (db *DB) SaveCards(ctx context.Context, cards []domain.Card) error {
	return db.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, c := range cards {
			if err := saveCard(ctx, tx, c); err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveCard inserts or updates a single card.
func (db *DB) SaveCard(ctx context.Context, card domain.Card) error {
	return db.SaveCards(ctx, []domain.Card{card})
}

// SaveGrade writes the graded card and its review event atomically.
func (db *DB) SaveGrade(ctx context.Context, card domain.Card, event domain.ReviewEvent) error {
	return db.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := saveCard(ctx, tx, card); err != nil {
			return err
		}
		if _, err := tx.NamedExecContext(ctx, insertEvent, toEventRow(event)); err != nil {
			return fmt.Errorf("failed to insert review event %s: %w", event.ID, err)
		}
		return nil
	})
}

func saveCard(ctx context.Context, tx *sqlx.Tx, c domain.Card) error {
	row, err := toCardRow(c)
	if err != nil {
		return err
	}
	if _, err := tx.NamedExecContext(ctx, upsertCard, row); err != nil {
		return fmt.Errorf("failed to save card %s: %w", c.ID, err)
	}
	return nil
}

// LoadSnapshot reads every deck, card and review event. Events come back in
// the order they were graded.
func (db *DB) LoadSnapshot(ctx context.Context) (domain.Snapshot, error) {
	var snap domain.Snapshot

	var decks []deckRow
	if err := db.conn.SelectContext(ctx, &decks, `SELECT id, name, description, policy, created_at FROM decks ORDER BY id`); err != nil {
		return snap, fmt.Errorf("failed to load decks: %w", err)
	}
	for _, r := range decks {
		d, err := r.deck()
		if err != nil {
			return snap, err
		}
		snap.Decks = append(snap.Decks, d)
	}

	var cards []cardRow
	if err := db.conn.SelectContext(ctx, &cards, `
		SELECT id, deck_id, seq, content, state, step, ease, interval_days, due_at, last_review, lapses, reps, created_at
		FROM cards ORDER BY deck_id, seq, id
	`); err != nil {
		return snap, fmt.Errorf("failed to load cards: %w", err)
	}
	for _, r := range cards {
		c, err := r.card()
		if err != nil {
			return snap, err
		}
		snap.Cards = append(snap.Cards, c)
	}

	var events []eventRow
	if err := db.conn.SelectContext(ctx, &events, `
		SELECT id, card_id, deck_id, ts, grade, prior_state, resulting_state, resulting_interval, resulting_ease, resulting_due
		FROM review_events ORDER BY ts, rowid
	`); err != nil {
		return snap, fmt.Errorf("failed to load review events: %w", err)
	}
	for _, r := range events {
		snap.Events = append(snap.Events, r.event())
	}
	return snap, nil
}

// ReplaceSnapshot overwrites the whole database with snap in one transaction.
func (db *DB) ReplaceSnapshot(ctx context.Context, snap domain.Snapshot) error {
	return db.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, table := range []string{"review_events", "cards", "decks"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}
		for _, d := range snap.Decks {
			row, err := toDeckRow(d)
			if err != nil {
				return err
			}
			if _, err := tx.NamedExecContext(ctx, upsertDeck, row); err != nil {
				return fmt.Errorf("failed to save deck %s: %w", d.ID, err)
			}
		}
		for _, c := range snap.Cards {
			if err := saveCard(ctx, tx, c); err != nil {
				return err
			}
		}
		for _, e := range snap.Events {
			if _, err := tx.NamedExecContext(ctx, insertEvent, toEventRow(e)); err != nil {
				return fmt.Errorf("failed to insert review event %s: %w", e.ID, err)
			}
		}
		return nil
	})
}

// Source represents a deck source, either a local path or a Git URL.
type Source struct {
	ID          int64         `db:"id"`
	Path        string        `db:"path"`
	LastScanned sql.NullInt64 `db:"last_scanned"`
}

// Scanned returns when the source was last imported, or the zero time.
func (s Source) Scanned() time.Time {
	if !s.LastScanned.Valid {
		return time.Time{}
	}
	return fromNanos(s.LastScanned.Int64)
}

// InsertSource inserts a new source path into the database and returns its ID.
func (db *DB) InsertSource(ctx context.Context, path string) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `INSERT INTO sources (path) VALUES (?)`, path)
	if err != nil {
		return 0, fmt.Errorf("failed to insert source %s: %w", path, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for source %s: %w", path, err)
	}
	return id, nil
}

// FindSourceByPath retrieves a source by its path. It returns nil, nil when
// the source is unknown.
func (db *DB) FindSourceByPath(ctx context.Context, path string) (*Source, error) {
	var s Source
	err := db.conn.GetContext(ctx, &s, `SELECT id, path, last_scanned FROM sources WHERE path = ?`, path)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find source by path %s: %w", path, err)
	}
	return &s, nil
}

// GetAllSources retrieves all stored sources.
func (db *DB) GetAllSources(ctx context.Context) ([]Source, error) {
	var sources []Source
	if err := db.conn.SelectContext(ctx, &sources, `SELECT id, path, last_scanned FROM sources ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to get all sources: %w", err)
	}
	return sources, nil
}

// UpdateSourceLastScanned records when a source was last imported.
func (db *DB) UpdateSourceLastScanned(ctx context.Context, sourceID int64, at time.Time) error {
	_, err := db.conn.ExecContext(ctx, `UPDATE sources SET last_scanned = ? WHERE id = ?`, nanos(at), sourceID)
	if err != nil {
		return fmt.Errorf("failed to update last scanned for source ID %d: %w", sourceID, err)
	}
	return nil
}
