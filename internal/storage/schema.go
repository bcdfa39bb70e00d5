package storage

// Times are stored as Unix nanoseconds in UTC. Policy and content are JSON.
const schema = `
CREATE TABLE IF NOT EXISTS decks (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    policy TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS cards (
    id TEXT PRIMARY KEY,
    deck_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    content TEXT NOT NULL,
    state INTEGER NOT NULL DEFAULT 0, -- 0: New, 1: Learning, 2: Review, 3: Lapsed
    step INTEGER NOT NULL DEFAULT 0,
    ease REAL NOT NULL,
    interval_days REAL NOT NULL DEFAULT 0,
    due_at INTEGER NOT NULL,
    last_review INTEGER,
    lapses INTEGER NOT NULL DEFAULT 0,
    reps INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,

    FOREIGN KEY(deck_id) REFERENCES decks(id)
);

CREATE INDEX IF NOT EXISTS cards_deck_seq ON cards(deck_id, seq);

-- Append-only. Rows are never updated.
CREATE TABLE IF NOT EXISTS review_events (
    id TEXT PRIMARY KEY,
    card_id TEXT NOT NULL,
    deck_id TEXT NOT NULL,
    ts INTEGER NOT NULL,
    grade INTEGER NOT NULL,
    prior_state INTEGER NOT NULL,
    resulting_state INTEGER NOT NULL,
    resulting_interval REAL NOT NULL,
    resulting_ease REAL NOT NULL,
    resulting_due INTEGER NOT NULL,

    FOREIGN KEY(card_id) REFERENCES cards(id)
);

CREATE INDEX IF NOT EXISTS review_events_card_ts ON review_events(card_id, ts);

-- The 'sources' table tracks where decks were imported from, either a local directory or a git repository.
CREATE TABLE IF NOT EXISTS sources (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    path TEXT NOT NULL UNIQUE,
    last_scanned INTEGER
);
`
