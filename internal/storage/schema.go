package storage

// Timestamps are stored as Unix milliseconds so that range comparisons on
// next_review_date are plain integer comparisons.
const schema = `
-- The 'sources' table tracks directories and git repositories notes are imported from.
CREATE TABLE IF NOT EXISTS sources (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL,
    path TEXT NOT NULL,
    type TEXT NOT NULL DEFAULT 'local',
    last_scanned INTEGER,

    UNIQUE(user_id, path)
);

-- The 'notes' table stores the free text users submitted.
CREATE TABLE IF NOT EXISTS notes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL,
    content TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    source_id INTEGER,
    created_at INTEGER NOT NULL,

    FOREIGN KEY(source_id) REFERENCES sources(id) ON DELETE SET NULL
);

CREATE INDEX IF NOT EXISTS idx_notes_user_hash ON notes(user_id, content_hash);
CREATE INDEX IF NOT EXISTS idx_notes_source ON notes(source_id);

-- The 'questions' table holds each question with its SM-2 scheduling state.
CREATE TABLE IF NOT EXISTS questions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL,
    note_id INTEGER NOT NULL,
    question_text TEXT NOT NULL,
    answer_text TEXT NOT NULL,
    interval_days INTEGER NOT NULL CHECK (interval_days >= 0),
    ease_factor REAL NOT NULL CHECK (ease_factor >= 1.3),
    repetitions INTEGER NOT NULL CHECK (repetitions >= 0),
    next_review_date INTEGER NOT NULL,
    version INTEGER NOT NULL DEFAULT 0,

    FOREIGN KEY(note_id) REFERENCES notes(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_questions_user_due ON questions(user_id, next_review_date, id);
`
