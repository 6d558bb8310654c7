package sqlite

// Schema is the full memory store schema. The same layout is used for the
// single-file store and for every shard.
const Schema = `
CREATE TABLE IF NOT EXISTS memories (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL CHECK(type IN ('fact', 'belief', 'summary')),
    content TEXT NOT NULL,

    importance REAL NOT NULL DEFAULT 0.5,
    confidence REAL NOT NULL DEFAULT 0.5,
    score REAL NOT NULL DEFAULT 0.5,
    access_boost REAL NOT NULL DEFAULT 0.0,

    entities TEXT NOT NULL DEFAULT '[]',
    metadata TEXT NOT NULL DEFAULT '{}',
    source TEXT,

    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    last_accessed TEXT,

    access_count INTEGER NOT NULL DEFAULT 0,
    retrieval_count INTEGER NOT NULL DEFAULT 0,
    used_in_response_count INTEGER NOT NULL DEFAULT 0,
    user_mentioned_count INTEGER NOT NULL DEFAULT 0,

    state INTEGER NOT NULL DEFAULT 0 CHECK(state IN (0, 1, 2)),

    superseded INTEGER NOT NULL DEFAULT 0,
    superseded_by TEXT,
    supersedes TEXT NOT NULL DEFAULT '[]',
    conflicts_with TEXT NOT NULL DEFAULT '[]',
    override_tier INTEGER NOT NULL DEFAULT 0,
    conflict_downgraded INTEGER NOT NULL DEFAULT 0,

    ttl_days INTEGER,
    auto_delete_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_memories_state_score ON memories(state, score DESC);
CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(type);
CREATE INDEX IF NOT EXISTS idx_memories_importance ON memories(importance);
CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_memories_auto_delete ON memories(auto_delete_at) WHERE auto_delete_at IS NOT NULL;

CREATE TABLE IF NOT EXISTS memory_entities (
    memory_id TEXT NOT NULL,
    entity TEXT NOT NULL,
    PRIMARY KEY (memory_id, entity),
    FOREIGN KEY (memory_id) REFERENCES memories(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_entities_entity ON memory_entities(entity);

CREATE TABLE IF NOT EXISTS access_log (
    id TEXT PRIMARY KEY,
    memory_id TEXT NOT NULL,
    access_type TEXT NOT NULL,
    timestamp TEXT NOT NULL,
    FOREIGN KEY (memory_id) REFERENCES memories(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_access_log_timestamp ON access_log(timestamp DESC);

CREATE TABLE IF NOT EXISTS vectors (
    id TEXT PRIMARY KEY,
    content TEXT,
    vector BLOB NOT NULL,
    dimension INTEGER NOT NULL,
    metadata TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS embedding_cache (
    text_hash TEXT PRIMARY KEY,
    embedding BLOB NOT NULL,
    dimension INTEGER NOT NULL,
    model TEXT,
    created_at TEXT NOT NULL
);

CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts
USING fts5(id, content, entities, content='memories', content_rowid='rowid');

CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
    INSERT INTO memories_fts(rowid, id, content, entities)
    VALUES (new.rowid, new.id, new.content, new.entities);
END;

CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories BEGIN
    INSERT INTO memories_fts(memories_fts, rowid, id, content, entities)
    VALUES ('delete', old.rowid, old.id, old.content, old.entities);
END;

CREATE TRIGGER IF NOT EXISTS memories_au AFTER UPDATE OF content, entities ON memories BEGIN
    INSERT INTO memories_fts(memories_fts, rowid, id, content, entities)
    VALUES ('delete', old.rowid, old.id, old.content, old.entities);
    INSERT INTO memories_fts(rowid, id, content, entities)
    VALUES (new.rowid, new.id, new.content, new.entities);
END;
`
