// Package sqlitecache persists the mailbox synchroniser's cache in a
// single SQLite file, for long-lived processes that want their cache
// to survive a restart without running a separate cache server.
// Grounded on the teacher's internal/storage/metadata.DB: embedded
// migrations applied via a schema_migrations table, WAL mode, the same
// busy-timeout/foreign-key pragmas.
package sqlitecache

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fenilsonani/imapkit/cache"
	"github.com/fenilsonani/imapkit/wire"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Cache is a SQLite-backed cache.Cache.
type Cache struct {
	db *sql.DB
}

// Open opens or creates a SQLite database at path and applies any
// pending migrations.
func Open(ctx context.Context, path string) (*Cache, error) {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlitecache: opening database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite serializes writers anyway; avoid lock contention across pooled conns.

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitecache: pinging database: %w", err)
	}

	c := &Cache{db: db}
	if err := c.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// Close closes the underlying database connection.
func (c *Cache) Close() error { return c.db.Close() }

type migration struct {
	version int
	sql     string
}

func (c *Cache) migrate(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("sqlitecache: creating schema_migrations: %w", err)
	}

	var current int
	if err := c.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("sqlitecache: reading schema version: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("sqlitecache: reading migrations: %w", err)
	}
	var migrations []migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		parts := strings.SplitN(e.Name(), "_", 2)
		if len(parts) < 2 {
			continue
		}
		v, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}
		content, err := fs.ReadFile(migrationsFS, "migrations/"+e.Name())
		if err != nil {
			return fmt.Errorf("sqlitecache: reading migration %s: %w", e.Name(), err)
		}
		migrations = append(migrations, migration{version: v, sql: string(content)})
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].version < migrations[j].version })

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := c.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("sqlitecache: beginning migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlitecache: applying migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlitecache: recording migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("sqlitecache: committing migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (c *Cache) GetSyncState(ctx context.Context, mailbox string) (cache.SyncState, bool, error) {
	var st cache.SyncState
	row := c.db.QueryRowContext(ctx,
		`SELECT uid_validity, uid_next, message_count, highest_modseq FROM sync_state WHERE mailbox = ?`, mailbox)
	err := row.Scan(&st.UIDValidity, &st.UIDNext, &st.Exists, &st.HighestModSeq)
	if err == sql.ErrNoRows {
		return cache.SyncState{}, false, nil
	}
	if err != nil {
		return cache.SyncState{}, false, fmt.Errorf("sqlitecache: reading sync state: %w", err)
	}
	return st, true, nil
}

func (c *Cache) SetSyncState(ctx context.Context, mailbox string, state cache.SyncState) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO sync_state (mailbox, uid_validity, uid_next, message_count, highest_modseq)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(mailbox) DO UPDATE SET
			uid_validity = excluded.uid_validity,
			uid_next = excluded.uid_next,
			message_count = excluded.message_count,
			highest_modseq = excluded.highest_modseq`,
		mailbox, state.UIDValidity, state.UIDNext, state.Exists, state.HighestModSeq)
	if err != nil {
		return fmt.Errorf("sqlitecache: writing sync state: %w", err)
	}
	return nil
}

func (c *Cache) GetUIDMap(ctx context.Context, mailbox string) ([]uint32, bool, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT seq, uid FROM uid_map WHERE mailbox = ? ORDER BY seq ASC`, mailbox)
	if err != nil {
		return nil, false, fmt.Errorf("sqlitecache: reading UID map: %w", err)
	}
	defer rows.Close()

	var out []uint32
	found := false
	for rows.Next() {
		found = true
		var seq, uid uint32
		if err := rows.Scan(&seq, &uid); err != nil {
			return nil, false, fmt.Errorf("sqlitecache: scanning UID map row: %w", err)
		}
		for uint32(len(out)) < seq {
			out = append(out, 0)
		}
		out[seq-1] = uid
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	return out, found, nil
}

func (c *Cache) SetUIDMap(ctx context.Context, mailbox string, uids []uint32) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitecache: beginning UID map write: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM uid_map WHERE mailbox = ?`, mailbox); err != nil {
		return fmt.Errorf("sqlitecache: clearing UID map: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO uid_map (mailbox, seq, uid) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlitecache: preparing UID map insert: %w", err)
	}
	defer stmt.Close()
	for i, uid := range uids {
		if _, err := stmt.ExecContext(ctx, mailbox, i+1, uid); err != nil {
			return fmt.Errorf("sqlitecache: writing UID map row: %w", err)
		}
	}
	return tx.Commit()
}

func (c *Cache) ClearUIDMap(ctx context.Context, mailbox string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM uid_map WHERE mailbox = ?`, mailbox)
	if err != nil {
		return fmt.Errorf("sqlitecache: clearing UID map: %w", err)
	}
	return nil
}

func (c *Cache) GetMessageMetadata(ctx context.Context, mailbox string, uid uint32) (cache.MessageMetadata, bool, error) {
	var envelopeBlob, bodyBlob []byte
	var internalDateUnix int64
	var size uint32
	row := c.db.QueryRowContext(ctx,
		`SELECT envelope, body_structure, internal_date, size FROM message_metadata WHERE mailbox = ? AND uid = ?`,
		mailbox, uid)
	err := row.Scan(&envelopeBlob, &bodyBlob, &internalDateUnix, &size)
	if err == sql.ErrNoRows {
		return cache.MessageMetadata{}, false, nil
	}
	if err != nil {
		return cache.MessageMetadata{}, false, fmt.Errorf("sqlitecache: reading message metadata: %w", err)
	}

	meta := cache.MessageMetadata{InternalDate: time.Unix(internalDateUnix, 0).UTC(), Size: size}
	if len(envelopeBlob) > 0 {
		var env wire.Envelope
		if err := json.Unmarshal(envelopeBlob, &env); err != nil {
			return cache.MessageMetadata{}, false, fmt.Errorf("sqlitecache: decoding envelope: %w", err)
		}
		meta.Envelope = &env
	}
	if len(bodyBlob) > 0 {
		var bs wire.BodyStructure
		if err := json.Unmarshal(bodyBlob, &bs); err != nil {
			return cache.MessageMetadata{}, false, fmt.Errorf("sqlitecache: decoding body structure: %w", err)
		}
		meta.BodyStructure = &bs
	}
	return meta, true, nil
}

func (c *Cache) SetMessageMetadata(ctx context.Context, mailbox string, uid uint32, meta cache.MessageMetadata) error {
	var envelopeBlob, bodyBlob []byte
	var err error
	if meta.Envelope != nil {
		envelopeBlob, err = json.Marshal(meta.Envelope)
		if err != nil {
			return fmt.Errorf("sqlitecache: encoding envelope: %w", err)
		}
	}
	if meta.BodyStructure != nil {
		bodyBlob, err = json.Marshal(meta.BodyStructure)
		if err != nil {
			return fmt.Errorf("sqlitecache: encoding body structure: %w", err)
		}
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO message_metadata (mailbox, uid, envelope, body_structure, internal_date, size)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(mailbox, uid) DO UPDATE SET
			envelope = excluded.envelope,
			body_structure = excluded.body_structure,
			internal_date = excluded.internal_date,
			size = excluded.size`,
		mailbox, uid, envelopeBlob, bodyBlob, meta.InternalDate.Unix(), meta.Size)
	if err != nil {
		return fmt.Errorf("sqlitecache: writing message metadata: %w", err)
	}
	return nil
}

func (c *Cache) GetFlags(ctx context.Context, mailbox string, uid uint32) ([]string, bool, error) {
	var joined string
	row := c.db.QueryRowContext(ctx, `SELECT flags FROM message_flags WHERE mailbox = ? AND uid = ?`, mailbox, uid)
	err := row.Scan(&joined)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlitecache: reading flags: %w", err)
	}
	if joined == "" {
		return []string{}, true, nil
	}
	return strings.Split(joined, "\x00"), true, nil
}

func (c *Cache) SetFlags(ctx context.Context, mailbox string, uid uint32, flags []string) error {
	joined := strings.Join(flags, "\x00")
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO message_flags (mailbox, uid, flags) VALUES (?, ?, ?)
		ON CONFLICT(mailbox, uid) DO UPDATE SET flags = excluded.flags`,
		mailbox, uid, joined)
	if err != nil {
		return fmt.Errorf("sqlitecache: writing flags: %w", err)
	}
	return nil
}

func (c *Cache) GetBodyPart(ctx context.Context, mailbox string, uid uint32, partID string) ([]byte, bool, error) {
	var data []byte
	row := c.db.QueryRowContext(ctx,
		`SELECT data FROM body_parts WHERE mailbox = ? AND uid = ? AND part_id = ?`, mailbox, uid, partID)
	err := row.Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlitecache: reading body part: %w", err)
	}
	return data, true, nil
}

func (c *Cache) SetBodyPart(ctx context.Context, mailbox string, uid uint32, partID string, data []byte) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO body_parts (mailbox, uid, part_id, data) VALUES (?, ?, ?, ?)
		ON CONFLICT(mailbox, uid, part_id) DO UPDATE SET data = excluded.data`,
		mailbox, uid, partID, data)
	if err != nil {
		return fmt.Errorf("sqlitecache: writing body part: %w", err)
	}
	return nil
}

func (c *Cache) GetThreading(ctx context.Context, mailbox string) ([]wire.ThreadNode, bool, error) {
	var blob []byte
	row := c.db.QueryRowContext(ctx, `SELECT tree FROM threading WHERE mailbox = ?`, mailbox)
	err := row.Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlitecache: reading threading: %w", err)
	}
	var tree []wire.ThreadNode
	if err := json.Unmarshal(blob, &tree); err != nil {
		return nil, false, fmt.Errorf("sqlitecache: decoding threading: %w", err)
	}
	return tree, true, nil
}

func (c *Cache) SetThreading(ctx context.Context, mailbox string, tree []wire.ThreadNode) error {
	blob, err := json.Marshal(tree)
	if err != nil {
		return fmt.Errorf("sqlitecache: encoding threading: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO threading (mailbox, tree) VALUES (?, ?)
		ON CONFLICT(mailbox) DO UPDATE SET tree = excluded.tree`, mailbox, blob)
	if err != nil {
		return fmt.Errorf("sqlitecache: writing threading: %w", err)
	}
	return nil
}

func (c *Cache) ClearAllMessages(ctx context.Context, mailbox string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitecache: beginning clear: %w", err)
	}
	defer tx.Rollback()
	for _, stmt := range []string{
		`DELETE FROM uid_map WHERE mailbox = ?`,
		`DELETE FROM message_metadata WHERE mailbox = ?`,
		`DELETE FROM message_flags WHERE mailbox = ?`,
		`DELETE FROM body_parts WHERE mailbox = ?`,
		`DELETE FROM threading WHERE mailbox = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, mailbox); err != nil {
			return fmt.Errorf("sqlitecache: clearing mailbox %s: %w", mailbox, err)
		}
	}
	return tx.Commit()
}

func (c *Cache) ClearMessage(ctx context.Context, mailbox string, uid uint32) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitecache: beginning message clear: %w", err)
	}
	defer tx.Rollback()
	for _, stmt := range []string{
		`DELETE FROM message_metadata WHERE mailbox = ? AND uid = ?`,
		`DELETE FROM message_flags WHERE mailbox = ? AND uid = ?`,
		`DELETE FROM body_parts WHERE mailbox = ? AND uid = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, mailbox, uid); err != nil {
			return fmt.Errorf("sqlitecache: clearing message %d: %w", uid, err)
		}
	}
	return tx.Commit()
}

var _ cache.Cache = (*Cache)(nil)
