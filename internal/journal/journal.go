// Package journal records observed hub state changes in SQLite so
// recent history for an entity survives restarts and can be inspected
// without asking the hub. It is an append-only log trimmed by age.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/halink/internal/events"
	"github.com/nugget/halink/internal/homeassistant"
)

// DefaultRecentLimit is used when Recent is called with a non-positive limit.
const DefaultRecentLimit = 50

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Entry is one recorded state change.
type Entry struct {
	ID         int64
	EntityID   string
	OldState   string
	NewState   string
	Removed    bool
	Attributes map[string]any
	EventID    string
	FiredAt    time.Time
}

// Journal is a state change log backed by SQLite. All public methods
// are safe for concurrent use (SQLite serializes writes).
type Journal struct {
	db     *sql.DB
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time
}

// Open creates or opens the journal at dbPath. The schema is created
// automatically. bus may be nil.
func Open(dbPath string, bus *events.Bus, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	j := &Journal{db: db, bus: bus, logger: logger, now: time.Now}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return j, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS state_changes (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_id   TEXT NOT NULL,
		old_state   TEXT,
		new_state   TEXT,
		attributes  TEXT,
		event_id    TEXT NOT NULL DEFAULT '',
		fired_at    TEXT NOT NULL,
		recorded_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_state_changes_entity
		ON state_changes (entity_id, id);
	CREATE INDEX IF NOT EXISTS idx_state_changes_fired
		ON state_changes (fired_at);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Record appends one state change. A change with no new state is
// stored as a removal.
func (j *Journal) Record(ctx context.Context, ev homeassistant.StateChangedEvent) error {
	if ev.EntityID == "" {
		return fmt.Errorf("record: empty entity id")
	}

	var oldState, newState, attrs sql.NullString
	if ev.OldState != nil {
		oldState = sql.NullString{String: ev.OldState.State.String(), Valid: true}
	}
	if ev.NewState != nil {
		newState = sql.NullString{String: ev.NewState.State.String(), Valid: true}
		if len(ev.NewState.Attributes) > 0 {
			b, err := json.Marshal(ev.NewState.Attributes)
			if err != nil {
				return fmt.Errorf("record %s: encode attributes: %w", ev.EntityID, err)
			}
			attrs = sql.NullString{String: string(b), Valid: true}
		}
	}

	now := j.now().UTC()
	fired := ev.TimeFired
	if fired.IsZero() {
		fired = now
	}

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO state_changes
		 (entity_id, old_state, new_state, attributes, event_id, fired_at, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.EntityID, oldState, newState, attrs, ev.EventID,
		fired.UTC().Format(timeLayout), now.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("record %s: %w", ev.EntityID, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first. An empty entityID
// returns entries for every entity.
func (j *Journal) Recent(ctx context.Context, entityID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}

	query := `SELECT id, entity_id, old_state, new_state, attributes, event_id, fired_at
		FROM state_changes`
	args := []any{}
	if entityID != "" {
		query += ` WHERE entity_id = ?`
		args = append(args, entityID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recent %s: %w", entityID, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                         Entry
			oldState, newState, attrs sql.NullString
			fired                     string
		)
		if err := rows.Scan(&e.ID, &e.EntityID, &oldState, &newState, &attrs, &e.EventID, &fired); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		e.OldState = oldState.String
		e.NewState = newState.String
		e.Removed = !newState.Valid
		if attrs.Valid {
			if err := json.Unmarshal([]byte(attrs.String), &e.Attributes); err != nil {
				j.logger.Warn("journal attributes unreadable",
					"id", e.ID, "entity_id", e.EntityID, "error", err)
			}
		}
		if e.FiredAt, err = time.Parse(timeLayout, fired); err != nil {
			return nil, fmt.Errorf("parse fired_at %q: %w", fired, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes entries fired before the cutoff and returns how many
// were removed. A non-zero removal is published on the bus.
func (j *Journal) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx,
		`DELETE FROM state_changes WHERE fired_at < ?`,
		before.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	if n > 0 {
		j.logger.Debug("journal pruned", "rows", n, "before", before)
		j.bus.Emit(events.SourceJournal, events.KindPruned, map[string]any{"rows": n})
	}
	return n, nil
}

// RunPruner removes entries older than retention every interval until
// ctx is cancelled. A non-positive retention disables pruning.
func (j *Journal) RunPruner(ctx context.Context, retention, interval time.Duration) {
	if retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := j.Prune(ctx, j.now().Add(-retention)); err != nil && ctx.Err() == nil {
			j.logger.Warn("journal prune failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
