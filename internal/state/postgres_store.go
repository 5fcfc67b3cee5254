package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/taskfleet/db/migrations"
)

// PostgresStore mirrors registry state into a relational table for restart
// recovery and dashboards.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	store := &PostgresStore{db: db}
	if err := store.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) ensureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)`); err != nil {
		return err
	}
	files, err := listMigrationFiles(migrations.Files)
	if err != nil {
		return err
	}
	for _, file := range files {
		applied, err := p.isMigrationApplied(ctx, file)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := p.applyMigration(ctx, file); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) isMigrationApplied(ctx context.Context, version string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) applyMigration(ctx context.Context, file string) error {
	sqlBytes, err := migrations.Files.ReadFile(file)
	if err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
		return fmt.Errorf("apply migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`, file, time.Now().UTC()); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	return tx.Commit()
}

func listMigrationFiles(migFS fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(migFS, ".")
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

func (p *PostgresStore) UpsertWorker(ctx context.Context, row WorkerRow) error {
	caps, err := json.Marshal(row.Capabilities)
	if err != nil {
		return err
	}
	if row.Status == "" {
		row.Status = WorkerActive
	}
	if row.LastHeartbeat.IsZero() {
		row.LastHeartbeat = time.Now().UTC()
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO workers (worker_id, kind, endpoint, capabilities, max_concurrent, heartbeat_secs, status, last_heartbeat, metrics, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now())
		 ON CONFLICT (worker_id) DO UPDATE SET
		   kind=EXCLUDED.kind, endpoint=EXCLUDED.endpoint, capabilities=EXCLUDED.capabilities,
		   max_concurrent=EXCLUDED.max_concurrent, heartbeat_secs=EXCLUDED.heartbeat_secs,
		   status=EXCLUDED.status, last_heartbeat=EXCLUDED.last_heartbeat, metrics=EXCLUDED.metrics, updated_at=now()`,
		row.WorkerID, row.Kind, row.Endpoint, string(caps), row.MaxConcurrent, row.HeartbeatSeconds,
		row.Status, row.LastHeartbeat, nullableJSON(row.Metrics),
	)
	return err
}

func (p *PostgresStore) UpdateWorkerHeartbeat(ctx context.Context, workerID string, at time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE workers SET last_heartbeat=$2, status=$3, updated_at=now() WHERE worker_id=$1`,
		workerID, at, WorkerActive,
	)
	return err
}

func (p *PostgresStore) MarkWorkerStatus(ctx context.Context, workerID, status string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE workers SET status=$2, updated_at=now() WHERE worker_id=$1`,
		workerID, status,
	)
	return err
}

func (p *PostgresStore) ListWorkers(ctx context.Context) ([]WorkerRow, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT worker_id, kind, endpoint, capabilities, max_concurrent, heartbeat_secs, status, last_heartbeat, COALESCE(metrics, 'null'::jsonb) FROM workers ORDER BY worker_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]WorkerRow, 0, 16)
	for rows.Next() {
		var row WorkerRow
		var caps, metrics string
		if err := rows.Scan(&row.WorkerID, &row.Kind, &row.Endpoint, &caps, &row.MaxConcurrent, &row.HeartbeatSeconds, &row.Status, &row.LastHeartbeat, &metrics); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(caps), &row.Capabilities); err != nil {
			return nil, fmt.Errorf("decode capabilities for %s: %w", row.WorkerID, err)
		}
		if metrics != "null" {
			row.Metrics = json.RawMessage(metrics)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ArchiveDeadLetter(ctx context.Context, entry DeadEntry) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO dead_letters (task_id, kind, payload, priority, attempt, reason, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		entry.Msg.TaskID, entry.Msg.Kind, nullableJSON(entry.Msg.Payload),
		entry.Msg.Priority, entry.Msg.Attempt, entry.Reason, entry.Msg.CreatedAt,
	)
	return err
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
