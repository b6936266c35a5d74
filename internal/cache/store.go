// Package cache persists the last-known-good propagated label set of every
// Project observed on the upstream cluster. It is the source the reconciler
// falls back to while the upstream connection is broken, so its contents must
// survive process restarts and pod rescheduling.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// FileName is the sqlite file created below the configured data path.
const FileName = "cache.sqlite"

// Schema notes: columns are additive-only. The file outlives upgrades of the
// propagator, so existing columns must never be renamed or retyped.
const schema = `
CREATE TABLE IF NOT EXISTS project_snapshots (
	project TEXT PRIMARY KEY NOT NULL,
	labels TEXT NOT NULL,
	resource_version TEXT NOT NULL DEFAULT '',
	observed_at INTEGER NOT NULL,
	cluster TEXT NOT NULL DEFAULT ''
);
`

// Snapshot is one persisted cache entry: the propagated labels of a single
// Project, prefix already stripped at capture time.
type Snapshot struct {
	// Project is the Project object name, unique within the source cluster.
	Project string

	// Labels is the stripped propagated label set.
	Labels map[string]string

	// ResourceVersion is the Project's resourceVersion at observation time.
	// Kubernetes resource versions are opaque, it is stored for diagnostics
	// only; ordering decisions use ObservedAt.
	ResourceVersion string

	// ObservedAt is when the watcher captured this state. A snapshot only
	// replaces a stored one with a strictly older ObservedAt.
	ObservedAt time.Time

	// Cluster identifies the source cluster of the observation.
	Cluster string
}

// Store is the durable Project snapshot store. Writes are serialized through
// sqlite immediate transactions; reads interleave safely because every read
// observes a complete committed transaction.
type Store struct {
	pool   *sqlitex.Pool
	logger logr.Logger
}

// Open creates or opens the snapshot database under dataPath. The parent
// directory must exist. An error here is fatal for the caller: without the
// store the resilience contract cannot be met.
func Open(dataPath string, logger logr.Logger) (*Store, error) {
	path := filepath.Join(dataPath, FileName)

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    4,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("opening snapshot store %s: %w", path, err)
	}

	logger.Info("snapshot store opened", "path", path)

	return &Store{pool: pool, logger: logger}, nil
}

// prepareConn applies pragmas and the schema to every pool connection. The
// schema statements are idempotent.
func prepareConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("creating snapshot schema: %w", err)
	}

	return nil
}

// Close closes the underlying connection pool. In-flight transactions commit
// or roll back before this returns; the file is never left torn.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Put stores a snapshot in a single transaction. It is a no-op returning
// applied == false when the stored observation for the same project is as new
// or newer, which guards against out-of-order event replay during reconnects.
func (s *Store) Put(ctx context.Context, snapshot Snapshot) (applied bool, err error) {
	applied, err = s.put(ctx, snapshot)
	switch {
	case err != nil:
		snapshotWritesTotal.WithLabelValues("error").Inc()
	case applied:
		snapshotWritesTotal.WithLabelValues("applied").Inc()
	default:
		snapshotWritesTotal.WithLabelValues("ignored").Inc()
	}

	return applied, err
}

func (s *Store) put(ctx context.Context, snapshot Snapshot) (applied bool, err error) {
	if snapshot.Project == "" {
		return false, fmt.Errorf("snapshot has no project name")
	}

	encoded, err := json.Marshal(snapshot.Labels)
	if err != nil {
		return false, fmt.Errorf("encoding labels of project %s: %w", snapshot.Project, err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("snapshot store take: %w", err)
	}
	defer s.pool.Put(conn)

	endTx, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return false, fmt.Errorf("snapshot store begin: %w", err)
	}
	defer endTx(&err)

	var stored int64
	var exists bool
	err = sqlitex.Execute(conn,
		"SELECT observed_at FROM project_snapshots WHERE project = ?",
		&sqlitex.ExecOptions{
			Args: []any{snapshot.Project},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				stored = stmt.ColumnInt64(0)
				exists = true
				return nil
			},
		})
	if err != nil {
		return false, fmt.Errorf("snapshot store read %s: %w", snapshot.Project, err)
	}

	if exists && stored >= snapshot.ObservedAt.UnixNano() {
		return false, nil
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO project_snapshots (project, labels, resource_version, observed_at, cluster)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(project) DO UPDATE SET
		   labels = excluded.labels,
		   resource_version = excluded.resource_version,
		   observed_at = excluded.observed_at,
		   cluster = excluded.cluster`,
		&sqlitex.ExecOptions{
			Args: []any{
				snapshot.Project,
				string(encoded),
				snapshot.ResourceVersion,
				snapshot.ObservedAt.UnixNano(),
				snapshot.Cluster,
			},
		})
	if err != nil {
		return false, fmt.Errorf("snapshot store write %s: %w", snapshot.Project, err)
	}

	return true, nil
}

// Get returns the stored snapshot of a project, or nil when the project has
// never been observed.
func (s *Store) Get(ctx context.Context, project string) (*Snapshot, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot store take: %w", err)
	}
	defer s.pool.Put(conn)

	var snapshot *Snapshot
	err = sqlitex.Execute(conn,
		"SELECT project, labels, resource_version, observed_at, cluster FROM project_snapshots WHERE project = ?",
		&sqlitex.ExecOptions{
			Args: []any{project},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				decoded, err := scanSnapshot(stmt)
				if err != nil {
					return err
				}
				snapshot = decoded
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("snapshot store read %s: %w", project, err)
	}

	return snapshot, nil
}

// LoadAll returns every stored snapshot. Used once at startup; growth is
// bounded by the number of distinct projects ever observed for this cluster.
func (s *Store) LoadAll(ctx context.Context) ([]Snapshot, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot store take: %w", err)
	}
	defer s.pool.Put(conn)

	var snapshots []Snapshot
	err = sqlitex.Execute(conn,
		"SELECT project, labels, resource_version, observed_at, cluster FROM project_snapshots ORDER BY project",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				decoded, err := scanSnapshot(stmt)
				if err != nil {
					return err
				}
				snapshots = append(snapshots, *decoded)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("snapshot store load: %w", err)
	}

	return snapshots, nil
}

func scanSnapshot(stmt *sqlite.Stmt) (*Snapshot, error) {
	snapshot := &Snapshot{
		Project:         stmt.ColumnText(0),
		ResourceVersion: stmt.ColumnText(2),
		ObservedAt:      time.Unix(0, stmt.ColumnInt64(3)),
		Cluster:         stmt.ColumnText(4),
	}

	if err := json.Unmarshal([]byte(stmt.ColumnText(1)), &snapshot.Labels); err != nil {
		return nil, fmt.Errorf("decoding labels of project %s: %w", snapshot.Project, err)
	}

	return snapshot, nil
}
