package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/quarterdeck-io/console/pkg/models"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// busy_timeout covers concurrent writes from session monitor goroutines
	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return store, nil
}

// migrate creates the database schema
func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS port_forwards (
		id TEXT NOT NULL,
		cluster TEXT NOT NULL,
		namespace TEXT NOT NULL,
		pod TEXT NOT NULL,
		service TEXT,
		service_namespace TEXT,
		target_port TEXT NOT NULL,
		port TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (cluster, id)
	);

	CREATE TABLE IF NOT EXISTS drain_operations (
		id TEXT PRIMARY KEY,
		cluster TEXT NOT NULL,
		node_name TEXT NOT NULL,
		status TEXT NOT NULL,
		detail TEXT,
		started_at DATETIME NOT NULL,
		finished_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_port_forwards_cluster ON port_forwards(cluster);
	CREATE INDEX IF NOT EXISTS idx_drains_node ON drain_operations(cluster, node_name, started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Port forward methods

func (s *SQLiteStore) GetPortForward(cluster, id string) (*models.PortForward, error) {
	row := s.db.QueryRow(`SELECT id, cluster, namespace, pod, service, service_namespace, target_port, port, status, error, created_at FROM port_forwards WHERE cluster = ? AND id = ?`, cluster, id)
	return scanPortForward(row)
}

func (s *SQLiteStore) ListPortForwards(cluster string) ([]models.PortForward, error) {
	rows, err := s.db.Query(`SELECT id, cluster, namespace, pod, service, service_namespace, target_port, port, status, error, created_at FROM port_forwards WHERE cluster = ? ORDER BY created_at`, cluster)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var forwards []models.PortForward
	for rows.Next() {
		pf, err := scanPortForward(rows)
		if err != nil {
			return nil, err
		}
		forwards = append(forwards, *pf)
	}
	return forwards, rows.Err()
}

func (s *SQLiteStore) SavePortForward(pf *models.PortForward) error {
	_, err := s.db.Exec(`
		INSERT INTO port_forwards (id, cluster, namespace, pod, service, service_namespace, target_port, port, status, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cluster, id) DO UPDATE SET
			namespace = excluded.namespace,
			pod = excluded.pod,
			service = excluded.service,
			service_namespace = excluded.service_namespace,
			target_port = excluded.target_port,
			port = excluded.port,
			status = excluded.status,
			error = excluded.error`,
		pf.ID, pf.Cluster, pf.Namespace, pf.Pod, pf.Service, pf.ServiceNamespace,
		pf.TargetPort, pf.Port, string(pf.Status), pf.Error, pf.CreatedAt)
	return err
}

func (s *SQLiteStore) DeletePortForward(cluster, id string) error {
	_, err := s.db.Exec(`DELETE FROM port_forwards WHERE cluster = ? AND id = ?`, cluster, id)
	return err
}

// MarkStalePortForwardsStopped flips every running record to stopped. Called
// on startup: forwarding goroutines do not survive a restart, so records that
// still claim to be running are stale.
func (s *SQLiteStore) MarkStalePortForwardsStopped() error {
	_, err := s.db.Exec(`UPDATE port_forwards SET status = ? WHERE status = ?`,
		string(models.PortForwardStopped), string(models.PortForwardRunning))
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPortForward(row scanner) (*models.PortForward, error) {
	var pf models.PortForward
	var status string
	var service, serviceNS, errMsg sql.NullString

	err := row.Scan(&pf.ID, &pf.Cluster, &pf.Namespace, &pf.Pod, &service, &serviceNS,
		&pf.TargetPort, &pf.Port, &status, &errMsg, &pf.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	pf.Status = models.PortForwardStatus(status)
	if service.Valid {
		pf.Service = service.String
	}
	if serviceNS.Valid {
		pf.ServiceNamespace = serviceNS.String
	}
	if errMsg.Valid {
		pf.Error = errMsg.String
	}
	return &pf, nil
}

// Node drain methods

func (s *SQLiteStore) GetDrainOperation(id string) (*models.DrainOperation, error) {
	row := s.db.QueryRow(`SELECT id, cluster, node_name, status, detail, started_at, finished_at FROM drain_operations WHERE id = ?`, id)
	return scanDrainOperation(row)
}

// GetNodeDrain returns the most recent drain recorded for a node.
func (s *SQLiteStore) GetNodeDrain(cluster, nodeName string) (*models.DrainOperation, error) {
	row := s.db.QueryRow(`SELECT id, cluster, node_name, status, detail, started_at, finished_at FROM drain_operations WHERE cluster = ? AND node_name = ? ORDER BY started_at DESC, id DESC LIMIT 1`, cluster, nodeName)
	return scanDrainOperation(row)
}

func (s *SQLiteStore) SaveDrainOperation(op *models.DrainOperation) error {
	var finished any
	if op.FinishedAt != nil {
		finished = *op.FinishedAt
	}
	_, err := s.db.Exec(`
		INSERT INTO drain_operations (id, cluster, node_name, status, detail, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			detail = excluded.detail,
			finished_at = excluded.finished_at`,
		op.ID, op.Cluster, op.NodeName, string(op.Status), op.Detail, op.StartedAt, finished)
	return err
}

func (s *SQLiteStore) ListDrainOperations(cluster string) ([]models.DrainOperation, error) {
	rows, err := s.db.Query(`SELECT id, cluster, node_name, status, detail, started_at, finished_at FROM drain_operations WHERE cluster = ? ORDER BY started_at DESC`, cluster)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []models.DrainOperation
	for rows.Next() {
		op, err := scanDrainOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, *op)
	}
	return ops, rows.Err()
}

// MarkStaleDrainsFailed fails every drain still marked in progress. Called on
// startup: the goroutines doing the work did not survive the restart.
func (s *SQLiteStore) MarkStaleDrainsFailed() error {
	_, err := s.db.Exec(`UPDATE drain_operations SET status = ?, detail = ?, finished_at = ? WHERE status = ?`,
		string(models.DrainFailed), "interrupted by gateway restart", time.Now().UTC(), string(models.DrainInProgress))
	return err
}

func scanDrainOperation(row scanner) (*models.DrainOperation, error) {
	var op models.DrainOperation
	var status string
	var detail sql.NullString
	var finished sql.NullTime

	err := row.Scan(&op.ID, &op.Cluster, &op.NodeName, &status, &detail, &op.StartedAt, &finished)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	op.Status = models.DrainState(status)
	if detail.Valid {
		op.Detail = detail.String
	}
	if finished.Valid {
		t := finished.Time
		op.FinishedAt = &t
	}
	return &op, nil
}
