package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/s2"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/ai-log-analytics/backend/internal/storage/models"
	"github.com/ai-log-analytics/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS log_entries (
		id TEXT PRIMARY KEY,
		service TEXT,
		level TEXT,
		message TEXT NOT NULL,
		raw_log BLOB,
		pii_redacted INTEGER DEFAULT 0,
		pii_entities TEXT,
		log_timestamp INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_logs_service ON log_entries(service);
	CREATE INDEX IF NOT EXISTS idx_logs_level ON log_entries(level);
	CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON log_entries(log_timestamp);

	CREATE TABLE IF NOT EXISTS detection_verdicts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		log_id TEXT NOT NULL,
		tier TEXT NOT NULL,
		method TEXT NOT NULL,
		is_anomaly INTEGER NOT NULL,
		score REAL NOT NULL,
		confidence REAL,
		reasoning TEXT,
		severity TEXT,
		degraded INTEGER DEFAULT 0,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (log_id) REFERENCES log_entries(id) ON DELETE CASCADE
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_verdicts_log_tier ON detection_verdicts(log_id, tier);
	CREATE INDEX IF NOT EXISTS idx_verdicts_anomaly ON detection_verdicts(is_anomaly);

	CREATE TABLE IF NOT EXISTS cluster_runs (
		id TEXT PRIMARY KEY,
		started_at INTEGER NOT NULL,
		completed_at INTEGER,
		n_analyzed INTEGER,
		n_clusters INTEGER,
		n_outliers INTEGER,
		validation_errors INTEGER DEFAULT 0,
		status TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_completed ON cluster_runs(completed_at);

	CREATE TABLE IF NOT EXISTS cluster_assignments (
		run_id TEXT NOT NULL,
		log_id TEXT NOT NULL,
		cluster_id INTEGER NOT NULL,
		PRIMARY KEY (run_id, log_id),
		FOREIGN KEY (run_id) REFERENCES cluster_runs(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_assignments_cluster ON cluster_assignments(run_id, cluster_id);

	CREATE TABLE IF NOT EXISTS cluster_metadata (
		run_id TEXT NOT NULL,
		cluster_id INTEGER NOT NULL,
		size INTEGER NOT NULL,
		centroid TEXT,
		representative_logs TEXT,
		PRIMARY KEY (run_id, cluster_id),
		FOREIGN KEY (run_id) REFERENCES cluster_runs(id) ON DELETE CASCADE
	);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func (c *Client) InsertLogRecord(rec *models.LogRecord) error {
	entitiesJSON, _ := json.Marshal(rec.PIIEntities)

	// Raw text is retained for audit only; keep it compressed at rest.
	rawCompressed := s2.Encode(nil, []byte(rec.RawLog))

	query := `
		INSERT INTO log_entries (id, service, level, message, raw_log, pii_redacted, pii_entities, log_timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`

	piiRedacted := 0
	if rec.PIIRedacted {
		piiRedacted = 1
	}

	_, err := c.db.Exec(
		query,
		rec.ID,
		rec.Service,
		rec.Level,
		rec.Message,
		rawCompressed,
		piiRedacted,
		string(entitiesJSON),
		rec.Timestamp.Unix(),
		rec.CreatedAt.Unix(),
	)

	if err != nil {
		return fmt.Errorf("failed to insert log record: %w", err)
	}

	logger.Debug("Log record inserted", zap.String("log_id", rec.ID), zap.String("level", rec.Level))
	return nil
}

func (c *Client) GetLogRecord(id string) (*models.LogRecord, error) {
	query := `SELECT id, service, level, message, raw_log, pii_redacted, pii_entities, log_timestamp, created_at FROM log_entries WHERE id = ?`

	var rec models.LogRecord
	var rawCompressed []byte
	var piiRedacted int
	var entitiesJSON string
	var logTS, createdAt int64

	err := c.db.QueryRow(query, id).Scan(
		&rec.ID,
		&rec.Service,
		&rec.Level,
		&rec.Message,
		&rawCompressed,
		&piiRedacted,
		&entitiesJSON,
		&logTS,
		&createdAt,
	)

	if err != nil {
		return nil, fmt.Errorf("failed to get log record: %w", err)
	}

	if len(rawCompressed) > 0 {
		raw, err := s2.Decode(nil, rawCompressed)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress raw log: %w", err)
		}
		rec.RawLog = string(raw)
	}

	rec.PIIRedacted = piiRedacted == 1
	json.Unmarshal([]byte(entitiesJSON), &rec.PIIEntities)
	rec.Timestamp = time.Unix(logTS, 0).UTC()
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()

	return &rec, nil
}

// GetRecentLogs returns the newest redacted log lines, excluding the given
// id. Used to build "similar normal logs" context for validation prompts.
func (c *Client) GetRecentLogs(excludeID string, limit int) ([]models.LogRecord, error) {
	query := `
		SELECT id, service, level, message, log_timestamp
		FROM log_entries
		WHERE id != ?
		ORDER BY log_timestamp DESC
		LIMIT ?
	`

	rows, err := c.db.Query(query, excludeID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent logs: %w", err)
	}
	defer rows.Close()

	var records []models.LogRecord
	for rows.Next() {
		var r models.LogRecord
		var logTS int64

		err := rows.Scan(&r.ID, &r.Service, &r.Level, &r.Message, &logTS)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		r.Timestamp = time.Unix(logTS, 0).UTC()
		records = append(records, r)
	}

	return records, rows.Err()
}

func (c *Client) GetLogRecords(ids []string) ([]models.LogRecord, error) {
	records := make([]models.LogRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := c.GetLogRecord(id)
		if err != nil {
			continue
		}
		records = append(records, *rec)
	}
	return records, nil
}

// UpsertVerdict writes the verdict for (log_id, tier). Verdict history is
// append-only across tiers; re-submitting the same log replaces that
// tier's verdict instead of growing the history.
func (c *Client) UpsertVerdict(v *models.DetectionVerdict) error {
	query := `
		INSERT INTO detection_verdicts (log_id, tier, method, is_anomaly, score, confidence, reasoning, severity, degraded, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(log_id, tier) DO UPDATE SET
			method = excluded.method,
			is_anomaly = excluded.is_anomaly,
			score = excluded.score,
			confidence = excluded.confidence,
			reasoning = excluded.reasoning,
			severity = excluded.severity,
			degraded = excluded.degraded,
			created_at = excluded.created_at
	`

	isAnomaly := 0
	if v.IsAnomaly {
		isAnomaly = 1
	}
	degraded := 0
	if v.Degraded {
		degraded = 1
	}

	_, err := c.db.Exec(
		query,
		v.LogID,
		v.Tier,
		v.Method,
		isAnomaly,
		v.Score,
		v.Confidence,
		v.Reasoning,
		v.Severity,
		degraded,
		v.CreatedAt.Unix(),
	)

	if err != nil {
		return fmt.Errorf("failed to upsert verdict: %w", err)
	}

	logger.Debug("Verdict stored",
		zap.String("log_id", v.LogID),
		zap.String("tier", v.Tier),
		zap.String("method", v.Method),
	)
	return nil
}

func (c *Client) GetVerdicts(logID string) ([]models.DetectionVerdict, error) {
	query := `
		SELECT id, log_id, tier, method, is_anomaly, score, confidence, reasoning, severity, degraded, created_at
		FROM detection_verdicts
		WHERE log_id = ?
		ORDER BY created_at ASC
	`

	rows, err := c.db.Query(query, logID)
	if err != nil {
		return nil, fmt.Errorf("failed to get verdicts: %w", err)
	}
	defer rows.Close()

	var verdicts []models.DetectionVerdict
	for rows.Next() {
		v, err := scanVerdict(rows)
		if err != nil {
			return nil, err
		}
		verdicts = append(verdicts, *v)
	}

	return verdicts, rows.Err()
}

func scanVerdict(rows *sql.Rows) (*models.DetectionVerdict, error) {
	var v models.DetectionVerdict
	var isAnomaly, degraded int
	var confidence sql.NullFloat64
	var reasoning, severity sql.NullString
	var createdAt int64

	err := rows.Scan(&v.ID, &v.LogID, &v.Tier, &v.Method, &isAnomaly, &v.Score,
		&confidence, &reasoning, &severity, &degraded, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan verdict: %w", err)
	}

	v.IsAnomaly = isAnomaly == 1
	v.Degraded = degraded == 1
	if confidence.Valid {
		v.Confidence = confidence.Float64
	}
	if reasoning.Valid {
		r := reasoning.String
		v.Reasoning = &r
	}
	if severity.Valid {
		v.Severity = severity.String
	}
	v.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &v, nil
}

// CommitClusterRun publishes a whole clustering generation in a single
// transaction: run row, assignments, per-cluster metadata, and the batch
// tier verdicts from the outlier sweep. Consumers never observe a
// half-written run.
func (c *Client) CommitClusterRun(
	run *models.ClusterRun,
	assignments []models.ClusterAssignment,
	metadata []models.ClusterMetadata,
	verdicts []models.DetectionVerdict,
) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var completedAt interface{}
	if run.CompletedAt != nil {
		completedAt = run.CompletedAt.Unix()
	}

	_, err = tx.Exec(
		`INSERT INTO cluster_runs (id, started_at, completed_at, n_analyzed, n_clusters, n_outliers, validation_errors, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.StartedAt.Unix(),
		completedAt,
		run.NAnalyzed,
		run.NClusters,
		run.NOutliers,
		run.ValidationErrors,
		run.Status,
	)
	if err != nil {
		return fmt.Errorf("failed to insert cluster run: %w", err)
	}

	assignStmt, err := tx.Prepare(`INSERT INTO cluster_assignments (run_id, log_id, cluster_id) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare assignment insert: %w", err)
	}
	defer assignStmt.Close()

	for _, a := range assignments {
		if _, err := assignStmt.Exec(a.RunID, a.LogID, a.ClusterID); err != nil {
			return fmt.Errorf("failed to insert assignment: %w", err)
		}
	}

	for _, m := range metadata {
		centroidJSON, _ := json.Marshal(m.Centroid)
		repsJSON, _ := json.Marshal(m.RepresentativeLogs)

		_, err := tx.Exec(
			`INSERT INTO cluster_metadata (run_id, cluster_id, size, centroid, representative_logs) VALUES (?, ?, ?, ?, ?)`,
			m.RunID, m.ClusterID, m.Size, string(centroidJSON), string(repsJSON),
		)
		if err != nil {
			return fmt.Errorf("failed to insert cluster metadata: %w", err)
		}
	}

	for i := range verdicts {
		v := &verdicts[i]
		isAnomaly := 0
		if v.IsAnomaly {
			isAnomaly = 1
		}
		degraded := 0
		if v.Degraded {
			degraded = 1
		}
		_, err := tx.Exec(
			`INSERT INTO detection_verdicts (log_id, tier, method, is_anomaly, score, confidence, reasoning, severity, degraded, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(log_id, tier) DO UPDATE SET
				method = excluded.method,
				is_anomaly = excluded.is_anomaly,
				score = excluded.score,
				confidence = excluded.confidence,
				reasoning = excluded.reasoning,
				severity = excluded.severity,
				degraded = excluded.degraded,
				created_at = excluded.created_at`,
			v.LogID, v.Tier, v.Method, isAnomaly, v.Score, v.Confidence, v.Reasoning, v.Severity, degraded, v.CreatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert batch verdict: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cluster run: %w", err)
	}

	logger.Info("Cluster run committed",
		zap.String("run_id", run.ID),
		zap.Int("clusters", run.NClusters),
		zap.Int("outliers", run.NOutliers),
	)
	return nil
}

func (c *Client) GetLatestCompletedRunID() (string, error) {
	var id string
	err := c.db.QueryRow(
		`SELECT id FROM cluster_runs WHERE status = ? ORDER BY completed_at DESC LIMIT 1`,
		models.RunStatusCompleted,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get latest run: %w", err)
	}
	return id, nil
}

func (c *Client) GetClusterMetadata(runID string, clusterID int) (*models.ClusterMetadata, error) {
	query := `SELECT run_id, cluster_id, size, centroid, representative_logs FROM cluster_metadata WHERE run_id = ? AND cluster_id = ?`

	var m models.ClusterMetadata
	var centroidJSON, repsJSON string

	err := c.db.QueryRow(query, runID, clusterID).Scan(&m.RunID, &m.ClusterID, &m.Size, &centroidJSON, &repsJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cluster metadata: %w", err)
	}

	json.Unmarshal([]byte(centroidJSON), &m.Centroid)
	json.Unmarshal([]byte(repsJSON), &m.RepresentativeLogs)

	return &m, nil
}

func (c *Client) GetClusterRun(runID string) (*models.ClusterRun, error) {
	query := `SELECT id, started_at, completed_at, n_analyzed, n_clusters, n_outliers, validation_errors, status FROM cluster_runs WHERE id = ?`

	var run models.ClusterRun
	var startedAt int64
	var completedAt sql.NullInt64

	err := c.db.QueryRow(query, runID).Scan(&run.ID, &startedAt, &completedAt,
		&run.NAnalyzed, &run.NClusters, &run.NOutliers, &run.ValidationErrors, &run.Status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cluster run: %w", err)
	}

	run.StartedAt = time.Unix(startedAt, 0).UTC()
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0).UTC()
		run.CompletedAt = &t
	}

	return &run, nil
}
