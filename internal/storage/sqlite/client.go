package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/compliance-ledger/backend/internal/storage/models"
	"github.com/compliance-ledger/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string, busyTimeoutMS int) (*Client, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	if busyTimeoutMS <= 0 {
		busyTimeoutMS = 5000
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_foreign_keys=on", dbPath, busyTimeoutMS)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping: %v", models.ErrStorage, err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return storageErr("ping", err)
	}
	return nil
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		event_id INTEGER PRIMARY KEY,
		source_message_id TEXT NOT NULL,
		channel_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		regulation TEXT NOT NULL,
		risk_level INTEGER NOT NULL,
		status TEXT NOT NULL,
		confidence_score REAL NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		deadline INTEGER,
		stakeholders TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL,
		status_updated_at INTEGER,
		UNIQUE (channel_id, source_message_id)
	);
	CREATE INDEX IF NOT EXISTS idx_events_project_created ON events(project_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);
	CREATE INDEX IF NOT EXISTS idx_events_status_deadline ON events(status, deadline);

	CREATE TABLE IF NOT EXISTS daily_rollups (
		project_id TEXT NOT NULL,
		date TEXT NOT NULL,
		total_events INTEGER NOT NULL,
		counts_by_type TEXT NOT NULL,
		counts_by_regulation TEXT NOT NULL,
		high_risk_count INTEGER NOT NULL,
		pending_approvals INTEGER NOT NULL,
		compliance_score INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (project_id, date)
	);

	CREATE TABLE IF NOT EXISTS audit_records (
		record_id TEXT PRIMARY KEY,
		sequence INTEGER NOT NULL UNIQUE,
		project_id TEXT NOT NULL,
		regulation TEXT NOT NULL,
		event_ids TEXT NOT NULL,
		report_hash TEXT NOT NULL,
		previous_hash TEXT NOT NULL UNIQUE,
		period_start INTEGER NOT NULL,
		period_end INTEGER NOT NULL,
		summary TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE (project_id, regulation, period_start, period_end)
	);

	CREATE TRIGGER IF NOT EXISTS audit_records_no_update
	BEFORE UPDATE ON audit_records
	BEGIN
		SELECT RAISE(ABORT, 'audit records are append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS audit_records_no_delete
	BEFORE DELETE ON audit_records
	BEGIN
		SELECT RAISE(ABORT, 'audit records are append-only');
	END;

	CREATE TABLE IF NOT EXISTS risk_predictions (
		prediction_id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		risk_category TEXT NOT NULL,
		severity TEXT NOT NULL,
		probability REAL NOT NULL,
		predicted_impact_date INTEGER NOT NULL,
		contributing_factors TEXT NOT NULL,
		recommendations TEXT NOT NULL,
		confidence REAL NOT NULL,
		generated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_predictions_project ON risk_predictions(project_id, generated_at);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", models.ErrStorage, op, err)
}

const eventColumns = `event_id, source_message_id, channel_id, project_id, event_type, regulation,
	risk_level, status, confidence_score, description, deadline, stakeholders, created_at, status_updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (models.Event, error) {
	var (
		e               models.Event
		eventType       string
		status          string
		deadline        sql.NullInt64
		stakeholders    string
		createdAt       int64
		statusUpdatedAt sql.NullInt64
	)

	err := row.Scan(
		&e.ID,
		&e.SourceMessageID,
		&e.ChannelID,
		&e.ProjectID,
		&eventType,
		&e.Regulation,
		&e.RiskLevel,
		&status,
		&e.ConfidenceScore,
		&e.Description,
		&deadline,
		&stakeholders,
		&createdAt,
		&statusUpdatedAt,
	)
	if err != nil {
		return e, err
	}

	e.EventType = models.EventType(eventType)
	e.Status = models.Status(status)
	e.CreatedAt = time.Unix(0, createdAt).UTC()
	if deadline.Valid {
		t := time.Unix(0, deadline.Int64).UTC()
		e.Deadline = &t
	}
	if statusUpdatedAt.Valid {
		t := time.Unix(0, statusUpdatedAt.Int64).UTC()
		e.StatusUpdatedAt = &t
	}
	if err := json.Unmarshal([]byte(stakeholders), &e.Stakeholders); err != nil {
		return e, fmt.Errorf("decode stakeholders: %w", err)
	}
	if e.Stakeholders == nil {
		e.Stakeholders = []string{}
	}
	return e, nil
}

func nullableNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

// InsertEvent stores e unless (channel_id, source_message_id) already exists.
// It returns the stored event ID and whether this call created the row; a
// re-delivery returns the original ID with created=false.
func (c *Client) InsertEvent(ctx context.Context, e *models.Event) (int64, bool, error) {
	stakeholders, err := json.Marshal(e.Stakeholders)
	if err != nil {
		return 0, false, fmt.Errorf("encode stakeholders: %w", err)
	}

	query := `
		INSERT INTO events (` + eventColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel_id, source_message_id) DO NOTHING
	`

	res, err := c.db.ExecContext(ctx, query,
		e.ID,
		e.SourceMessageID,
		e.ChannelID,
		e.ProjectID,
		string(e.EventType),
		e.Regulation,
		int(e.RiskLevel),
		string(e.Status),
		e.ConfidenceScore,
		e.Description,
		nullableNanos(e.Deadline),
		string(stakeholders),
		e.CreatedAt.UnixNano(),
		nullableNanos(e.StatusUpdatedAt),
	)
	if err != nil {
		return 0, false, storageErr("insert event", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, false, storageErr("insert event", err)
	}
	if affected == 1 {
		logger.Debug("Event inserted",
			zap.Int64("event_id", e.ID),
			zap.String("project_id", e.ProjectID),
		)
		return e.ID, true, nil
	}

	var existing int64
	err = c.db.QueryRowContext(ctx,
		`SELECT event_id FROM events WHERE channel_id = ? AND source_message_id = ?`,
		e.ChannelID, e.SourceMessageID,
	).Scan(&existing)
	if err != nil {
		return 0, false, storageErr("lookup duplicate event", err)
	}

	logger.Debug("Duplicate event ignored",
		zap.Int64("event_id", existing),
		zap.String("channel_id", e.ChannelID),
		zap.String("source_message_id", e.SourceMessageID),
	)
	return existing, false, nil
}

func (c *Client) GetEvent(ctx context.Context, id int64) (*models.Event, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE event_id = ?`, id)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get event", err)
	}
	return &e, nil
}

// EventQuery scopes QueryEvents. Zero values mean unbounded; ProjectID "" or
// "all" matches every project.
type EventQuery struct {
	ProjectID      string
	Regulation     string
	Status         models.Status
	From           time.Time
	To             time.Time
	DeadlineBefore time.Time
	Limit          int
	// Newest keeps the most recent Limit events instead of the oldest.
	Newest bool
}

// QueryEvents returns matching events ordered by created_at, then event_id.
func (c *Client) QueryEvents(ctx context.Context, q EventQuery) ([]models.Event, error) {
	var (
		where []string
		args  []any
	)
	if q.ProjectID != "" && q.ProjectID != "all" {
		where = append(where, "project_id = ?")
		args = append(args, q.ProjectID)
	}
	if q.Regulation != "" {
		where = append(where, "regulation = ?")
		args = append(args, q.Regulation)
	}
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(q.Status))
	}
	if !q.From.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, q.From.UnixNano())
	}
	if !q.To.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, q.To.UnixNano())
	}
	if !q.DeadlineBefore.IsZero() {
		where = append(where, "deadline IS NOT NULL AND deadline < ?")
		args = append(args, q.DeadlineBefore.UnixNano())
	}

	query := `SELECT ` + eventColumns + ` FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if q.Newest {
		query += " ORDER BY created_at DESC, event_id DESC"
	} else {
		query += " ORDER BY created_at ASC, event_id ASC"
	}
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query events", err)
	}
	defer rows.Close()

	events := []models.Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, storageErr("scan event", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("query events", err)
	}

	if q.Newest {
		for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
			events[i], events[j] = events[j], events[i]
		}
	}
	return events, nil
}

// EventsByIDs returns the stored events keyed by ID. Missing IDs are absent
// from the map.
func (c *Client) EventsByIDs(ctx context.Context, ids []int64) (map[int64]models.Event, error) {
	out := make(map[int64]models.Event, len(ids))
	const batch = 500
	for start := 0; start < len(ids); start += batch {
		end := start + batch
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}

		rows, err := c.db.QueryContext(ctx,
			`SELECT `+eventColumns+` FROM events WHERE event_id IN (`+placeholders+`)`, args...)
		if err != nil {
			return nil, storageErr("events by id", err)
		}
		for rows.Next() {
			e, err := scanEvent(rows)
			if err != nil {
				rows.Close()
				return nil, storageErr("scan event", err)
			}
			out[e.ID] = e
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, storageErr("events by id", err)
		}
	}
	return out, nil
}

// UpdateEventStatus is the only mutation an event accepts after creation.
func (c *Client) UpdateEventStatus(ctx context.Context, id int64, status models.Status, at time.Time) (*models.Event, error) {
	res, err := c.db.ExecContext(ctx,
		`UPDATE events SET status = ?, status_updated_at = ? WHERE event_id = ?`,
		string(status), at.UnixNano(), id,
	)
	if err != nil {
		return nil, storageErr("update event status", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, storageErr("update event status", err)
	}
	if affected == 0 {
		return nil, models.ErrNotFound
	}

	logger.Info("Event status updated",
		zap.Int64("event_id", id),
		zap.String("status", string(status)),
	)
	return c.GetEvent(ctx, id)
}

func (c *Client) ListProjects(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT DISTINCT project_id FROM events ORDER BY project_id`)
	if err != nil {
		return nil, storageErr("list projects", err)
	}
	defer rows.Close()

	projects := []string{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, storageErr("scan project", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// UpsertRollup replaces the (project_id, date) row wholesale.
func (c *Client) UpsertRollup(ctx context.Context, r *models.DailyRollup) error {
	byType, _ := json.Marshal(r.CountsByType)
	byRegulation, _ := json.Marshal(r.CountsByRegulation)

	query := `
		INSERT INTO daily_rollups (project_id, date, total_events, counts_by_type, counts_by_regulation,
			high_risk_count, pending_approvals, compliance_score, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, date) DO UPDATE SET
			total_events = excluded.total_events,
			counts_by_type = excluded.counts_by_type,
			counts_by_regulation = excluded.counts_by_regulation,
			high_risk_count = excluded.high_risk_count,
			pending_approvals = excluded.pending_approvals,
			compliance_score = excluded.compliance_score,
			updated_at = excluded.updated_at
	`

	_, err := c.db.ExecContext(ctx, query,
		r.ProjectID,
		r.Date,
		r.TotalEvents,
		string(byType),
		string(byRegulation),
		r.HighRiskCount,
		r.PendingApprovals,
		r.ComplianceScore,
		r.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return storageErr("upsert rollup", err)
	}
	return nil
}

func (c *Client) GetRollup(ctx context.Context, projectID, date string) (*models.DailyRollup, error) {
	rollups, err := c.ListRollups(ctx, projectID, date, date)
	if err != nil {
		return nil, err
	}
	if len(rollups) == 0 {
		return nil, models.ErrNotFound
	}
	return &rollups[0], nil
}

// ListRollups returns rollups with fromDate <= date <= toDate (YYYY-MM-DD,
// empty = unbounded), ordered by date then project.
func (c *Client) ListRollups(ctx context.Context, projectID, fromDate, toDate string) ([]models.DailyRollup, error) {
	var (
		where []string
		args  []any
	)
	if projectID != "" && projectID != "all" {
		where = append(where, "project_id = ?")
		args = append(args, projectID)
	}
	if fromDate != "" {
		where = append(where, "date >= ?")
		args = append(args, fromDate)
	}
	if toDate != "" {
		where = append(where, "date <= ?")
		args = append(args, toDate)
	}

	query := `SELECT project_id, date, total_events, counts_by_type, counts_by_regulation,
		high_risk_count, pending_approvals, compliance_score, updated_at FROM daily_rollups`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY date ASC, project_id ASC"

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list rollups", err)
	}
	defer rows.Close()

	rollups := []models.DailyRollup{}
	for rows.Next() {
		var (
			r                    models.DailyRollup
			byType, byRegulation string
			updatedAt            int64
		)
		err := rows.Scan(&r.ProjectID, &r.Date, &r.TotalEvents, &byType, &byRegulation,
			&r.HighRiskCount, &r.PendingApprovals, &r.ComplianceScore, &updatedAt)
		if err != nil {
			return nil, storageErr("scan rollup", err)
		}
		json.Unmarshal([]byte(byType), &r.CountsByType)
		json.Unmarshal([]byte(byRegulation), &r.CountsByRegulation)
		r.UpdatedAt = time.Unix(0, updatedAt).UTC()
		rollups = append(rollups, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list rollups", err)
	}
	return rollups, nil
}

const auditColumns = `record_id, sequence, project_id, regulation, event_ids, report_hash, previous_hash,
	period_start, period_end, summary, created_at`

func scanAuditRecord(row scanner) (models.AuditRecord, error) {
	var (
		r                                 models.AuditRecord
		eventIDs, summary                 string
		periodStart, periodEnd, createdAt int64
	)
	err := row.Scan(&r.ID, &r.Sequence, &r.ProjectID, &r.Regulation, &eventIDs, &r.ReportHash,
		&r.PreviousHash, &periodStart, &periodEnd, &summary, &createdAt)
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal([]byte(eventIDs), &r.EventIDs); err != nil {
		return r, fmt.Errorf("decode event ids: %w", err)
	}
	if err := json.Unmarshal([]byte(summary), &r.Summary); err != nil {
		return r, fmt.Errorf("decode summary: %w", err)
	}
	r.PeriodStart = time.Unix(0, periodStart).UTC()
	r.PeriodEnd = time.Unix(0, periodEnd).UTC()
	r.CreatedAt = time.Unix(0, createdAt).UTC()
	return r, nil
}

// InsertAuditRecord appends one chain node. The unique sequence and
// previous_hash columns reject a second writer extending the same tail.
func (c *Client) InsertAuditRecord(ctx context.Context, r *models.AuditRecord) error {
	eventIDs, err := json.Marshal(r.EventIDs)
	if err != nil {
		return fmt.Errorf("encode event ids: %w", err)
	}
	summary, err := json.Marshal(r.Summary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}

	_, err = c.db.ExecContext(ctx,
		`INSERT INTO audit_records (`+auditColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID,
		r.Sequence,
		r.ProjectID,
		r.Regulation,
		string(eventIDs),
		r.ReportHash,
		r.PreviousHash,
		r.PeriodStart.UnixNano(),
		r.PeriodEnd.UnixNano(),
		string(summary),
		r.CreatedAt.UnixNano(),
	)
	if err != nil {
		return storageErr("insert audit record", err)
	}

	logger.Info("Audit record appended",
		zap.Int64("sequence", r.Sequence),
		zap.String("project_id", r.ProjectID),
		zap.String("regulation", r.Regulation),
		zap.String("report_hash", r.ReportHash),
	)
	return nil
}

// ChainTail returns the record with the highest sequence, or nil for an empty chain.
func (c *Client) ChainTail(ctx context.Context) (*models.AuditRecord, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+auditColumns+` FROM audit_records ORDER BY sequence DESC LIMIT 1`)
	r, err := scanAuditRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("chain tail", err)
	}
	return &r, nil
}

// ListAuditRecords returns the full chain in sequence order.
func (c *Client) ListAuditRecords(ctx context.Context) ([]models.AuditRecord, error) {
	return c.queryAuditRecords(ctx, `SELECT `+auditColumns+` FROM audit_records ORDER BY sequence ASC`)
}

// AuditRecordsForPeriod returns the records already written for exactly this period.
func (c *Client) AuditRecordsForPeriod(ctx context.Context, start, end time.Time) ([]models.AuditRecord, error) {
	return c.queryAuditRecords(ctx,
		`SELECT `+auditColumns+` FROM audit_records WHERE period_start = ? AND period_end = ? ORDER BY sequence ASC`,
		start.UnixNano(), end.UnixNano())
}

func (c *Client) queryAuditRecords(ctx context.Context, query string, args ...any) ([]models.AuditRecord, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list audit records", err)
	}
	defer rows.Close()

	records := []models.AuditRecord{}
	for rows.Next() {
		r, err := scanAuditRecord(rows)
		if err != nil {
			return nil, storageErr("scan audit record", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list audit records", err)
	}
	return records, nil
}

// InsertPredictions stores one prediction run in a single transaction.
func (c *Client) InsertPredictions(ctx context.Context, preds []models.RiskPrediction) error {
	if len(preds) == 0 {
		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin predictions", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO risk_predictions (prediction_id, project_id, risk_category, severity, probability,
			predicted_impact_date, contributing_factors, recommendations, confidence, generated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return storageErr("prepare predictions", err)
	}
	defer stmt.Close()

	for _, p := range preds {
		factors, _ := json.Marshal(p.ContributingFactors)
		recs, _ := json.Marshal(p.Recommendations)
		_, err := stmt.ExecContext(ctx,
			p.ID,
			p.ProjectID,
			p.RiskCategory,
			string(p.Severity),
			p.Probability,
			p.PredictedImpactDate.UnixNano(),
			string(factors),
			string(recs),
			p.Confidence,
			p.GeneratedAt.UnixNano(),
		)
		if err != nil {
			return storageErr("insert prediction", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit predictions", err)
	}
	return nil
}

// LatestPredictions returns the most recent prediction run for a project.
func (c *Client) LatestPredictions(ctx context.Context, projectID string) ([]models.RiskPrediction, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT prediction_id, project_id, risk_category, severity, probability, predicted_impact_date,
			contributing_factors, recommendations, confidence, generated_at
		FROM risk_predictions
		WHERE project_id = ? AND generated_at = (SELECT MAX(generated_at) FROM risk_predictions WHERE project_id = ?)
	`, projectID, projectID)
	if err != nil {
		return nil, storageErr("latest predictions", err)
	}
	defer rows.Close()

	preds := []models.RiskPrediction{}
	for rows.Next() {
		var (
			p                 models.RiskPrediction
			severity          string
			factors, recs     string
			impact, generated int64
		)
		err := rows.Scan(&p.ID, &p.ProjectID, &p.RiskCategory, &severity, &p.Probability, &impact,
			&factors, &recs, &p.Confidence, &generated)
		if err != nil {
			return nil, storageErr("scan prediction", err)
		}
		p.Severity = models.Severity(severity)
		p.PredictedImpactDate = time.Unix(0, impact).UTC()
		p.GeneratedAt = time.Unix(0, generated).UTC()
		json.Unmarshal([]byte(factors), &p.ContributingFactors)
		json.Unmarshal([]byte(recs), &p.Recommendations)
		preds = append(preds, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("latest predictions", err)
	}

	sort.SliceStable(preds, func(i, j int) bool { return preds[i].Probability > preds[j].Probability })
	return preds, nil
}
