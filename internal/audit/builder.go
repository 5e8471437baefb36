package audit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/compliance-ledger/backend/internal/alerts"
	"github.com/compliance-ledger/backend/internal/metrics"
	"github.com/compliance-ledger/backend/internal/storage/models"
	"github.com/compliance-ledger/backend/internal/storage/sqlite"
	"github.com/compliance-ledger/backend/pkg/logger"
)

// ErrRunInProgress is returned when another builder run holds the chain lock.
var ErrRunInProgress = errors.New("audit run already in progress")

// Store is the persistence the builder needs. Audit records are only ever
// appended through it.
type Store interface {
	QueryEvents(ctx context.Context, q sqlite.EventQuery) ([]models.Event, error)
	EventsByIDs(ctx context.Context, ids []int64) (map[int64]models.Event, error)
	ChainTail(ctx context.Context) (*models.AuditRecord, error)
	InsertAuditRecord(ctx context.Context, r *models.AuditRecord) error
	AuditRecordsForPeriod(ctx context.Context, start, end time.Time) ([]models.AuditRecord, error)
	ListAuditRecords(ctx context.Context) ([]models.AuditRecord, error)
}

// Locker serializes builder runs. Acquire reports acquired=false when another
// holder has the key.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), acquired bool, err error)
}

// Exporter copies persisted records to durable storage for offline verification.
type Exporter interface {
	Export(ctx context.Context, r models.AuditRecord) error
}

// MutexLocker is an in-process Locker for single-instance deployments.
type MutexLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewMutexLocker() *MutexLocker {
	return &MutexLocker{held: make(map[string]bool)}
}

func (l *MutexLocker) Acquire(_ context.Context, key string, _ time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, false, nil
	}
	l.held[key] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, true, nil
}

const lockKey = "audit-chain-run"

// Period is the half-open interval [Start, End).
type Period struct {
	Start time.Time `json:"period_start"`
	End   time.Time `json:"period_end"`
}

// PeriodFor returns the last complete period of the given length before t.
// Daily periods run from UTC midnight to UTC midnight.
func PeriodFor(t time.Time, length time.Duration) Period {
	if length <= 0 {
		length = 24 * time.Hour
	}
	end := t.UTC().Truncate(length)
	return Period{Start: end.Add(-length), End: end}
}

// DayPeriod returns the UTC calendar day that starts at date (YYYY-MM-DD).
func DayPeriod(date string) (Period, error) {
	start, err := time.ParseInLocation(models.DateLayout, date, time.UTC)
	if err != nil {
		return Period{}, fmt.Errorf("invalid date %q: %w", date, err)
	}
	return Period{Start: start, End: start.AddDate(0, 0, 1)}, nil
}

type RunResult struct {
	RunID             string               `json:"run_id"`
	Period            Period               `json:"period"`
	StartPreviousHash string               `json:"start_previous_hash"`
	TailHash          string               `json:"tail_hash"`
	Records           []models.AuditRecord `json:"records"`
	Skipped           int                  `json:"skipped_partitions"`
	EventsCovered     int                  `json:"events_covered"`
}

type Builder struct {
	store    Store
	locker   Locker
	exporter Exporter
	notifier alerts.Notifier
	lockTTL  time.Duration
	now      func() time.Time
}

type BuilderOption func(*Builder)

func WithExporter(e Exporter) BuilderOption {
	return func(b *Builder) { b.exporter = e }
}

func WithNotifier(n alerts.Notifier) BuilderOption {
	return func(b *Builder) { b.notifier = n }
}

func WithLockTTL(ttl time.Duration) BuilderOption {
	return func(b *Builder) { b.lockTTL = ttl }
}

func WithClock(now func() time.Time) BuilderOption {
	return func(b *Builder) { b.now = now }
}

func NewBuilder(store Store, locker Locker, opts ...BuilderOption) *Builder {
	if locker == nil {
		locker = NewMutexLocker()
	}
	b := &Builder{
		store:   store,
		locker:  locker,
		lockTTL: 10 * time.Minute,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ResumePoint returns the start of the period the chain tail belongs to, or the
// zero time for an empty chain. Runs from there on may still have unchained
// partitions.
func (b *Builder) ResumePoint(ctx context.Context) (time.Time, error) {
	tail, err := b.store.ChainTail(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("read chain tail: %w", err)
	}
	if tail == nil {
		return time.Time{}, nil
	}
	return tail.PeriodStart, nil
}

type partitionKey struct {
	projectID  string
	regulation string
}

// Run chains every (project, regulation) partition of the period's events
// onto the global tail. Partitions are processed in lexical key order. A
// partition already recorded for this period is skipped, so a failed run can
// be retried; nothing after the last persisted record is ever visible.
func (b *Builder) Run(ctx context.Context, period Period) (*RunResult, error) {
	release, acquired, err := b.locker.Acquire(ctx, lockKey, b.lockTTL)
	if err != nil {
		metrics.AuditRuns.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("acquire audit lock: %w", err)
	}
	if !acquired {
		metrics.AuditRuns.WithLabelValues("locked").Inc()
		return nil, ErrRunInProgress
	}
	defer release()

	result, err := b.run(ctx, period)
	if err != nil {
		metrics.AuditRuns.WithLabelValues("error").Inc()
		logger.Error("Audit run failed",
			zap.String("run_id", result.RunID),
			zap.Time("period_start", period.Start),
			zap.Int("records_written", len(result.Records)),
			zap.Error(err),
		)
		return result, err
	}

	metrics.AuditRuns.WithLabelValues("ok").Inc()
	logger.Info("Audit run finished",
		zap.String("run_id", result.RunID),
		zap.Time("period_start", period.Start),
		zap.Time("period_end", period.End),
		zap.Int("records_written", len(result.Records)),
		zap.Int("skipped_partitions", result.Skipped),
		zap.Int("events_covered", result.EventsCovered),
		zap.String("tail_hash", result.TailHash),
	)
	return result, nil
}

func (b *Builder) run(ctx context.Context, period Period) (*RunResult, error) {
	result := &RunResult{RunID: uuid.New().String(), Period: period, Records: []models.AuditRecord{}}

	tail, err := b.store.ChainTail(ctx)
	if err != nil {
		return result, fmt.Errorf("read chain tail: %w", err)
	}
	prevHash, nextSeq := GenesisHash, int64(1)
	if tail != nil {
		prevHash, nextSeq = tail.ReportHash, tail.Sequence+1
	}
	result.StartPreviousHash = prevHash
	result.TailHash = prevHash

	done, err := b.store.AuditRecordsForPeriod(ctx, period.Start, period.End)
	if err != nil {
		return result, fmt.Errorf("read period records: %w", err)
	}
	recorded := make(map[partitionKey]bool, len(done))
	for _, r := range done {
		recorded[partitionKey{r.ProjectID, r.Regulation}] = true
	}

	events, err := b.store.QueryEvents(ctx, sqlite.EventQuery{From: period.Start, To: period.End})
	if err != nil {
		return result, fmt.Errorf("load period events: %w", err)
	}
	if len(events) == 0 {
		return result, nil
	}

	partitions := make(map[partitionKey][]models.Event)
	for _, e := range events {
		k := partitionKey{e.ProjectID, e.Regulation}
		partitions[k] = append(partitions[k], e)
	}
	keys := make([]partitionKey, 0, len(partitions))
	for k := range partitions {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].projectID != keys[j].projectID {
			return keys[i].projectID < keys[j].projectID
		}
		return keys[i].regulation < keys[j].regulation
	})

	for _, k := range keys {
		if recorded[k] {
			result.Skipped++
			continue
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		covered := partitions[k]
		SortEvents(covered)

		hash, err := ComputeReportHash(covered, prevHash)
		if err != nil {
			return result, fmt.Errorf("digest %s/%s: %w", k.projectID, k.regulation, err)
		}

		rec := models.AuditRecord{
			ID:           uuid.New().String(),
			Sequence:     nextSeq,
			ProjectID:    k.projectID,
			Regulation:   k.regulation,
			EventIDs:     eventIDs(covered),
			ReportHash:   hash,
			PreviousHash: prevHash,
			PeriodStart:  period.Start,
			PeriodEnd:    period.End,
			Summary:      summarize(covered),
			CreatedAt:    b.now().UTC(),
		}
		if err := b.store.InsertAuditRecord(ctx, &rec); err != nil {
			return result, fmt.Errorf("persist record for %s/%s: %w", k.projectID, k.regulation, err)
		}
		metrics.AuditRecordsWritten.Inc()

		prevHash = rec.ReportHash
		nextSeq++
		result.Records = append(result.Records, rec)
		result.TailHash = prevHash
		result.EventsCovered += len(covered)

		b.export(ctx, rec)
	}
	return result, nil
}

func (b *Builder) export(ctx context.Context, rec models.AuditRecord) {
	if b.exporter == nil {
		return
	}
	if err := b.exporter.Export(ctx, rec); err != nil {
		logger.Warn("Audit record export failed",
			zap.String("record_id", rec.ID),
			zap.Int64("sequence", rec.Sequence),
			zap.Error(err),
		)
	}
}

func eventIDs(events []models.Event) []int64 {
	ids := make([]int64, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}
	return ids
}

func summarize(events []models.Event) models.AuditSummary {
	s := models.AuditSummary{
		TotalEvents: len(events),
		ByType:      make(map[string]int),
		ByRisk:      make(map[string]int),
	}
	for i := range events {
		e := &events[i]
		s.ByType[string(e.EventType)]++
		s.ByRisk[e.RiskLevel.String()]++
		if e.IsPending() {
			s.PendingCount++
		}
		if e.RiskLevel.IsHighRisk() {
			s.HighRisk++
		}
	}
	return s
}

// VerifyChain loads the whole chain and its covered events and verifies it.
// A broken chain is reported in the VerifyReport, not as an error; err is
// reserved for storage failures.
func (b *Builder) VerifyChain(ctx context.Context) (VerifyReport, error) {
	records, err := b.store.ListAuditRecords(ctx)
	if err != nil {
		return VerifyReport{}, fmt.Errorf("load audit records: %w", err)
	}

	var ids []int64
	for _, r := range records {
		ids = append(ids, r.EventIDs...)
	}
	events, err := b.store.EventsByIDs(ctx, ids)
	if err != nil {
		return VerifyReport{}, fmt.Errorf("load covered events: %w", err)
	}

	report := VerifyRecords(records, events)
	if report.Valid {
		metrics.ChainVerifications.WithLabelValues("valid").Inc()
		return report, nil
	}

	metrics.ChainVerifications.WithLabelValues("invalid").Inc()
	bad := report.FirstInvalidRecord
	logger.Error("Audit chain verification failed",
		zap.Int64("sequence", bad.Sequence),
		zap.String("record_id", bad.RecordID),
		zap.String("reason", bad.Reason),
	)
	if b.notifier != nil {
		b.notifier.Notify(ctx, alerts.ForChainIntegrity(bad.Sequence, bad.RecordID, bad.Reason, b.now()))
	}
	return report, nil
}

// Records returns the persisted chain in sequence order.
func (b *Builder) Records(ctx context.Context) ([]models.AuditRecord, error) {
	return b.store.ListAuditRecords(ctx)
}
