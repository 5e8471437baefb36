package prediction

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/compliance-ledger/backend/internal/alerts"
	"github.com/compliance-ledger/backend/internal/metrics"
	"github.com/compliance-ledger/backend/internal/storage/models"
	"github.com/compliance-ledger/backend/internal/storage/sqlite"
	"github.com/compliance-ledger/backend/pkg/logger"
	"github.com/compliance-ledger/backend/pkg/utils"
)

type Store interface {
	QueryEvents(ctx context.Context, q sqlite.EventQuery) ([]models.Event, error)
	ListRollups(ctx context.Context, projectID, fromDate, toDate string) ([]models.DailyRollup, error)
	InsertPredictions(ctx context.Context, preds []models.RiskPrediction) error
	LatestPredictions(ctx context.Context, projectID string) ([]models.RiskPrediction, error)
}

// DependencyGraph resolves the longest dependency chain of a project.
type DependencyGraph interface {
	LongestDependencyChain(ctx context.Context, projectID string) (int, error)
}

type Cache interface {
	GetPrediction(ctx context.Context, projectID, hash string, result interface{}) (bool, error)
	SetPrediction(ctx context.Context, projectID, hash string, result interface{}, ttl time.Duration) error
}

type Service struct {
	store    Store
	graph    DependencyGraph
	cache    Cache
	notifier alerts.Notifier
	defaults Options
	cacheTTL time.Duration
	now      func() time.Time
}

type ServiceOption func(*Service)

func WithDependencyGraph(g DependencyGraph) ServiceOption {
	return func(s *Service) { s.graph = g }
}

func WithCache(c Cache, ttl time.Duration) ServiceOption {
	return func(s *Service) {
		s.cache = c
		s.cacheTTL = ttl
	}
}

func WithNotifier(n alerts.Notifier) ServiceOption {
	return func(s *Service) { s.notifier = n }
}

// WithDefaults sets the options used when a request leaves them unset and no
// dependency graph can answer.
func WithDefaults(o Options) ServiceOption {
	return func(s *Service) { s.defaults = o }
}

func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func NewService(store Store, opts ...ServiceOption) *Service {
	s := &Service{
		store:    store,
		cacheTTL: 5 * time.Minute,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Predict loads the project's recent history, scores it, persists the emitted
// predictions and alerts on Critical ones. Reading and scoring never modify
// events or rollups.
func (s *Service) Predict(ctx context.Context, projectID string, horizonDays int, opts Options) (*Result, error) {
	if projectID == "" {
		return nil, fmt.Errorf("project_id is required")
	}
	if horizonDays <= 0 {
		horizonDays = DefaultHorizonDays
	}
	opts = s.resolveOptions(ctx, projectID, opts)

	key := cacheKey(projectID, horizonDays, opts)
	if s.cache != nil {
		var cached Result
		found, err := s.cache.GetPrediction(ctx, projectID, key, &cached)
		if err != nil {
			logger.Warn("Prediction cache read failed", zap.String("project_id", projectID), zap.Error(err))
		} else if found {
			return &cached, nil
		}
	}

	start := time.Now()
	now := s.now().UTC()

	events, err := s.store.QueryEvents(ctx, sqlite.EventQuery{
		ProjectID: projectID,
		Limit:     MaxEvents,
		Newest:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	from := now.AddDate(0, 0, -RollupWindowDays).Format(models.DateLayout)
	rollups, err := s.store.ListRollups(ctx, projectID, from, now.Format(models.DateLayout))
	if err != nil {
		return nil, fmt.Errorf("load rollups: %w", err)
	}

	res := Predict(Input{
		ProjectID:   projectID,
		Events:      events,
		Rollups:     rollups,
		Now:         now,
		HorizonDays: horizonDays,
		Options:     opts,
	})
	metrics.PredictionDuration.Observe(time.Since(start).Seconds())

	for i := range res.Predictions {
		res.Predictions[i].ID = uuid.New().String()
		p := res.Predictions[i]
		metrics.PredictionsEmitted.WithLabelValues(p.RiskCategory, string(p.Severity)).Inc()
	}

	if len(res.Predictions) > 0 {
		if err := s.store.InsertPredictions(ctx, res.Predictions); err != nil {
			logger.Warn("Failed to persist predictions", zap.String("project_id", projectID), zap.Error(err))
		}
	}
	s.alert(ctx, res.Predictions, now)

	if s.cache != nil {
		if err := s.cache.SetPrediction(ctx, projectID, key, res, s.cacheTTL); err != nil {
			logger.Warn("Prediction cache write failed", zap.String("project_id", projectID), zap.Error(err))
		}
	}

	logger.Info("Risk prediction completed",
		zap.String("project_id", projectID),
		zap.Int("events_analyzed", res.EventsAnalyzed),
		zap.Int("predictions", len(res.Predictions)),
		zap.Float64("overall_risk_score", res.OverallRiskScore),
		zap.Bool("insufficient_data", res.InsufficientData),
	)
	return &res, nil
}

// Latest returns the most recently persisted prediction set for a project.
func (s *Service) Latest(ctx context.Context, projectID string) ([]models.RiskPrediction, error) {
	return s.store.LatestPredictions(ctx, projectID)
}

func (s *Service) resolveOptions(ctx context.Context, projectID string, opts Options) Options {
	if opts.TeamWorkload == nil {
		opts.TeamWorkload = s.defaults.TeamWorkload
	}
	if opts.DependencyChainLength != nil {
		return opts
	}
	if s.graph != nil {
		n, err := s.graph.LongestDependencyChain(ctx, projectID)
		if err == nil && n > 0 {
			opts.DependencyChainLength = &n
			return opts
		}
		if err != nil {
			logger.Warn("Dependency graph unavailable, using default chain length",
				zap.String("project_id", projectID),
				zap.Error(err),
			)
		}
	}
	opts.DependencyChainLength = s.defaults.DependencyChainLength
	return opts
}

func (s *Service) alert(ctx context.Context, preds []models.RiskPrediction, now time.Time) {
	if s.notifier == nil {
		return
	}
	var out []alerts.Alert
	for _, p := range preds {
		if a, ok := alerts.ForPrediction(p, now); ok {
			out = append(out, a)
		}
	}
	if len(out) > 0 {
		s.notifier.Notify(ctx, out...)
	}
}

func cacheKey(projectID string, horizon int, opts Options) string {
	return utils.HashString(
		projectID,
		strconv.Itoa(horizon),
		strconv.Itoa(opts.chainLength()),
		strconv.FormatFloat(opts.workload(), 'f', -1, 64),
	)
}
