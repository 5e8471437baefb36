package neo4j

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/compliance-ledger/backend/internal/metrics"
	"github.com/compliance-ledger/backend/pkg/circuitbreaker"
	"github.com/compliance-ledger/backend/pkg/logger"
	"github.com/compliance-ledger/backend/pkg/retry"
)

// Client stores the per-project dependency graph between compliance items
// (milestones, approvals, deliverables). Its longest chain feeds risk prediction.
type Client struct {
	driver      neo4j.DriverWithContext
	database    string
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

// Dependency says that From cannot complete before To does.
type Dependency struct {
	ProjectID string    `json:"project_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	EventID   int64     `json:"event_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func NewClient(uri, username, password, database string) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(
		uri,
		neo4j.BasicAuth(username, password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	ctx := context.Background()
	err = driver.VerifyConnectivity(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	cb := circuitbreaker.NewCircuitBreaker("neo4j", circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OnStateChange:    metrics.ObserveGuard,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       3 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	if database == "" {
		database = "neo4j"
	}

	logger.Info("Neo4j client initialized", zap.String("uri", uri))

	return &Client{
		driver:      driver,
		database:    database,
		cb:          cb,
		retryConfig: retryConfig,
	}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *Client) Ping(ctx context.Context) error {
	return c.driver.VerifyConnectivity(ctx)
}

func (c *Client) executeWithRetry(ctx context.Context, operation func(neo4j.SessionWithContext) error) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			session := c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: c.database})
			defer session.Close(ctx)
			return operation(session)
		})
	})
}

// UpsertDependency records an edge. Re-sending the same edge is a no-op.
func (c *Client) UpsertDependency(ctx context.Context, dep Dependency) error {
	if dep.From == "" || dep.To == "" || dep.From == dep.To {
		return retry.Permanent(fmt.Errorf("invalid dependency %q -> %q", dep.From, dep.To))
	}

	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		query := `
			MERGE (a:Item {project_id: $project_id, name: $from})
			MERGE (b:Item {project_id: $project_id, name: $to})
			MERGE (a)-[r:DEPENDS_ON]->(b)
			ON CREATE SET r.created_at = timestamp(), r.event_id = $event_id
		`
		_, err := session.Run(ctx, query, map[string]interface{}{
			"project_id": dep.ProjectID,
			"from":       dep.From,
			"to":         dep.To,
			"event_id":   dep.EventID,
		})
		if err != nil {
			return fmt.Errorf("failed to upsert dependency: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	logger.Debug("Dependency recorded",
		zap.String("project_id", dep.ProjectID),
		zap.String("from", dep.From),
		zap.String("to", dep.To),
	)
	return nil
}

// Dependencies lists a project's edges ordered by endpoint names.
func (c *Client) Dependencies(ctx context.Context, projectID string) ([]Dependency, error) {
	var deps []Dependency

	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		deps = deps[:0]
		query := `
			MATCH (a:Item {project_id: $project_id})-[r:DEPENDS_ON]->(b:Item)
			RETURN a.name AS from, b.name AS to, coalesce(r.event_id, 0) AS event_id,
			       coalesce(r.created_at, 0) AS created_at
			ORDER BY from, to
		`
		result, err := session.Run(ctx, query, map[string]interface{}{
			"project_id": projectID,
		})
		if err != nil {
			return fmt.Errorf("failed to list dependencies: %w", err)
		}

		for result.Next(ctx) {
			record := result.Record()
			from, _ := record.Get("from")
			to, _ := record.Get("to")
			eventID, _ := record.Get("event_id")
			createdAt, _ := record.Get("created_at")

			dep := Dependency{ProjectID: projectID}
			dep.From, _ = from.(string)
			dep.To, _ = to.(string)
			dep.EventID, _ = eventID.(int64)
			if ms, ok := createdAt.(int64); ok && ms > 0 {
				dep.CreatedAt = time.UnixMilli(ms).UTC()
			}
			deps = append(deps, dep)
		}

		if err = result.Err(); err != nil {
			return fmt.Errorf("error iterating results: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deps, nil
}

// LongestDependencyChain returns the number of edges on the project's longest
// dependency path.
func (c *Client) LongestDependencyChain(ctx context.Context, projectID string) (int, error) {
	deps, err := c.Dependencies(ctx, projectID)
	if err != nil {
		return 0, err
	}
	n := LongestChain(deps)

	logger.Debug("Dependency chain resolved",
		zap.String("project_id", projectID),
		zap.Int("edges", len(deps)),
		zap.Int("longest_chain", n),
	)
	return n, nil
}
