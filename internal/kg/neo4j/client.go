package neo4j

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/medgraph/backend/internal/storage/models"
	"github.com/medgraph/backend/pkg/circuitbreaker"
	"github.com/medgraph/backend/pkg/config"
	"github.com/medgraph/backend/pkg/logger"
	"github.com/medgraph/backend/pkg/retry"
)

// Client wraps the Neo4j driver. Writes go through idempotent MERGE
// statements; reads only ever execute sanitizer-approved queries.
type Client struct {
	driver    neo4j.DriverWithContext
	database  string
	cb        *circuitbreaker.CircuitBreaker
	retryConf retry.Config
}

func NewClient(ctx context.Context, cfg config.Neo4jConfig) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(
		cfg.URI,
		neo4j.BasicAuth(cfg.Username, cfg.Password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	verifyCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := driver.VerifyConnectivity(verifyCtx); err != nil {
		return nil, fmt.Errorf("failed to verify neo4j connectivity: %w", err)
	}

	logger.Info("Neo4j client initialized", zap.String("uri", cfg.URI))

	return &Client{
		driver:   driver,
		database: cfg.Database,
		cb: circuitbreaker.NewCircuitBreaker("neo4j", circuitbreaker.Config{
			MaxRequests:      5,
			Interval:         time.Minute,
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Logger:           logger.GetLogger(),
		}),
		retryConf: retry.Config{
			MaxAttempts:    3,
			InitialDelay:   200 * time.Millisecond,
			MaxDelay:       2 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.1,
			Logger:         logger.GetLogger(),
		},
	}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

// UpsertEntity merges a node keyed by (label, name). Re-upserting the same
// entity refreshes updated_at and properties without duplicating the node.
func (c *Client) UpsertEntity(ctx context.Context, entity *models.GraphEntity) error {
	props := entityProps(entity)

	query := fmt.Sprintf(`
		MERGE (n:%s {name: $name})
		ON CREATE SET n.created_at = datetime(), n.updated_at = datetime()
		ON MATCH SET n.updated_at = datetime()
		SET n += $props
	`, string(entity.Kind))

	params := map[string]any{
		"name":  entity.Name,
		"props": props,
	}

	return c.write(ctx, query, params)
}

// UpsertRelationship merges a directed edge deduplicated by (subject,
// predicate, object).
func (c *Client) UpsertRelationship(ctx context.Context, rel *models.Relationship) error {
	query := fmt.Sprintf(`
		MATCH (a:%s {name: $subject})
		MATCH (b:%s {name: $object})
		MERGE (a)-[r:%s]->(b)
		ON CREATE SET r.created_at = datetime(), r.updated_at = datetime(), r.source = $source
		ON MATCH SET r.updated_at = datetime()
	`, string(rel.SubjectKind), string(rel.ObjectKind), string(rel.Predicate))

	params := map[string]any{
		"subject": rel.SubjectName,
		"object":  rel.ObjectName,
		"source":  rel.Source,
	}

	return c.write(ctx, query, params)
}

func (c *Client) write(ctx context.Context, query string, params map[string]any) error {
	return c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConf, func() error {
			session := c.driver.NewSession(ctx, neo4j.SessionConfig{
				DatabaseName: c.database,
				AccessMode:   neo4j.AccessModeWrite,
			})
			defer session.Close(ctx)

			_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
				_, err := tx.Run(ctx, query, params)
				return nil, err
			})
			if err != nil {
				return fmt.Errorf("graph write failed: %w", err)
			}
			return nil
		})
	})
}

// ExecuteRead runs a sanitizer-approved query in a read session and
// returns the records as maps. The read access mode is a second line of
// defense behind the sanitizer.
func (c *Client) ExecuteRead(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	var records []map[string]any

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConf, func() error {
			session := c.driver.NewSession(ctx, neo4j.SessionConfig{
				DatabaseName: c.database,
				AccessMode:   neo4j.AccessModeRead,
			})
			defer session.Close(ctx)

			result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
				res, err := tx.Run(ctx, query, params)
				if err != nil {
					return nil, err
				}

				var rows []map[string]any
				for res.Next(ctx) {
					rec := res.Record()
					row := make(map[string]any, len(rec.Keys))
					for _, key := range rec.Keys {
						value, _ := rec.Get(key)
						row[key] = flattenValue(value)
					}
					rows = append(rows, row)
				}
				return rows, res.Err()
			})
			if err != nil {
				return fmt.Errorf("graph read failed: %w", err)
			}

			records = result.([]map[string]any)
			return nil
		})
	})

	if err != nil {
		return nil, err
	}

	return records, nil
}

// EnsureConstraints creates the uniqueness constraints backing the MERGE
// keys. Safe to call on every startup.
func (c *Client) EnsureConstraints(ctx context.Context) error {
	for _, kind := range models.KnownEntityKinds() {
		query := fmt.Sprintf(
			"CREATE CONSTRAINT IF NOT EXISTS FOR (n:%s) REQUIRE n.name IS UNIQUE",
			string(kind),
		)
		if err := c.write(ctx, query, nil); err != nil {
			return fmt.Errorf("failed to ensure constraint for %s: %w", kind, err)
		}
	}

	logger.Info("Graph constraints verified")

	return nil
}

// VerifyConstraints reports entity labels missing a uniqueness constraint.
// The maintenance sweep uses it for drift alerts.
func (c *Client) VerifyConstraints(ctx context.Context) ([]string, error) {
	rows, err := c.ExecuteRead(ctx, "SHOW CONSTRAINTS YIELD labelsOrTypes RETURN labelsOrTypes", nil)
	if err != nil {
		return nil, err
	}

	present := make(map[string]bool)
	for _, row := range rows {
		if labels, ok := row["labelsOrTypes"].([]any); ok {
			for _, l := range labels {
				if s, ok := l.(string); ok {
					present[s] = true
				}
			}
		}
	}

	var missing []string
	for _, kind := range models.KnownEntityKinds() {
		if !present[string(kind)] {
			missing = append(missing, string(kind))
		}
	}

	return missing, nil
}

// staleNodeQuery deletes entity nodes of every known kind whose updated_at
// predates the cutoff. Built from the kind list so a new entity kind is
// swept without touching this code.
func staleNodeQuery() string {
	labels := make([]string, 0, len(models.KnownEntityKinds()))
	for _, kind := range models.KnownEntityKinds() {
		labels = append(labels, "n:"+string(kind))
	}
	return fmt.Sprintf(`
		MATCH (n)
		WHERE (%s) AND n.updated_at < datetime($cutoff)
		DETACH DELETE n
		RETURN count(n) AS deleted
	`, strings.Join(labels, " OR "))
}

// DeleteStaleNodes removes graph entities older than the cutoff across all
// entity kinds. Audit records live in sqlite and are never touched here.
func (c *Client) DeleteStaleNodes(ctx context.Context, cutoff time.Time) (int, error) {
	var deleted int

	err := c.cb.Execute(ctx, func() error {
		session := c.driver.NewSession(ctx, neo4j.SessionConfig{
			DatabaseName: c.database,
			AccessMode:   neo4j.AccessModeWrite,
		})
		defer session.Close(ctx)

		result, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			res, err := tx.Run(ctx, staleNodeQuery(),
				map[string]any{"cutoff": cutoff.UTC().Format(time.RFC3339)})
			if err != nil {
				return 0, err
			}
			record, err := res.Single(ctx)
			if err != nil {
				return 0, err
			}
			count, _ := record.Get("deleted")
			n, _ := count.(int64)
			return int(n), nil
		})
		if err != nil {
			return fmt.Errorf("graph retention sweep failed: %w", err)
		}

		deleted = result.(int)
		return nil
	})

	if err != nil {
		return 0, err
	}

	return deleted, nil
}

func entityProps(entity *models.GraphEntity) map[string]any {
	props := map[string]any{"source": entity.Source}

	switch {
	case entity.Gene != nil:
		props["symbol"] = entity.Gene.Symbol
		props["organism"] = entity.Gene.Organism
		props["function"] = entity.Gene.Function
	case entity.Drug != nil:
		props["generic_name"] = entity.Drug.GenericName
		props["drug_class"] = entity.Drug.DrugClass
		props["mechanism"] = entity.Drug.Mechanism
	case entity.Condition != nil:
		props["icd10_code"] = entity.Condition.ICD10Code
		props["category"] = entity.Condition.Category
	case entity.MedicalRecord != nil:
		props["record_type"] = entity.MedicalRecord.RecordType
		props["summary"] = entity.MedicalRecord.Summary
	}

	return props
}

func flattenValue(value any) any {
	switch v := value.(type) {
	case neo4j.Node:
		props := make(map[string]any, len(v.Props)+1)
		for k, p := range v.Props {
			props[k] = p
		}
		props["_labels"] = v.Labels
		return props
	case neo4j.Relationship:
		props := make(map[string]any, len(v.Props)+1)
		for k, p := range v.Props {
			props[k] = p
		}
		props["_type"] = v.Type
		return props
	default:
		return value
	}
}
