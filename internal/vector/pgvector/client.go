// Package pgvector provides a PostgreSQL+pgvector backend implementing the
// vector.Store interface. Selected with vector_backend=pgvector; each
// collection maps to its own table.
package pgvector

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	pgvec "github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/thebtf/recall/internal/vector"
)

// tablePrefix namespaces collection tables inside a shared database.
const tablePrefix = "rag_"

// pointRecord is the row shape for every collection table.
type pointRecord struct {
	ID        int64        `gorm:"primaryKey;column:id"`
	Embedding pgvec.Vector `gorm:"column:embedding"`
	Payload   string       `gorm:"column:payload;type:jsonb"`
}

// Client provides vector operations via PostgreSQL+pgvector.
type Client struct {
	db    *gorm.DB
	sqlDB *sql.DB
}

// NewClient opens a PostgreSQL connection and ensures the vector extension.
func NewClient(dsn string) (*Client, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}

	if err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		return nil, fmt.Errorf("create vector extension: %w", err)
	}

	log.Info().Msg("pgvector backend connected")
	return &Client{db: db, sqlDB: sqlDB}, nil
}

// EnsureCollection creates the collection table if missing.
func (c *Client) EnsureCollection(ctx context.Context, collection string, dims int) error {
	tbl := tableName(collection)
	createSQL := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (
			id BIGINT PRIMARY KEY,
			embedding vector(%d),
			payload JSONB NOT NULL DEFAULT '{}'
		)`, tbl, dims)
	if err := c.db.WithContext(ctx).Exec(createSQL).Error; err != nil {
		return fmt.Errorf("create collection table: %w", err)
	}
	return nil
}

// Upsert writes points with ON CONFLICT id replacement.
func (c *Client) Upsert(ctx context.Context, collection string, points []vector.Point) error {
	if len(points) == 0 {
		return nil
	}

	records := make([]pointRecord, 0, len(points))
	for _, p := range points {
		payload, err := json.Marshal(p.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		records = append(records, pointRecord{
			ID:        int64(p.ID),
			Embedding: pgvec.NewVector(p.Vector),
			Payload:   string(payload),
		})
	}

	return c.db.WithContext(ctx).
		Table(tableName(collection)).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"embedding", "payload"}),
		}).
		Create(&records).Error
}

// Search runs a cosine-distance query, converting distance to similarity.
func (c *Client) Search(ctx context.Context, collection string, queryVec []float32, limit int, filter map[string]any) ([]vector.Hit, error) {
	args := []any{pgvec.NewVector(queryVec)}
	argIdx := 2

	var whereClauses []string
	for key, value := range filter {
		whereClauses = append(whereClauses, fmt.Sprintf("payload->>'%s' = $%d", sanitize(key), argIdx))
		args = append(args, fmt.Sprintf("%v", value))
		argIdx++
	}
	args = append(args, limit)

	where := ""
	if len(whereClauses) > 0 {
		where = "WHERE " + strings.Join(whereClauses, " AND ")
	}

	sqlStr := fmt.Sprintf(
		`SELECT id, payload, embedding <=> $1 AS distance
		FROM %s
		%s
		ORDER BY distance
		LIMIT $%d`,
		tableName(collection), where, argIdx)

	rows, err := c.sqlDB.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query vectors: %w", err)
	}
	defer rows.Close()

	var hits []vector.Hit
	for rows.Next() {
		var (
			id       int64
			payload  []byte
			distance float64
		)
		if err := rows.Scan(&id, &payload, &distance); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		hits = append(hits, vector.Hit{
			ID:      uint64(id),
			Score:   vector.DistanceToSimilarity(distance),
			Payload: decodePayload(payload),
		})
	}
	return hits, rows.Err()
}

// Scroll returns up to limit points without scoring.
func (c *Client) Scroll(ctx context.Context, collection string, limit int) ([]vector.Hit, error) {
	sqlStr := fmt.Sprintf("SELECT id, payload FROM %s LIMIT $1", tableName(collection))
	rows, err := c.sqlDB.QueryContext(ctx, sqlStr, limit)
	if err != nil {
		return nil, fmt.Errorf("scroll vectors: %w", err)
	}
	defer rows.Close()

	var hits []vector.Hit
	for rows.Next() {
		var (
			id      int64
			payload []byte
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		hits = append(hits, vector.Hit{
			ID:      uint64(id),
			Payload: decodePayload(payload),
		})
	}
	return hits, rows.Err()
}

// Count returns the number of points, 0 when the table is missing.
func (c *Client) Count(ctx context.Context, collection string) (int64, error) {
	var count int64
	err := c.db.WithContext(ctx).Table(tableName(collection)).Count(&count).Error
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") {
			return 0, nil
		}
		return 0, fmt.Errorf("count vectors: %w", err)
	}
	return count, nil
}

// ListCollections returns collection names recovered from table names.
func (c *Client) ListCollections(ctx context.Context) ([]string, error) {
	rows, err := c.sqlDB.QueryContext(ctx,
		"SELECT tablename FROM pg_tables WHERE schemaname = 'public' AND tablename LIKE $1",
		tablePrefix+"%")
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var tbl string
		if err := rows.Scan(&tbl); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		names = append(names, strings.TrimPrefix(tbl, tablePrefix))
	}
	return names, rows.Err()
}

// DeleteCollection drops the collection table.
func (c *Client) DeleteCollection(ctx context.Context, collection string) error {
	dropSQL := fmt.Sprintf("DROP TABLE IF EXISTS %s", tableName(collection))
	if err := c.db.WithContext(ctx).Exec(dropSQL).Error; err != nil {
		return fmt.Errorf("drop collection table: %w", err)
	}
	log.Info().Str("collection", collection).Msg("Deleted vector collection")
	return nil
}

// Healthy reports whether the PostgreSQL connection is alive.
func (c *Client) Healthy(ctx context.Context) bool {
	return c.sqlDB.PingContext(ctx) == nil
}

// Close releases the underlying sql.DB connection.
func (c *Client) Close() error {
	return c.sqlDB.Close()
}

// tableName maps a collection to a safe, prefixed table identifier.
func tableName(collection string) string {
	return tablePrefix + sanitize(collection)
}

// sanitize lowercases and replaces anything outside [a-z0-9_] so collection
// names cannot inject SQL or produce invalid identifiers.
func sanitize(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func decodePayload(raw []byte) map[string]any {
	payload := make(map[string]any)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			log.Warn().Err(err).Msg("Malformed vector payload")
		}
	}
	return payload
}
