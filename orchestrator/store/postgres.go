package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/itskum47/InsightForge/orchestrator/tenant"
)

// candidateLimit bounds the similarity candidate set per query. Candidates
// are newest-first; older embeddings age out of retrieval naturally.
const candidateLimit = 500

// PostgresRepository implements Repository on a PostgreSQL pool. Every
// tenant-partitioned query filters by tenant_id in SQL; the bound scope is
// checked before any row is read.
type PostgresRepository struct {
	pool         *pgxpool.Pool
	modelVersion string
}

func NewPostgresRepository(ctx context.Context, connString, modelVersion string) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &PostgresRepository{pool: pool, modelVersion: modelVersion}, nil
}

func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

func (r *PostgresRepository) Membership(ctx context.Context, userID, tenantID string) (*tenant.Membership, error) {
	query := `
		SELECT user_id, tenant_id, role, accepted_at
		FROM memberships
		WHERE user_id = $1 AND tenant_id = $2`

	var m tenant.Membership
	err := r.pool.QueryRow(ctx, query, userID, tenantID).Scan(&m.UserID, &m.TenantID, &m.Role, &m.AcceptedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *PostgresRepository) TopKSimilar(ctx context.Context, embedding []float32, k int, minSimilarity float64) ([]Document, []Citation, error) {
	scope, err := requireScope(ctx)
	if err != nil {
		return nil, nil, err
	}

	// Tenant filter is applied server-side; the candidate set can only ever
	// contain the scope's tenant.
	query := `
		SELECT record_id, tenant_id, property_id, record_date, content, vector, raw_values
		FROM embedding_records
		WHERE tenant_id = $1 AND model_version = $2
		ORDER BY created_at DESC
		LIMIT $3`

	rows, err := r.pool.Query(ctx, query, scope.TenantID, r.modelVersion, candidateLimit)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	type scored struct {
		doc Document
		cit Citation
	}
	var candidates []scored
	for rows.Next() {
		var (
			rec      EmbeddingRecord
			rawBytes []byte
		)
		if err := rows.Scan(&rec.RecordID, &rec.TenantID, &rec.PropertyID, &rec.RecordDate, &rec.Content, &rec.Vector, &rawBytes); err != nil {
			return nil, nil, err
		}
		if rec.TenantID != scope.TenantID {
			return nil, nil, fmt.Errorf("store: cross-tenant row %s leaked into scope %s", rec.TenantID, scope.TenantID)
		}
		if len(rawBytes) > 0 {
			_ = json.Unmarshal(rawBytes, &rec.RawValues)
		}
		sim := cosineSimilarity(embedding, rec.Vector)
		if sim < minSimilarity {
			continue
		}
		candidates = append(candidates, scored{
			doc: Document{RecordID: rec.RecordID, TenantID: rec.TenantID, Content: rec.Content, Similarity: sim},
			cit: Citation{SourceRecordID: rec.RecordID, PropertyID: rec.PropertyID, RecordDate: rec.RecordDate, RawValues: rec.RawValues, SimilarityScore: sim},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].doc.Similarity > candidates[j].doc.Similarity })
	if len(candidates) > k {
		candidates = candidates[:k]
	}

	docs := make([]Document, 0, len(candidates))
	cits := make([]Citation, 0, len(candidates))
	for _, c := range candidates {
		docs = append(docs, c.doc)
		cits = append(cits, c.cit)
	}
	return docs, cits, nil
}

func (r *PostgresRepository) InsertMetricRecords(ctx context.Context, records []MetricRecord) error {
	scope, err := requireScope(ctx)
	if err != nil {
		return err
	}

	// One transaction per write unit; the session cannot leak past it.
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO metric_records (record_id, tenant_id, property_id, record_date, raw_values, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (record_id) DO NOTHING`

	for _, rec := range records {
		if rec.TenantID == "" {
			rec.TenantID = scope.TenantID
		}
		if rec.TenantID != scope.TenantID {
			return fmt.Errorf("store: record tenant %s does not match scope %s", rec.TenantID, scope.TenantID)
		}
		raw, err := json.Marshal(rec.RawValues)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, query, rec.RecordID, rec.TenantID, rec.PropertyID, rec.RecordDate, raw); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (r *PostgresRepository) InsertEmbedding(ctx context.Context, rec *EmbeddingRecord) error {
	scope, err := requireScope(ctx)
	if err != nil {
		return err
	}
	if rec.TenantID == "" {
		rec.TenantID = scope.TenantID
	}
	if rec.TenantID != scope.TenantID {
		return fmt.Errorf("store: embedding tenant %s does not match scope %s", rec.TenantID, scope.TenantID)
	}
	if rec.ModelVersion == "" {
		rec.ModelVersion = r.modelVersion
	}

	raw, err := json.Marshal(rec.RawValues)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO embedding_records (record_id, tenant_id, property_id, record_date, content, vector, model_version, raw_values, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (record_id) DO UPDATE SET
			content = EXCLUDED.content,
			vector = EXCLUDED.vector,
			model_version = EXCLUDED.model_version,
			raw_values = EXCLUDED.raw_values`

	_, err = r.pool.Exec(ctx, query, rec.RecordID, rec.TenantID, rec.PropertyID, rec.RecordDate, rec.Content, rec.Vector, rec.ModelVersion, raw)
	return err
}

func (r *PostgresRepository) LookupCachedReport(ctx context.Context, query, tenantID, propertyID string) (*Report, error) {
	sql := `
		SELECT report
		FROM cached_reports
		WHERE tenant_id = $1 AND property_id = $2 AND query_hash = $3
		  AND created_at > NOW() - INTERVAL '15 minutes'`

	var raw []byte
	err := r.pool.QueryRow(ctx, sql, tenantID, propertyID, hashQuery(query)).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var report Report
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (r *PostgresRepository) StoreCachedReport(ctx context.Context, query, tenantID, propertyID string, report *Report) error {
	raw, err := json.Marshal(report)
	if err != nil {
		return err
	}
	sql := `
		INSERT INTO cached_reports (tenant_id, property_id, query_hash, report, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (tenant_id, property_id, query_hash) DO UPDATE SET
			report = EXCLUDED.report,
			created_at = NOW()`

	_, err = r.pool.Exec(ctx, sql, tenantID, propertyID, hashQuery(query), raw)
	return err
}
