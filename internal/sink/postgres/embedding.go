package postgres

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oakhealth/syncpipe/internal/sink"
	"github.com/oakhealth/syncpipe/pkg/domain"
)

// newEmbeddingStore probes for the pgvector extension and selects the
// matching EmbeddingStore implementation. Callers of sink.EmbeddingStore
// never observe which one is in effect.
func newEmbeddingStore(ctx context.Context, pool *pgxpool.Pool, dim int) (sink.EmbeddingStore, error) {
	var hasVector bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'vector')`).Scan(&hasVector)
	if err != nil {
		return nil, fmt.Errorf("probing pgvector extension: %w", err)
	}

	if hasVector {
		if _, err := pool.Exec(ctx, fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS embeddings (
				notification_id TEXT NOT NULL,
				model_version   TEXT NOT NULL,
				source_text     TEXT NOT NULL,
				vector          vector(%d) NOT NULL,
				created_at      TIMESTAMPTZ NOT NULL,
				PRIMARY KEY (notification_id, model_version)
			)
		`, dim)); err != nil {
			return nil, fmt.Errorf("migrate vector embeddings table: %w", err)
		}
		if _, err := pool.Exec(ctx, `
			CREATE INDEX IF NOT EXISTS idx_embeddings_ann
			ON embeddings USING ivfflat (vector vector_cosine_ops)
		`); err != nil {
			return nil, fmt.Errorf("create ann index: %w", err)
		}
		return &pgvectorStore{pool: pool, dim: dim}, nil
	}

	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS embeddings (
			notification_id TEXT NOT NULL,
			model_version   TEXT NOT NULL,
			source_text     TEXT NOT NULL,
			vector          BYTEA NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (notification_id, model_version)
		)
	`); err != nil {
		return nil, fmt.Errorf("migrate bytea embeddings table: %w", err)
	}
	return &byteaStore{pool: pool, dim: dim}, nil
}

// pgvectorStore stores embeddings in a native pgvector column, enabling
// server-side approximate nearest-neighbor search via ivfflat.
type pgvectorStore struct {
	pool *pgxpool.Pool
	dim  int
}

func (s *pgvectorStore) Put(ctx context.Context, emb domain.Embedding) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO embeddings (notification_id, model_version, source_text, vector, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (notification_id, model_version) DO UPDATE SET
			source_text = EXCLUDED.source_text, vector = EXCLUDED.vector, created_at = EXCLUDED.created_at
	`, emb.NotificationID, emb.ModelVersion, emb.SourceText, vectorLiteral(emb.Vector), emb.CreatedAt)
	if err != nil {
		return &domain.SinkConstraintError{RecordID: emb.NotificationID, Err: err}
	}
	return nil
}

func (s *pgvectorStore) Get(ctx context.Context, notificationID, modelVersion string) (*domain.Embedding, error) {
	var emb domain.Embedding
	var vecStr string
	err := s.pool.QueryRow(ctx, `
		SELECT notification_id, source_text, model_version, vector, created_at
		FROM embeddings WHERE notification_id = $1 AND model_version = $2
	`, notificationID, modelVersion).Scan(&emb.NotificationID, &emb.SourceText, &emb.ModelVersion, &vecStr, &emb.CreatedAt)
	if err != nil {
		return nil, err
	}
	emb.Vector, err = parseVectorLiteral(vecStr)
	if err != nil {
		return nil, err
	}
	return &emb, nil
}

func (s *pgvectorStore) ANNSearch(ctx context.Context, query []float32, modelVersion string, k int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT notification_id FROM embeddings
		WHERE model_version = $1
		ORDER BY vector <=> $2
		LIMIT $3
	`, modelVersion, vectorLiteral(query), k)
	if err != nil {
		return nil, &domain.SinkTransient{Err: err}
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// byteaStore stores embeddings as raw little-endian float32 bytes and
// performs nearest-neighbor search in application code, since the backend
// lacks a native vector type and its distance operators.
type byteaStore struct {
	pool *pgxpool.Pool
	dim  int
}

func (s *byteaStore) Put(ctx context.Context, emb domain.Embedding) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO embeddings (notification_id, model_version, source_text, vector, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (notification_id, model_version) DO UPDATE SET
			source_text = EXCLUDED.source_text, vector = EXCLUDED.vector, created_at = EXCLUDED.created_at
	`, emb.NotificationID, emb.ModelVersion, emb.SourceText, encodeVector(emb.Vector), emb.CreatedAt)
	if err != nil {
		return &domain.SinkConstraintError{RecordID: emb.NotificationID, Err: err}
	}
	return nil
}

func (s *byteaStore) Get(ctx context.Context, notificationID, modelVersion string) (*domain.Embedding, error) {
	var emb domain.Embedding
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT notification_id, source_text, model_version, vector, created_at
		FROM embeddings WHERE notification_id = $1 AND model_version = $2
	`, notificationID, modelVersion).Scan(&emb.NotificationID, &emb.SourceText, &emb.ModelVersion, &raw, &emb.CreatedAt)
	if err != nil {
		return nil, err
	}
	emb.Vector = decodeVector(raw)
	return &emb, nil
}

// ANNSearch scans every row for the model version and ranks by cosine
// similarity in process — acceptable at this table's scale, unlike
// pgvectorStore which pushes the search into the database.
func (s *byteaStore) ANNSearch(ctx context.Context, query []float32, modelVersion string, k int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT notification_id, vector FROM embeddings WHERE model_version = $1
	`, modelVersion)
	if err != nil {
		return nil, &domain.SinkTransient{Err: err}
	}
	defer rows.Close()

	type scored struct {
		id    string
		score float64
	}
	var candidates []scored
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		candidates = append(candidates, scored{id: id, score: cosineSimilarity(query, decodeVector(raw))})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if k > len(candidates) {
		k = len(candidates)
	}
	ids := make([]string, k)
	for i := 0; i < k; i++ {
		ids[i] = candidates[i].id
	}
	return ids, nil
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(raw []byte) []float32 {
	v := make([]float32, len(raw)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return v
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return -1
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return -1
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func vectorLiteral(v []float32) string {
	s := "["
	for i, f := range v {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprintf("%g", f)
	}
	return s + "]"
}

func parseVectorLiteral(s string) ([]float32, error) {
	var v []float32
	var cur float32
	var has bool
	start := 0
	trimmed := s
	if len(trimmed) >= 2 && trimmed[0] == '[' && trimmed[len(trimmed)-1] == ']' {
		trimmed = trimmed[1 : len(trimmed)-1]
	}
	for i := 0; i <= len(trimmed); i++ {
		if i == len(trimmed) || trimmed[i] == ',' {
			if has || i > start {
				if _, err := fmt.Sscanf(trimmed[start:i], "%g", &cur); err != nil {
					return nil, fmt.Errorf("parse vector literal: %w", err)
				}
				v = append(v, cur)
			}
			start = i + 1
			has = false
		} else {
			has = true
		}
	}
	return v, nil
}
