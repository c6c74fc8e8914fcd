// Package semindex stores embedding vectors partitioned by project and
// answers nearest-neighbor queries with brute-force cosine similarity.
// At the target scale (tens of thousands of items per project) a full
// scan with a SIMD distance kernel stays comfortably under the latency
// budget; an ANN index can replace this behind the same surface later.
package semindex

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/loomworks/loomkb/internal/embedding"
)

// DefaultK is the result count used when a caller passes k <= 0.
const DefaultK = 10

// Record is one stored vector, keyed by (project_id, item_id).
type Record struct {
	ItemID     string
	ProjectID  string
	Embedding  []float32
	Descriptor embedding.Descriptor
	CreatedAt  time.Time
}

// Match is one similarity hit.
type Match struct {
	ItemID    string
	Score     float32
	CreatedAt time.Time
}

// Index provides vector storage over the shared SQLite database. All
// reads and writes are scoped by project; nothing ever crosses that
// boundary.
type Index struct {
	db *sql.DB
}

// New wraps an existing *sql.DB for vector operations. The item_vectors
// table must already exist (created via storage migrations).
func New(db *sql.DB) *Index {
	return &Index{db: db}
}

// Upsert inserts or replaces the vector for an item.
func (ix *Index) Upsert(rec Record) error {
	return upsert(ix.db, rec)
}

// UpsertTx is Upsert inside an existing transaction (the ingestion
// pipeline commits the vector together with the item and its facts).
func (ix *Index) UpsertTx(tx *sql.Tx, rec Record) error {
	return upsert(tx, rec)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func upsert(q execer, rec Record) error {
	if rec.ProjectID == "" {
		return fmt.Errorf("upserting vector %s: missing project id", rec.ItemID)
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := q.Exec(`
		INSERT INTO item_vectors (item_id, project_id, embedding, embed_model, embed_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(item_id) DO UPDATE SET
			embedding = excluded.embedding,
			embed_model = excluded.embed_model,
			embed_version = excluded.embed_version`,
		rec.ItemID, rec.ProjectID, encodeFloat32s(rec.Embedding),
		rec.Descriptor.Model, rec.Descriptor.Version,
		createdAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting vector %s: %w", rec.ItemID, err)
	}
	return nil
}

// Search returns the top-K most similar vectors in the project, ordered
// by similarity descending with ties broken by earliest created_at.
// k <= 0 falls back to DefaultK.
func (ix *Index) Search(projectID string, vector []float32, k int) ([]Match, error) {
	if k <= 0 {
		k = DefaultK
	}

	// Scan only id + embedding + created_at; candidate set stays small.
	rows, err := ix.db.Query(`
		SELECT item_id, embedding, created_at FROM item_vectors WHERE project_id = ?`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	if magnitude(vector) == 0 {
		return nil, nil
	}

	h := newMatchHeap(k)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id, createdAt string
		var blob []byte
		if err := rows.Scan(&id, &blob, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at for %s: %w", id, err)
		}

		score := cosineSimilarity(vector, buf)
		h.offer(Match{ItemID: id, Score: score, CreatedAt: t})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	return h.sorted(), nil
}

// Count returns the number of vectors stored for the project.
func (ix *Index) Count(projectID string) (int, error) {
	var count int
	err := ix.db.QueryRow(`SELECT COUNT(*) FROM item_vectors WHERE project_id = ?`, projectID).Scan(&count)
	return count, err
}

// Descriptors returns the distinct embedding descriptors present in the
// project. More than one, or one differing from the active provider,
// means the vector space is mixed and retrieval must refuse to compare.
func (ix *Index) Descriptors(projectID string) ([]embedding.Descriptor, error) {
	rows, err := ix.db.Query(`
		SELECT DISTINCT embed_model, embed_version FROM item_vectors WHERE project_id = ?`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("querying descriptors: %w", err)
	}
	defer rows.Close()

	var out []embedding.Descriptor
	for rows.Next() {
		var d embedding.Descriptor
		if err := rows.Scan(&d.Model, &d.Version); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Get returns the stored record for one item.
func (ix *Index) Get(itemID, projectID string) (Record, error) {
	var rec Record
	var blob []byte
	var createdAt string
	err := ix.db.QueryRow(`
		SELECT item_id, project_id, embedding, embed_model, embed_version, created_at
		FROM item_vectors WHERE item_id = ? AND project_id = ?`,
		itemID, projectID,
	).Scan(&rec.ItemID, &rec.ProjectID, &blob, &rec.Descriptor.Model, &rec.Descriptor.Version, &createdAt)
	if err == sql.ErrNoRows {
		return Record{}, fmt.Errorf("vector %s: not found", itemID)
	}
	if err != nil {
		return Record{}, err
	}
	rec.Embedding, err = decodeFloat32s(blob)
	if err != nil {
		return Record{}, fmt.Errorf("decoding embedding for %s: %w", itemID, err)
	}
	rec.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Record{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return rec, nil
}
