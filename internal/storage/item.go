package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// InsertKnowledgeItem writes an ingested content record. The embedding
// descriptor (model + version) is fixed at insert time.
func (s *Store) InsertKnowledgeItem(item KnowledgeItem) error {
	return insertKnowledgeItem(s.db, item)
}

// InsertKnowledgeItemTx is InsertKnowledgeItem inside an existing transaction.
func (s *Store) InsertKnowledgeItemTx(tx *sql.Tx, item KnowledgeItem) error {
	return insertKnowledgeItem(tx, item)
}

func insertKnowledgeItem(q querier, item KnowledgeItem) error {
	source := item.Source
	if source == "" {
		source = "{}"
	}
	contentType := item.ContentType
	if contentType == "" {
		contentType = "text"
	}
	createdAt := item.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := q.Exec(`
		INSERT INTO knowledge_items (id, project_id, content, content_type, source, embed_model, embed_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.ProjectID, item.Content, contentType, source,
		item.EmbedModel, item.EmbedVersion, createdAt.Format(time.RFC3339),
	)
	return err
}

// GetKnowledgeItem returns the item with the given id, scoped to projectID.
func (s *Store) GetKnowledgeItem(id, projectID string) (KnowledgeItem, error) {
	row := s.db.QueryRow(`
		SELECT id, project_id, content, content_type, source, embed_model, embed_version, created_at
		FROM knowledge_items WHERE id = ? AND project_id = ?`, id, projectID)
	return scanKnowledgeItem(row)
}

// ListKnowledgeItems returns the project's items, oldest first.
func (s *Store) ListKnowledgeItems(projectID string, limit int) ([]KnowledgeItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, project_id, content, content_type, source, embed_model, embed_version, created_at
		FROM knowledge_items WHERE project_id = ? ORDER BY created_at ASC LIMIT ?`,
		projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []KnowledgeItem
	for rows.Next() {
		item, err := scanKnowledgeItem(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, item)
	}
	return results, rows.Err()
}

// CountKnowledgeItems returns how many items the project holds.
func (s *Store) CountKnowledgeItems(projectID string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM knowledge_items WHERE project_id = ?`, projectID).Scan(&count)
	return count, err
}

// UpdateItemDescriptor rewrites the embedding descriptor after a
// re-embed. This is the single exception to descriptor immutability and
// is only called by the re-embed worker alongside the vector rewrite.
func (s *Store) UpdateItemDescriptor(id, projectID, model, version string) error {
	res, err := s.db.Exec(`
		UPDATE knowledge_items SET embed_model = ?, embed_version = ?
		WHERE id = ? AND project_id = ?`,
		model, version, id, projectID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanKnowledgeItem(row rowScanner) (KnowledgeItem, error) {
	var item KnowledgeItem
	var createdAt string
	err := row.Scan(&item.ID, &item.ProjectID, &item.Content, &item.ContentType,
		&item.Source, &item.EmbedModel, &item.EmbedVersion, &createdAt)
	if err == sql.ErrNoRows {
		return KnowledgeItem{}, ErrNotFound
	}
	if err != nil {
		return KnowledgeItem{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return KnowledgeItem{}, fmt.Errorf("parsing created_at: %w", err)
	}
	item.CreatedAt = t
	return item, nil
}
