package db

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/thebtf/recall/pkg/models"
)

// InsertDocument records an ingested file. Re-ingesting the same id
// replaces the prior row.
func (s *Store) InsertDocument(ctx context.Context, doc *models.Document) error {
	meta := doc.Metadata
	if meta == nil {
		meta = models.Metadata{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal document metadata: %w", err)
	}

	_, err = s.ExecContext(ctx,
		`INSERT OR REPLACE INTO documents
		(id, collection, filename, file_type, chunk_count, token_count, ingested_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Collection, doc.Filename, doc.FileType,
		doc.ChunkCount, doc.TokenCount, now(), string(metaJSON),
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// GetDocument returns the document with the given id, or nil when absent.
func (s *Store) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	row := s.QueryRowContext(ctx,
		`SELECT id, collection, filename, file_type, chunk_count, token_count, ingested_at, metadata
		FROM documents WHERE id = ?`, id)

	var doc models.Document
	var metaJSON string
	err := row.Scan(&doc.ID, &doc.Collection, &doc.Filename, &doc.FileType,
		&doc.ChunkCount, &doc.TokenCount, &doc.IngestedAt, &metaJSON)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get document: %w", err)
	}

	if err := json.Unmarshal([]byte(metaJSON), &doc.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal document metadata: %w", err)
	}
	return &doc, nil
}

// ListDocuments returns the documents in a collection, most recent first.
func (s *Store) ListDocuments(ctx context.Context, collection string) ([]models.Document, error) {
	rows, err := s.QueryContext(ctx,
		`SELECT id, collection, filename, file_type, chunk_count, token_count, ingested_at, metadata
		FROM documents WHERE collection = ? ORDER BY ingested_at DESC`, collection)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []models.Document
	for rows.Next() {
		var doc models.Document
		var metaJSON string
		if err := rows.Scan(&doc.ID, &doc.Collection, &doc.Filename, &doc.FileType,
			&doc.ChunkCount, &doc.TokenCount, &doc.IngestedAt, &metaJSON); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		if err := json.Unmarshal([]byte(metaJSON), &doc.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal document metadata: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// Collections aggregates per-collection document counts, ordered by name.
func (s *Store) Collections(ctx context.Context) ([]models.CollectionInfo, error) {
	rows, err := s.QueryContext(ctx,
		`SELECT collection, COUNT(*) AS doc_count,
			COALESCE(SUM(chunk_count), 0) AS total_chunks,
			COALESCE(SUM(token_count), 0) AS total_tokens
		FROM documents
		GROUP BY collection
		ORDER BY collection`)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	defer rows.Close()

	var infos []models.CollectionInfo
	for rows.Next() {
		var info models.CollectionInfo
		if err := rows.Scan(&info.Collection, &info.DocCount, &info.TotalChunks, &info.TotalTokens); err != nil {
			return nil, fmt.Errorf("scan collection: %w", err)
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// DeleteCollectionDocs removes all document rows for a collection and
// returns how many were deleted.
func (s *Store) DeleteCollectionDocs(ctx context.Context, collection string) (int64, error) {
	res, err := s.ExecContext(ctx, "DELETE FROM documents WHERE collection = ?", collection)
	if err != nil {
		return 0, fmt.Errorf("delete collection documents: %w", err)
	}
	return res.RowsAffected()
}
