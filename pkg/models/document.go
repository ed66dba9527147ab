// Package models contains the domain entities shared across recall.
package models

// JobStatus tracks the lifecycle of an ingestion job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Metadata is the dynamic payload attached to chunks and vector points.
// Values are scalars for known keys; nested values are serialized as JSON
// at the storage boundary and treated opaquely.
type Metadata map[string]any

// Clone returns a shallow copy so callers can annotate without aliasing.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return Metadata{}
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// String returns the string value for key, or "" when absent or non-string.
func (m Metadata) String(key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// Int returns the integer value for key, tolerating the float64 that
// JSON round-trips produce. Returns def when absent.
func (m Metadata) Int(key string, def int) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// Chunk is one retrievable unit of an ingested document. Chunks are
// immutable once produced; identity is (doc_id, chunk_index).
type Chunk struct {
	Text       string   `json:"text"`
	ChunkIndex int      `json:"chunk_index"`
	TokenCount int      `json:"token_count"`
	Metadata   Metadata `json:"metadata,omitempty"`
}

// LoadedDocument is the raw text extracted from an uploaded file before
// chunking. Pages is populated only for page-oriented formats (PDF).
type LoadedDocument struct {
	Filename string   `json:"filename"`
	FileType string   `json:"file_type"`
	Text     string   `json:"text"`
	Metadata Metadata `json:"metadata,omitempty"`
	Pages    []string `json:"pages,omitempty"`
}

// Document is the persisted record of an ingested file.
type Document struct {
	ID         string   `json:"id"`
	Collection string   `json:"collection"`
	Filename   string   `json:"filename"`
	FileType   string   `json:"file_type"`
	ChunkCount int      `json:"chunk_count"`
	TokenCount int      `json:"token_count"`
	IngestedAt float64  `json:"ingested_at"`
	Metadata   Metadata `json:"metadata,omitempty"`
}

// IngestionJob tracks a background ingestion request.
type IngestionJob struct {
	ID             string    `json:"id"`
	Collection     string    `json:"collection"`
	Status         JobStatus `json:"status"`
	TotalFiles     int       `json:"total_files"`
	ProcessedFiles int       `json:"processed_files"`
	TotalChunks    int       `json:"total_chunks"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      float64   `json:"created_at"`
	CompletedAt    *float64  `json:"completed_at,omitempty"`
}

// CollectionInfo aggregates per-collection document statistics from the
// relational store, merged with the live vector count at the API boundary.
type CollectionInfo struct {
	Collection   string `json:"collection"`
	DocCount     int    `json:"doc_count"`
	TotalChunks  int    `json:"total_chunks"`
	TotalTokens  int    `json:"total_tokens"`
	VectorsCount int    `json:"vectors_count,omitempty"`
}
