package models

// SearchResult is a dense (vector) search hit.
type SearchResult struct {
	Text       string   `json:"text"`
	Score      float64  `json:"score"`
	ChunkIndex int      `json:"chunk_index"`
	Metadata   Metadata `json:"metadata,omitempty"`
}

// SparseResult is a lexical (BM25) search hit.
type SparseResult struct {
	Text       string   `json:"text"`
	Score      float64  `json:"score"`
	ChunkIndex int      `json:"chunk_index"`
	Metadata   Metadata `json:"metadata,omitempty"`
}

// RankedResult is a fused hybrid-search hit. Score is the weighted RRF
// combination; VectorScore and SparseScore carry the raw sub-scores of
// whichever sides contributed.
type RankedResult struct {
	Text        string   `json:"text"`
	Score       float64  `json:"score"`
	VectorScore float64  `json:"vector_score"`
	SparseScore float64  `json:"sparse_score"`
	ChunkIndex  int      `json:"chunk_index"`
	Metadata    Metadata `json:"metadata,omitempty"`
}
