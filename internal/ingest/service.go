package ingest

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/recall/internal/chunk"
	"github.com/thebtf/recall/internal/config"
	"github.com/thebtf/recall/internal/db"
	"github.com/thebtf/recall/internal/search"
	"github.com/thebtf/recall/internal/vector"
	"github.com/thebtf/recall/pkg/models"
)

// upsertBatchSize bounds one vector upsert request.
const upsertBatchSize = 100

// Embedder produces the dense vectors for chunk storage.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// Upload is one file accepted for ingestion.
type Upload struct {
	Filename string
	Data     []byte
}

type stagedFile struct {
	path     string
	filename string
}

// Service stages uploads, runs background ingestion jobs, and owns
// collection lifecycle operations that span the vector store, the sparse
// index, and the document table.
type Service struct {
	store    *db.Store
	vectors  vector.Store
	embedder Embedder
	indexes  *search.IndexManager
	cfg      *config.Config
}

func NewService(store *db.Store, vectors vector.Store, embedder Embedder, indexes *search.IndexManager, cfg *config.Config) *Service {
	return &Service{store: store, vectors: vectors, embedder: embedder, indexes: indexes, cfg: cfg}
}

// ValidateUploads enforces the upload count, extension, and size limits.
// The error text is served to clients verbatim.
func (s *Service) ValidateUploads(uploads []Upload) error {
	if len(uploads) == 0 {
		return fmt.Errorf("No files provided")
	}
	if len(uploads) > s.cfg.MaxFilesPerUpload {
		return fmt.Errorf("Too many files. Maximum %d files per upload, got %d.", s.cfg.MaxFilesPerUpload, len(uploads))
	}

	maxBytes := s.cfg.MaxFileSizeMB * 1024 * 1024
	for _, u := range uploads {
		if u.Filename != "" && !IsSupported(u.Filename) {
			ext := filepath.Ext(u.Filename)
			return fmt.Errorf("Unsupported file type: %s. Supported: %s",
				ext, joinExtensions(SupportedExtensions()))
		}
		if len(u.Data) > maxBytes {
			return fmt.Errorf("File '%s' exceeds %dMB limit.", u.Filename, s.cfg.MaxFileSizeMB)
		}
	}
	return nil
}

func joinExtensions(exts []string) string {
	out := ""
	for i, e := range exts {
		if i > 0 {
			out += ", "
		}
		out += e
	}
	return out
}

// StartJob stages the uploads, records the job, and processes it in the
// background. The returned job id is pollable immediately.
func (s *Service) StartJob(ctx context.Context, uploads []Upload, collection string) (string, error) {
	jobID := uuid.NewString()

	if err := os.MkdirAll(s.cfg.UploadDir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}

	staged := make([]stagedFile, 0, len(uploads))
	for _, u := range uploads {
		if u.Filename == "" {
			continue
		}
		name := filepath.Base(u.Filename)
		path := filepath.Join(s.cfg.UploadDir, jobID+"_"+name)
		if err := os.WriteFile(path, u.Data, 0o644); err != nil {
			removeStaged(staged)
			return "", fmt.Errorf("stage %s: %w", name, err)
		}
		staged = append(staged, stagedFile{path: path, filename: name})
	}

	if err := s.store.InsertJob(ctx, jobID, collection, len(uploads)); err != nil {
		removeStaged(staged)
		return "", fmt.Errorf("record job: %w", err)
	}

	// The job outlives the request.
	go s.process(context.Background(), jobID, staged, collection)

	return jobID, nil
}

func removeStaged(staged []stagedFile) {
	for _, f := range staged {
		_ = os.Remove(f.path)
	}
}

func (s *Service) process(ctx context.Context, jobID string, files []stagedFile, collection string) {
	if err := s.runJob(ctx, jobID, files, collection); err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("Ingestion job failed")
		status := models.JobFailed
		msg := err.Error()
		if uerr := s.store.UpdateJob(ctx, jobID, db.JobUpdate{Status: &status, Error: &msg}); uerr != nil {
			log.Error().Err(uerr).Str("job_id", jobID).Msg("Failed to mark job failed")
		}
	}
}

func (s *Service) runJob(ctx context.Context, jobID string, files []stagedFile, collection string) error {
	if err := s.vectors.EnsureCollection(ctx, collection, s.embedder.Dimensions()); err != nil {
		return fmt.Errorf("ensure collection %s: %w", collection, err)
	}

	totalChunks := 0
	for i, f := range files {
		n, err := s.ingestFile(ctx, f.path, f.filename, collection)
		if rmErr := os.Remove(f.path); rmErr != nil && !os.IsNotExist(rmErr) {
			log.Warn().Err(rmErr).Str("file", f.filename).Msg("Failed to remove staged file")
		}
		if err != nil {
			log.Error().Err(err).Str("file", f.filename).Str("job_id", jobID).Msg("Failed to process file")
			continue
		}

		totalChunks += n
		processed := i + 1
		if err := s.store.UpdateJob(ctx, jobID, db.JobUpdate{ProcessedFiles: &processed, TotalChunks: &totalChunks}); err != nil {
			log.Warn().Err(err).Str("job_id", jobID).Msg("Failed to update job progress")
		}
	}

	status := models.JobCompleted
	processed := len(files)
	if err := s.store.UpdateJob(ctx, jobID, db.JobUpdate{Status: &status, ProcessedFiles: &processed, TotalChunks: &totalChunks}); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}

	log.Info().Str("job_id", jobID).Str("collection", collection).
		Int("files", len(files)).Int("chunks", totalChunks).Msg("Ingestion job completed")
	return nil
}

// ingestFile loads, chunks, embeds, stores, and indexes one staged upload,
// returning the number of chunks produced. filename is the upload's own
// name; the staged path carries the job id prefix.
func (s *Service) ingestFile(ctx context.Context, path, filename, collection string) (int, error) {
	doc, err := Load(path)
	if err != nil {
		return 0, err
	}
	doc.Filename = filename

	docID := uuid.NewString()
	sourceMeta := models.Metadata{
		"source":    filename,
		"file_type": doc.FileType,
		"doc_id":    docID,
	}

	var chunks []models.Chunk
	if len(doc.Pages) > 0 {
		chunks, err = chunk.Pages(doc.Pages, s.cfg.ChunkingStrategy, s.cfg.ChunkSize, s.cfg.ChunkOverlap, sourceMeta)
	} else {
		chunks, err = chunk.Text(doc.Text, s.cfg.ChunkingStrategy, s.cfg.ChunkSize, s.cfg.ChunkOverlap, sourceMeta)
	}
	if err != nil {
		return 0, err
	}
	if len(chunks) == 0 {
		return 0, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed %d chunks: %w", len(chunks), err)
	}

	if err := s.storeChunks(ctx, chunks, vectors, collection, docID); err != nil {
		return 0, err
	}

	metas := make([]models.Metadata, len(chunks))
	for i, c := range chunks {
		metas[i] = c.Metadata
	}
	if err := s.indexes.Add(collection, texts, metas); err != nil {
		return 0, fmt.Errorf("index chunks: %w", err)
	}

	tokenCount := 0
	for _, c := range chunks {
		tokenCount += c.TokenCount
	}
	if err := s.store.InsertDocument(ctx, &models.Document{
		ID:         docID,
		Collection: collection,
		Filename:   filename,
		FileType:   doc.FileType,
		ChunkCount: len(chunks),
		TokenCount: tokenCount,
		Metadata:   doc.Metadata,
	}); err != nil {
		return 0, fmt.Errorf("record document: %w", err)
	}

	return len(chunks), nil
}

// storeChunks upserts chunk points in batches. Point ids derive from
// (doc_id, chunk_index) so re-ingesting a document overwrites its points.
func (s *Service) storeChunks(ctx context.Context, chunks []models.Chunk, vectors_ [][]float32, collection, docID string) error {
	if len(vectors_) != len(chunks) {
		return fmt.Errorf("embedding count %d does not match chunk count %d", len(vectors_), len(chunks))
	}

	points := make([]vector.Point, len(chunks))
	for i, c := range chunks {
		payload := models.Metadata{
			"text":        c.Text,
			"doc_id":      docID,
			"chunk_index": c.ChunkIndex,
			"token_count": c.TokenCount,
		}
		for k, v := range c.Metadata {
			if k == "text" {
				continue
			}
			payload[k] = v
		}
		points[i] = vector.Point{
			ID:      chunkPointID(docID, c.ChunkIndex),
			Vector:  vectors_[i],
			Payload: payload,
		}
	}

	for start := 0; start < len(points); start += upsertBatchSize {
		end := min(start+upsertBatchSize, len(points))
		if err := s.vectors.Upsert(ctx, collection, points[start:end]); err != nil {
			return fmt.Errorf("upsert points %d-%d: %w", start, end, err)
		}
	}
	return nil
}

// chunkPointID derives the stable 63-bit vector id for a chunk.
func chunkPointID(docID string, chunkIndex int) uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s_%d", docID, chunkIndex)
	return h.Sum64() & math.MaxInt64
}

// IngestText ingests raw text directly as one document, bypassing staging.
// Used by the MCP surface and tests; always chunks recursively.
func (s *Service) IngestText(ctx context.Context, text, sourceName, collection string) (*models.Document, error) {
	if err := s.vectors.EnsureCollection(ctx, collection, s.embedder.Dimensions()); err != nil {
		return nil, fmt.Errorf("ensure collection %s: %w", collection, err)
	}

	docID := uuid.NewString()
	sourceMeta := models.Metadata{
		"source":    sourceName,
		"file_type": "text",
		"doc_id":    docID,
	}
	chunks, err := chunk.Text(text, chunk.StrategyRecursive, s.cfg.ChunkSize, s.cfg.ChunkOverlap, sourceMeta)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("no chunks produced from text")
	}

	texts := make([]string, len(chunks))
	metas := make([]models.Metadata, len(chunks))
	tokenCount := 0
	for i, c := range chunks {
		texts[i] = c.Text
		metas[i] = c.Metadata
		tokenCount += c.TokenCount
	}

	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed %d chunks: %w", len(chunks), err)
	}
	if err := s.storeChunks(ctx, chunks, vectors, collection, docID); err != nil {
		return nil, err
	}
	if err := s.indexes.Add(collection, texts, metas); err != nil {
		return nil, fmt.Errorf("index chunks: %w", err)
	}

	doc := &models.Document{
		ID:         docID,
		Collection: collection,
		Filename:   sourceName,
		FileType:   "text",
		ChunkCount: len(chunks),
		TokenCount: tokenCount,
		Metadata:   models.Metadata{"source": sourceName},
	}
	if err := s.store.InsertDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("record document: %w", err)
	}
	return doc, nil
}

// Collections merges relational aggregates with live vector counts.
func (s *Service) Collections(ctx context.Context) ([]models.CollectionInfo, error) {
	cols, err := s.store.Collections(ctx)
	if err != nil {
		return nil, err
	}
	for i := range cols {
		count, err := s.vectors.Count(ctx, cols[i].Collection)
		if err != nil {
			log.Warn().Err(err).Str("collection", cols[i].Collection).Msg("Failed to count vectors")
			continue
		}
		cols[i].VectorsCount = int(count)
	}
	return cols, nil
}

/// DeleteCollection drops everything known about a collection: its vector
// collection (best-effort), its document rows, and its sparse index.
func (s *Service) DeleteCollection(ctx context.Context, name string) error {
	if err := s.vectors.DeleteCollection(ctx, name); err != nil {
		log.Warn().Err(err).Str("collection", name).Msg("Failed to drop vector collection")
	}
	if _, err := s.store.DeleteCollectionDocs(ctx, name); err != nil {
		return fmt.Errorf("delete documents: %w", err)
	}
	if err := s.indexes.Delete(name); err != nil {
		return fmt.Errorf("delete sparse index: %w", err)
	}
	return nil
}

// Job returns the stored job row, nil when unknown.
func (s *Service) Job(ctx context.Context, jobID string) (*models.IngestionJob, error) {
	return s.store.GetJob(ctx, jobID)
}
