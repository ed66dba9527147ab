package server

import (
	"fmt"
	"io"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/recall/internal/ingest"
)

// multipartMemory is the in-memory threshold for parsing uploads; larger
// parts spill to temp files.
const multipartMemory = 32 << 20

type ingestResponse struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type jobStatusResponse struct {
	JobID          string `json:"job_id"`
	Status         string `json:"status"`
	TotalFiles     int    `json:"total_files"`
	ProcessedFiles int    `json:"processed_files"`
	TotalChunks    int    `json:"total_chunks"`
	Error          string `json:"error,omitempty"`
}

type collectionResponse struct {
	Name         string `json:"name"`
	DocCount     int    `json:"doc_count"`
	TotalChunks  int    `json:"total_chunks"`
	TotalTokens  int    `json:"total_tokens"`
	VectorsCount int    `json:"vectors_count"`
}

// handleIngest accepts a multipart upload and starts a background job.
// Validation failures are 400s with client-facing messages; an unreachable
// vector store is a 503 so the dashboard can tell the two apart.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		http.Error(w, "No files provided", http.StatusBadRequest)
		return
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			log.Warn().Err(err).Msg("Failed to clean multipart temp files")
		}
	}()

	collection := r.FormValue("collection")
	if collection == "" {
		collection = s.cfg.DefaultCollection
	}

	var uploads []ingest.Upload
	for _, header := range r.MultipartForm.File["files"] {
		f, err := header.Open()
		if err != nil {
			http.Error(w, fmt.Sprintf("read upload %q: %v", header.Filename, err), http.StatusBadRequest)
			return
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			http.Error(w, fmt.Sprintf("read upload %q: %v", header.Filename, err), http.StatusBadRequest)
			return
		}
		uploads = append(uploads, ingest.Upload{
			Filename: filepath.Base(header.Filename),
			Data:     data,
		})
	}

	if err := s.ingest.ValidateUploads(uploads); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Probe the vector store the way uploads will use it, so the failure
	// surfaces before any file is staged.
	if _, err := s.vectors.ListCollections(r.Context()); err != nil {
		http.Error(w, fmt.Sprintf(
			"Qdrant is not available at %s. Start Qdrant before uploading. (%v)",
			s.cfg.QdrantURL, err), http.StatusServiceUnavailable)
		return
	}

	jobID, err := s.ingest.StartJob(r.Context(), uploads, collection)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, ingestResponse{
		JobID:   jobID,
		Status:  "processing",
		Message: fmt.Sprintf("Ingesting %d file(s) into collection '%s'", len(uploads), collection),
	})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.ingest.Job(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if job == nil {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, jobStatusResponse{
		JobID:          job.ID,
		Status:         string(job.Status),
		TotalFiles:     job.TotalFiles,
		ProcessedFiles: job.ProcessedFiles,
		TotalChunks:    job.TotalChunks,
		Error:          job.Error,
	})
}

func (s *Server) handleListCollections(w http.ResponseWriter, r *http.Request) {
	infos, err := s.ingest.Collections(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]collectionResponse, 0, len(infos))
	for _, c := range infos {
		out = append(out, collectionResponse{
			Name:         c.Collection,
			DocCount:     c.DocCount,
			TotalChunks:  c.TotalChunks,
			TotalTokens:  c.TotalTokens,
			VectorsCount: c.VectorsCount,
		})
	}
	writeJSON(w, out)
}

func (s *Server) handleDeleteCollection(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.ingest.DeleteCollection(r.Context(), name); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "deleted", "collection": name})
}
