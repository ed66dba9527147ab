package search

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/gofrs/flock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/thebtf/recall/pkg/models"
)

// maxLoadedIndices bounds how many collection indices stay in memory.
const maxLoadedIndices = 32

// indexFile is the on-disk JSON shape, one file per collection.
type indexFile struct {
	CollectionName string            `json:"collection_name"`
	Documents      []string          `json:"documents"`
	MetadataList   []models.Metadata `json:"metadata_list"`
}

// Index is the in-memory sparse index for one collection: the ordered
// document texts, their metadata, and a BM25 model rebuilt on append.
type Index struct {
	collection string
	documents  []string
	metadata   []models.Metadata
	bm25       *BM25
	mu         sync.RWMutex
}

func newIndex(collection string) *Index {
	return &Index{
		collection: collection,
		bm25:       NewBM25(nil),
	}
}

// Add appends documents and rebuilds the BM25 model.
func (idx *Index) Add(texts []string, metas []models.Metadata) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for i, text := range texts {
		idx.documents = append(idx.documents, text)
		var meta models.Metadata
		if i < len(metas) {
			meta = metas[i].Clone()
		} else {
			meta = models.Metadata{}
		}
		idx.metadata = append(idx.metadata, meta)
	}
	idx.rebuildLocked()
}

func (idx *Index) rebuildLocked() {
	corpus := make([][]string, len(idx.documents))
	for i, doc := range idx.documents {
		corpus[i] = Tokenize(doc)
	}
	idx.bm25 = NewBM25(corpus)
}

// Search scores every document against the query, drops non-positive
// scores, and returns the top k descending.
func (idx *Index) Search(query string, k int) []models.SparseResult {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(idx.documents) == 0 {
		return []models.SparseResult{}
	}

	scores := idx.bm25.Scores(Tokenize(query))

	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})

	results := make([]models.SparseResult, 0, k)
	for _, i := range order {
		if len(results) >= k {
			break
		}
		if scores[i] <= 0 {
			break
		}
		meta := idx.metadata[i]
		results = append(results, models.SparseResult{
			Text:       idx.documents[i],
			Score:      scores[i],
			ChunkIndex: meta.Int("chunk_index", i),
			Metadata:   meta,
		})
	}
	return results
}

// Len returns the number of indexed documents.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.documents)
}

// snapshot copies the index state for persistence.
func (idx *Index) snapshot() indexFile {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	docs := make([]string, len(idx.documents))
	copy(docs, idx.documents)
	metas := make([]models.Metadata, len(idx.metadata))
	copy(metas, idx.metadata)

	return indexFile{
		CollectionName: idx.collection,
		Documents:      docs,
		MetadataList:   metas,
	}
}

// IndexManager owns the per-collection sparse indices: an LRU of loaded
// indices, JSON persistence under the index directory, and cross-process
// file locks around saves and loads.
type IndexManager struct {
	dir    string
	loaded *lru.Cache[string, *Index]
	group  singleflight.Group
}

// NewIndexManager creates the manager and its storage directory.
func NewIndexManager(dir string) (*IndexManager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}

	loaded, err := lru.New[string, *Index](maxLoadedIndices)
	if err != nil {
		return nil, fmt.Errorf("create index cache: %w", err)
	}

	return &IndexManager{dir: dir, loaded: loaded}, nil
}

// Get returns the collection's index, loading it from disk on first use.
// Concurrent loads of the same collection are collapsed.
func (m *IndexManager) Get(collection string) (*Index, error) {
	if idx, ok := m.loaded.Get(collection); ok {
		return idx, nil
	}

	v, err, _ := m.group.Do(collection, func() (any, error) {
		if idx, ok := m.loaded.Get(collection); ok {
			return idx, nil
		}
		idx, err := m.load(collection)
		if err != nil {
			return nil, err
		}
		m.loaded.Add(collection, idx)
		return idx, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Index), nil
}

// Add appends documents to the collection's index and persists it.
func (m *IndexManager) Add(collection string, texts []string, metas []models.Metadata) error {
	idx, err := m.Get(collection)
	if err != nil {
		return err
	}

	idx.Add(texts, metas)
	if err := m.save(idx); err != nil {
		return fmt.Errorf("save index: %w", err)
	}

	log.Debug().
		Str("collection", collection).
		Int("added", len(texts)).
		Int("total", idx.Len()).
		Msg("Sparse index updated")
	return nil
}

// Search runs a BM25 query against the collection's index.
func (m *IndexManager) Search(collection, query string, k int) ([]models.SparseResult, error) {
	idx, err := m.Get(collection)
	if err != nil {
		return nil, err
	}
	return idx.Search(query, k), nil
}

// Delete removes the persisted index and evicts the in-memory copy.
func (m *IndexManager) Delete(collection string) error {
	m.loaded.Remove(collection)

	fl := flock.New(m.lockPath(collection))
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("lock index file: %w", err)
	}
	defer func() { _ = fl.Unlock() }()

	if err := os.Remove(m.path(collection)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove index file: %w", err)
	}
	_ = os.Remove(m.lockPath(collection))
	return nil
}

// load reads the collection's JSON file, or starts an empty index when the
// file does not exist.
func (m *IndexManager) load(collection string) (*Index, error) {
	fl := flock.New(m.lockPath(collection))
	if err := fl.RLock(); err != nil {
		return nil, fmt.Errorf("lock index file: %w", err)
	}
	defer func() { _ = fl.Unlock() }()

	data, err := os.ReadFile(m.path(collection))
	if os.IsNotExist(err) {
		return newIndex(collection), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read index file: %w", err)
	}

	var file indexFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse index file: %w", err)
	}

	idx := newIndex(collection)
	idx.documents = file.Documents
	idx.metadata = file.MetadataList
	if len(idx.metadata) < len(idx.documents) {
		// Tolerate files written before metadata was recorded.
		for len(idx.metadata) < len(idx.documents) {
			idx.metadata = append(idx.metadata, models.Metadata{})
		}
	}
	idx.rebuildLocked()

	log.Debug().
		Str("collection", collection).
		Int("documents", len(idx.documents)).
		Msg("Sparse index loaded")
	return idx, nil
}

// save writes the index JSON atomically under the collection's file lock.
func (m *IndexManager) save(idx *Index) error {
	fl := flock.New(m.lockPath(idx.collection))
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("lock index file: %w", err)
	}
	defer func() { _ = fl.Unlock() }()

	data, err := json.Marshal(idx.snapshot())
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}

	path := m.path(idx.collection)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write index file: %w", err)
	}
	return os.Rename(tmp, path)
}

func (m *IndexManager) path(collection string) string {
	return filepath.Join(m.dir, safeName(collection)+".json")
}

func (m *IndexManager) lockPath(collection string) string {
	return filepath.Join(m.dir, safeName(collection)+".lock")
}

// safeName keeps collection-derived filenames inside the index directory.
func safeName(collection string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", "..", "_")
	return r.Replace(collection)
}
