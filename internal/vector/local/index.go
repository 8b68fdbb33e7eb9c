// Package local implements the vector provider on an embedded HNSW
// index persisted to local disk. It suits development and self-hosted
// deployments where no managed vector service is available.
package local

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/hnsw"

	"github.com/kailas-cloud/knowd/internal/domain"
	"github.com/kailas-cloud/knowd/internal/vector"
)

// Compile-time check: Index implements vector.Provider.
var _ vector.Provider = (*Index)(nil)

// filterOverfetch is the first-pass fan-out multiplier when a search
// carries filters; a second full pass runs if it comes up short.
const filterOverfetch = 4

// Config holds settings for the embedded index.
type Config struct {
	Dir          string
	M            int
	EfSearch     int
	InitAttempts int
	InitBackoff  time.Duration
}

// Index is an embedded persistent vector index built on coder/hnsw.
// All vectors are normalized on insert, so cosine distance maps onto
// the canonical score as 1 - distance/2.
type Index struct {
	mu          sync.RWMutex
	cfg         Config
	colls       map[string]*collection
	initialized bool
	closed      bool
}

type collection struct {
	dim     int
	graph   *hnsw.Graph[uint64]
	idMap   map[string]uint64
	keyMap  map[uint64]string
	nextKey uint64
	records map[string]storedRecord
}

type storedRecord struct {
	Content  string
	Metadata map[string]string
}

// collMeta is the gob-persisted side file next to the graph export.
type collMeta struct {
	Dim     int
	IDMap   map[string]uint64
	NextKey uint64
	Records map[string]storedRecord
}

// New creates an embedded index rooted at cfg.Dir. Initialize must be
// called before any other operation.
func New(cfg Config) *Index {
	if cfg.M <= 0 {
		cfg.M = 16
	}
	if cfg.EfSearch <= 0 {
		cfg.EfSearch = 20
	}
	if cfg.InitAttempts <= 0 {
		cfg.InitAttempts = 5
	}
	if cfg.InitBackoff <= 0 {
		cfg.InitBackoff = 500 * time.Millisecond
	}
	return &Index{cfg: cfg, colls: make(map[string]*collection)}
}

// Initialize creates the data directory and loads persisted collections,
// retrying with exponential backoff to cover slow volume mounts.
func (x *Index) Initialize(ctx context.Context) error {
	err := vector.InitRetry(ctx, x.cfg.InitAttempts, x.cfg.InitBackoff, func(context.Context) error {
		return x.open()
	})
	if err != nil {
		return fmt.Errorf("initialize local index at %s: %w: %w", x.cfg.Dir, err, domain.ErrBackendUnavailable)
	}
	return nil
}

func (x *Index) open() error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if err := os.MkdirAll(x.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	entries, err := os.ReadDir(x.cfg.Dir)
	if err != nil {
		return fmt.Errorf("read data dir: %w", err)
	}
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), ".meta")
		if !ok || e.IsDir() {
			continue
		}
		if _, loaded := x.colls[name]; loaded {
			continue
		}
		c, err := x.loadCollection(name)
		if err != nil {
			return fmt.Errorf("load collection %s: %w", name, err)
		}
		x.colls[name] = c
	}

	x.initialized = true
	return nil
}

// CreateCollection is idempotent; an existing collection only has its
// dimension verified.
func (x *Index) CreateCollection(_ context.Context, name string, dim int) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if err := x.ready(); err != nil {
		return err
	}
	if c, ok := x.colls[name]; ok {
		if c.dim != dim {
			return fmt.Errorf("collection %s has dimension %d, want %d: %w", name, c.dim, dim, domain.ErrVectorDimMismatch)
		}
		return nil
	}

	c := newCollection(dim, x.cfg)
	x.colls[name] = c
	return x.saveCollection(name, c)
}

func newCollection(dim int, cfg Config) *collection {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	g.M = cfg.M
	g.EfSearch = cfg.EfSearch
	g.Ml = 0.25
	return &collection{
		dim:     dim,
		graph:   g,
		idMap:   make(map[string]uint64),
		keyMap:  make(map[uint64]string),
		records: make(map[string]storedRecord),
	}
}

// Upsert inserts or overwrites records by id. An existing id is
// lazy-deleted from the graph (the orphaned node is skipped at search
// time) before the new vector is added under a fresh key.
func (x *Index) Upsert(_ context.Context, collName string, records []vector.Record) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	c, err := x.collection(collName)
	if err != nil {
		return err
	}

	for _, r := range records {
		if len(r.Vector) != c.dim {
			return fmt.Errorf("record %s: got dimension %d, want %d: %w", r.ID, len(r.Vector), c.dim, domain.ErrVectorDimMismatch)
		}
	}

	for _, r := range records {
		if oldKey, exists := c.idMap[r.ID]; exists {
			delete(c.keyMap, oldKey)
			delete(c.idMap, r.ID)
		}

		key := c.nextKey
		c.nextKey++

		vec := make([]float32, len(r.Vector))
		copy(vec, r.Vector)
		normalize(vec)

		c.graph.Add(hnsw.MakeNode(key, vec))
		c.idMap[r.ID] = key
		c.keyMap[key] = r.ID
		c.records[r.ID] = storedRecord{Content: r.Content, Metadata: cloneMeta(r.Metadata)}
	}

	return x.saveCollection(collName, c)
}

// Search returns up to limit matches sorted by descending canonical
// score. Filters are applied over the mirrored metadata; a second full
// pass runs when the filtered first pass comes up short.
func (x *Index) Search(_ context.Context, collName string, query []float32, limit int, f vector.Filter) ([]vector.Match, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	c, err := x.collection(collName)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || c.graph.Len() == 0 {
		return []vector.Match{}, nil
	}
	if len(query) != c.dim {
		return nil, fmt.Errorf("query: got dimension %d, want %d: %w", len(query), c.dim, domain.ErrVectorDimMismatch)
	}

	q := make([]float32, len(query))
	copy(q, query)
	normalize(q)

	k := limit * filterOverfetch
	matches := c.search(q, k, f, limit)
	if len(matches) < limit && k < c.graph.Len() {
		matches = c.search(q, c.graph.Len(), f, limit)
	}
	return matches, nil
}

func (c *collection) search(q []float32, k int, f vector.Filter, limit int) []vector.Match {
	nodes := c.graph.Search(q, k)

	matches := make([]vector.Match, 0, limit)
	for _, node := range nodes {
		id, live := c.keyMap[node.Key]
		if !live {
			continue // lazy-deleted orphan
		}
		rec := c.records[id]
		if f.Owner != "" && rec.Metadata[vector.MetaOwnerID] != f.Owner {
			continue
		}
		if f.DocType != "" && rec.Metadata[vector.MetaDocType] != f.DocType {
			continue
		}

		dist := float64(c.graph.Distance(q, node.Value))
		matches = append(matches, vector.Match{
			ID:       id,
			Score:    vector.ClampScore(1 - dist/2),
			Content:  rec.Content,
			Metadata: cloneMeta(rec.Metadata),
		})
		if len(matches) == limit {
			break
		}
	}

	// graph.Search returns nearest-first; keep the ordering explicit.
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	return matches
}

// Delete removes ids via lazy deletion: mappings and records go away,
// orphaned graph nodes stay behind and are skipped at search time.
// Deleting an absent id is a no-op.
func (x *Index) Delete(_ context.Context, collName string, ids []string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	c, err := x.collection(collName)
	if err != nil {
		return err
	}

	for _, id := range ids {
		if key, exists := c.idMap[id]; exists {
			delete(c.keyMap, key)
			delete(c.idMap, id)
			delete(c.records, id)
		}
	}

	return x.saveCollection(collName, c)
}

// Count returns the number of live entries.
func (x *Index) Count(_ context.Context, collName string) (int64, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	c, err := x.collection(collName)
	if err != nil {
		return 0, err
	}
	return int64(len(c.records)), nil
}

// ListIDs returns the ids of the owner's live entries, for the
// cross-store reconciliation scan.
func (x *Index) ListIDs(_ context.Context, collName, owner string) ([]string, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	c, err := x.collection(collName)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(c.records))
	for id, rec := range c.records {
		if owner == "" || rec.Metadata[vector.MetaOwnerID] == owner {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Health verifies the data directory is still reachable.
func (x *Index) Health(_ context.Context) error {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if err := x.ready(); err != nil {
		return err
	}
	if _, err := os.Stat(x.cfg.Dir); err != nil {
		return fmt.Errorf("stat data dir: %w: %w", err, domain.ErrBackendUnavailable)
	}
	return nil
}

// Close marks the index closed. Data is already on disk after every
// mutation, so there is nothing to flush.
func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.closed = true
	x.colls = nil
	return nil
}

func (x *Index) ready() error {
	if x.closed {
		return fmt.Errorf("local index is closed: %w", domain.ErrBackendUnavailable)
	}
	if !x.initialized {
		return fmt.Errorf("local index not initialized: %w", domain.ErrBackendUnavailable)
	}
	return nil
}

func (x *Index) collection(name string) (*collection, error) {
	if err := x.ready(); err != nil {
		return nil, err
	}
	c, ok := x.colls[name]
	if !ok {
		return nil, fmt.Errorf("collection %s: %w", name, domain.ErrNotFound)
	}
	return c, nil
}

// saveCollection persists the graph export and the gob side metadata
// atomically (temp file + rename). Called under the write lock.
func (x *Index) saveCollection(name string, c *collection) error {
	graphPath := filepath.Join(x.cfg.Dir, name+".hnsw")
	if err := writeAtomic(graphPath, func(f *os.File) error {
		return c.graph.Export(f)
	}); err != nil {
		return fmt.Errorf("save graph: %w", err)
	}

	meta := collMeta{Dim: c.dim, IDMap: c.idMap, NextKey: c.nextKey, Records: c.records}
	metaPath := filepath.Join(x.cfg.Dir, name+".meta")
	if err := writeAtomic(metaPath, func(f *os.File) error {
		return gob.NewEncoder(f).Encode(meta)
	}); err != nil {
		return fmt.Errorf("save metadata: %w", err)
	}
	return nil
}

func (x *Index) loadCollection(name string) (*collection, error) {
	metaFile, err := os.Open(filepath.Join(x.cfg.Dir, name+".meta"))
	if err != nil {
		return nil, fmt.Errorf("open metadata: %w", err)
	}
	defer metaFile.Close()

	var meta collMeta
	if err := gob.NewDecoder(metaFile).Decode(&meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}

	c := newCollection(meta.Dim, x.cfg)
	c.idMap = meta.IDMap
	c.nextKey = meta.NextKey
	c.records = meta.Records
	if c.records == nil {
		c.records = make(map[string]storedRecord)
	}
	for id, key := range c.idMap {
		c.keyMap[key] = id
	}

	graphFile, err := os.Open(filepath.Join(x.cfg.Dir, name+".hnsw"))
	if err != nil {
		return nil, fmt.Errorf("open graph: %w", err)
	}
	defer graphFile.Close()

	// Import requires an io.ByteReader.
	if err := c.graph.Import(bufio.NewReader(graphFile)); err != nil {
		return nil, fmt.Errorf("import graph: %w", err)
	}
	return c, nil
}

func writeAtomic(path string, write func(*os.File) error) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if err := write(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

func cloneMeta(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func normalize(v []float32) {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
}
