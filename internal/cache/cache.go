// Package cache implements the quality-scored semantic cache. Lookups probe
// three layers in order: exact key, prompt-vector similarity, and the
// user-pattern predictive layer; the first hit wins. Entry TTL is derived
// from response quality and never stored.
package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/klauspost/compress/gzip"

	"github.com/neurastack/ensemble/internal/csync"
)

// Layer identifies which lookup layer produced a hit.
type Layer string

const (
	LayerExact      Layer = "exact"
	LayerSimilarity Layer = "similarity"
	LayerPredictive Layer = "predictive"
)

// Entry is one cached synthesis result.
type Entry struct {
	Key          string         `json:"key"`
	PromptHash   string         `json:"prompt_hash"`
	PromptVector map[string]int `json:"prompt_vector"`
	UserID       string         `json:"user_id"`
	Tier         string         `json:"tier"`
	Quality      float64        `json:"quality"`
	CreatedAt    time.Time      `json:"created_at"`
	AccessCount  int64          `json:"access_count"`
	Compressed   bool           `json:"compressed"`
	Payload      []byte         `json:"payload"`
}

// Config tunes the cache.
type Config struct {
	MaxCacheSize         int
	SimilarityThreshold  float64
	PredictiveThreshold  float64
	QualityThreshold     float64
	CompressionThreshold int
	UserPatternWindow    int
	HighQualityTTL       time.Duration
	MediumQualityTTL     time.Duration
	LowQualityTTL        time.Duration
	EvictionInterval     time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxCacheSize:         1000,
		SimilarityThreshold:  0.85,
		PredictiveThreshold:  0.7,
		QualityThreshold:     0.6,
		CompressionThreshold: 4 * 1024,
		UserPatternWindow:    20,
		HighQualityTTL:       6 * time.Hour,
		MediumQualityTTL:     2 * time.Hour,
		LowQualityTTL:        30 * time.Minute,
		EvictionInterval:     5 * time.Minute,
	}
}

// Stats counts cache outcomes per layer.
type Stats struct {
	ExactHits      uint64
	SimilarityHits uint64
	PredictiveHits uint64
	Misses         uint64
	Writes         uint64
	SkippedWrites  uint64
	Evictions      uint64
	Promotions     uint64
}

// Hit is a successful lookup together with the layer that produced it.
type Hit struct {
	Entry *Entry
	Layer Layer
}

// Cache is the multi-layer semantic cache. Each layer is a csync.Map guarded
// by one RWMutex: reads take its shared lock, and writes take its exclusive
// lock, so writes serialize across all keys of a layer, not per key. Two
// concurrent identical misses may both populate the cache; the last writer
// wins.
type Cache struct {
	cfg      Config
	entries  *csync.Map[string, *Entry]
	patterns *csync.Map[string, *userPattern]
	store    Store

	exactHits      atomic.Uint64
	similarityHits atomic.Uint64
	predictiveHits atomic.Uint64
	misses         atomic.Uint64
	writes         atomic.Uint64
	skippedWrites  atomic.Uint64
	evictions      atomic.Uint64
	promotions     atomic.Uint64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Option configures optional collaborators.
type Option func(*Cache)

// WithStore attaches a persistent store beneath the exact-key layer.
func WithStore(store Store) Option {
	return func(c *Cache) { c.store = store }
}

// New creates a cache and starts its background eviction loop. Call Close
// to stop it.
func New(cfg Config, opts ...Option) *Cache {
	def := DefaultConfig()
	if cfg.MaxCacheSize <= 0 {
		cfg.MaxCacheSize = def.MaxCacheSize
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = def.SimilarityThreshold
	}
	if cfg.PredictiveThreshold <= 0 {
		cfg.PredictiveThreshold = def.PredictiveThreshold
	}
	if cfg.QualityThreshold <= 0 {
		cfg.QualityThreshold = def.QualityThreshold
	}
	if cfg.CompressionThreshold <= 0 {
		cfg.CompressionThreshold = def.CompressionThreshold
	}
	if cfg.UserPatternWindow <= 0 {
		cfg.UserPatternWindow = def.UserPatternWindow
	}
	if cfg.HighQualityTTL <= 0 {
		cfg.HighQualityTTL = def.HighQualityTTL
	}
	if cfg.MediumQualityTTL <= 0 {
		cfg.MediumQualityTTL = def.MediumQualityTTL
	}
	if cfg.LowQualityTTL <= 0 {
		cfg.LowQualityTTL = def.LowQualityTTL
	}
	if cfg.EvictionInterval <= 0 {
		cfg.EvictionInterval = def.EvictionInterval
	}

	c := &Cache{
		cfg:      cfg,
		entries:  csync.NewMap[string, *Entry](),
		patterns: csync.NewMap[string, *userPattern](),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.evictionLoop()
	return c
}

// Close stops the background eviction loop.
func (c *Cache) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
		<-c.done
	})
}

// Key derives the exact-layer cache key for a request.
func Key(prompt, userID, tier string) string {
	sum := sha256.Sum256([]byte(prompt + "|" + userID + "|" + tier))
	return "ensemble:" + hex.EncodeToString(sum[:])[:32]
}

// TTL maps a quality score to an entry lifetime. Higher quality always
// yields an equal or longer TTL.
func (c *Cache) TTL(quality float64) time.Duration {
	switch {
	case quality >= 0.8:
		return c.cfg.HighQualityTTL
	case quality >= 0.6:
		return c.cfg.MediumQualityTTL
	default:
		return c.cfg.LowQualityTTL
	}
}

func (c *Cache) valid(entry *Entry, now time.Time) bool {
	return now.Sub(entry.CreatedAt) < c.TTL(entry.Quality)
}

// Get probes the three layers in order and returns the first valid hit.
// Invalid entries behave as misses. Store errors are swallowed.
func (c *Cache) Get(ctx context.Context, prompt, userID, tier string) (*Hit, bool) {
	now := time.Now()
	key := Key(prompt, userID, tier)

	// Exact layer, memory first, then the optional persistent store with
	// promotion on hit.
	if entry, ok := c.entries.Get(key); ok {
		if c.valid(entry, now) {
			atomic.AddInt64(&entry.AccessCount, 1)
			c.exactHits.Add(1)
			return &Hit{Entry: entry, Layer: LayerExact}, true
		}
		c.entries.Del(key)
	} else if c.store != nil {
		if entry, err := c.store.Get(ctx, key); err == nil && entry != nil && c.valid(entry, now) {
			c.entries.Set(key, entry)
			c.promotions.Add(1)
			atomic.AddInt64(&entry.AccessCount, 1)
			c.exactHits.Add(1)
			return &Hit{Entry: entry, Layer: LayerExact}, true
		}
	}

	// Similarity layer: cosine against stored prompt vectors scoped to the
	// same user and tier.
	vec := Vectorize(prompt)
	var best *Entry
	bestScore := c.cfg.SimilarityThreshold
	for _, entry := range c.entries.Seq2() {
		if entry.UserID != userID || entry.Tier != tier || !c.valid(entry, now) {
			continue
		}
		if score := Cosine(vec, entry.PromptVector); score > bestScore {
			best = entry
			bestScore = score
		}
	}
	if best != nil {
		atomic.AddInt64(&best.AccessCount, 1)
		c.similarityHits.Add(1)
		return &Hit{Entry: best, Layer: LayerSimilarity}, true
	}

	// Predictive layer: the user's recent same-type queries, scoped to the
	// same tier.
	if pattern, ok := c.patterns.Get(userID); ok {
		ptype := ClassifyPrompt(prompt)
		if match, ok := pattern.bestMatch(prompt, ptype, c.cfg.PredictiveThreshold); ok {
			if entry, ok := c.entries.Get(match.CacheKey); ok && entry.Tier == tier && c.valid(entry, now) {
				atomic.AddInt64(&entry.AccessCount, 1)
				c.predictiveHits.Add(1)
				return &Hit{Entry: entry, Layer: LayerPredictive}, true
			}
		}
	}

	c.misses.Add(1)
	return nil, false
}

// Put stores a synthesis payload under the request's derived key. Writes
// below the quality threshold are skipped. Payloads above the compression
// threshold are gzipped. Store errors are swallowed.
func (c *Cache) Put(ctx context.Context, prompt, userID, tier string, payload any, quality float64) error {
	if quality < c.cfg.QualityThreshold {
		c.skippedWrites.Add(1)
		return nil
	}

	raw, err := sonic.Marshal(payload)
	if err != nil {
		return err
	}
	compressed := false
	if len(raw) > c.cfg.CompressionThreshold {
		if packed, err := gzipBytes(raw); err == nil {
			raw = packed
			compressed = true
		}
	}

	key := Key(prompt, userID, tier)
	now := time.Now()
	entry := &Entry{
		Key:          key,
		PromptHash:   key,
		PromptVector: Vectorize(prompt),
		UserID:       userID,
		Tier:         tier,
		Quality:      quality,
		CreatedAt:    now,
		Compressed:   compressed,
		Payload:      raw,
	}
	c.entries.Set(key, entry)
	c.writes.Add(1)

	pattern := c.patterns.GetOrSet(userID, func() *userPattern { return &userPattern{} })
	pattern.push(PatternEntry{
		PromptText: prompt,
		PromptType: ClassifyPrompt(prompt),
		CacheKey:   key,
		CreatedAt:  now,
		Quality:    quality,
	}, c.cfg.UserPatternWindow)

	if c.store != nil {
		_ = c.store.Set(ctx, key, entry, c.TTL(quality))
	}

	c.evictIfOverCap()
	return nil
}

// Decode unmarshals an entry's payload into out, transparently
// decompressing.
func (e *Entry) Decode(out any) error {
	raw := e.Payload
	if e.Compressed {
		unpacked, err := gunzipBytes(raw)
		if err != nil {
			return err
		}
		raw = unpacked
	}
	return sonic.Unmarshal(raw, out)
}

// Invalidate removes the entry for the given request identity.
func (c *Cache) Invalidate(ctx context.Context, prompt, userID, tier string) {
	key := Key(prompt, userID, tier)
	c.entries.Del(key)
	if c.store != nil {
		_ = c.store.Del(ctx, key)
	}
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		ExactHits:      c.exactHits.Load(),
		SimilarityHits: c.similarityHits.Load(),
		PredictiveHits: c.predictiveHits.Load(),
		Misses:         c.misses.Load(),
		Writes:         c.writes.Load(),
		SkippedWrites:  c.skippedWrites.Load(),
		Evictions:      c.evictions.Load(),
		Promotions:     c.promotions.Load(),
	}
}

// Len returns the number of entries in the memory layer.
func (c *Cache) Len() int {
	return c.entries.Len()
}

func (c *Cache) evictionLoop() {
	defer close(c.done)
	ticker := time.NewTicker(c.cfg.EvictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep(time.Now())
		}
	}
}

// sweep drops expired entries and inactive user patterns.
func (c *Cache) sweep(now time.Time) {
	for key, entry := range c.entries.Seq2() {
		if !c.valid(entry, now) {
			c.entries.Del(key)
			c.evictions.Add(1)
		}
	}
	for userID, pattern := range c.patterns.Seq2() {
		if pattern.expired(now) {
			c.patterns.Del(userID)
		}
	}
}

// evictIfOverCap drops the oldest 20% of entries by CreatedAt when the
// memory layer exceeds its size cap.
func (c *Cache) evictIfOverCap() {
	if c.entries.Len() <= c.cfg.MaxCacheSize {
		return
	}
	type aged struct {
		key       string
		createdAt time.Time
	}
	all := make([]aged, 0, c.entries.Len())
	for key, entry := range c.entries.Seq2() {
		all = append(all, aged{key: key, createdAt: entry.CreatedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].createdAt.Before(all[j].createdAt) })
	drop := len(all) / 5
	if drop == 0 {
		drop = 1
	}
	for _, victim := range all[:drop] {
		c.entries.Del(victim.key)
		c.evictions.Add(1)
	}
}

func gzipBytes(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(raw []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
