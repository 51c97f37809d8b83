// Package evalcache implements the content-addressable EVAL script cache:
// digest-keyed storage of compiled scripts with a bounded LRU eviction list
// and synchronous-or-deferred teardown.
package evalcache

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/kvforge/scriptd/internal/metrics"
	"github.com/kvforge/scriptd/internal/scripting/registry"
	"github.com/kvforge/scriptd/internal/scripting/shebang"
	"github.com/kvforge/scriptd/pkg/logger"
)

// MaxEntries bounds the LRU list; the head is evicted once the list would
// grow past this length.
const MaxEntries = 500

// Entry is one cached script: its parsed directive and compiled function.
// An Entry admitted by EVAL is tracked by exactly one LRU node
// (simplelru.LRU owns that bookkeeping for us), so the "weak
// back-reference, validate before use" invariant reduces to "ask the LRU,
// don't keep a second copy." An Entry admitted by SCRIPT LOAD is held in a
// separate map with no LRU node and is never evicted.
type Entry struct {
	Digest    string
	Directive shebang.Directive
	Function  *registry.CompiledFunction
	bodyLen   int
}

// Digest computes the cache key for a script body: 40 lowercase hex
// characters of its SHA-1 sum. This is a content-addressing digest, not a
// security boundary, so the standard library's SHA-1 is the right tool —
// no ecosystem hashing library is warranted here.
func Digest(body string) string {
	sum := sha1.Sum([]byte(body))
	return hex.EncodeToString(sum[:])
}

// Cache is the main-thread-only EVAL script cache. It is not safe for
// concurrent use by design (§5: "The EVAL cache is accessed only from the
// main thread"); the mutex exists only to guard the rare cross-goroutine
// read from metrics/introspection, not to serialize script execution.
type Cache struct {
	mu  sync.Mutex
	lru *simplelru.LRU[string, *Entry]
	// loaded holds SCRIPT LOAD-admitted entries: never LRU-tracked, never
	// evicted by EVAL admission pressure, removed only by an explicit
	// flush. §3's "entries admitted via SCRIPT LOAD are not tracked in the
	// LRU and never evicted" lives entirely in the split between this map
	// and lru.
	loaded map[string]*Entry

	// promoting names the digest, if any, currently being moved out of lru
	// and into loaded: the LRU's Remove call below fires the same onEvict
	// callback a real eviction would, and this flag tells that callback to
	// skip the release/accounting it would otherwise do, since the entry
	// isn't leaving the cache, only its residency bucket.
	promoting string

	memBytes int64

	evictions int64
	hits      int64
	misses    int64

	release func(*registry.CompiledFunction)
	log     *logger.Logger
}

// New creates an empty EVAL cache. release is invoked exactly once per
// entry removed, whether by explicit flush or LRU eviction, and is the only
// path by which a compiled function is ever freed.
func New(release func(*registry.CompiledFunction), log *logger.Logger) *Cache {
	if log == nil {
		log = logger.NewDefault("evalcache")
	}
	c := &Cache{release: release, log: log, loaded: make(map[string]*Entry)}
	c.lru = c.newLRU()
	return c
}

// newLRU builds a fresh, empty LRU whose eviction callback accounts for the
// removed entry and releases its compiled function through c.release.
func (c *Cache) newLRU() *simplelru.LRU[string, *Entry] {
	onEvict := func(digest string, e *Entry) {
		if c.promoting == digest {
			c.promoting = ""
			return
		}
		c.memBytes -= int64(len(digest)) + int64(e.bodyLen)
		c.evictions++
		metrics.RecordCacheEviction()
		c.log.WithField("digest", digest).Debug("evicted eval cache entry")
		if c.release != nil {
			c.release(e.Function)
		}
	}
	lru, err := simplelru.NewLRU[string, *Entry](MaxEntries, onEvict)
	if err != nil {
		// MaxEntries is a positive compile-time constant; NewLRU only
		// rejects size <= 0.
		panic(fmt.Sprintf("evalcache: %v", err))
	}
	return lru
}

// Lookup returns the cached entry for digest, if any, checking the bounded
// LRU first and then the non-evicting SCRIPT LOAD set. Only an LRU hit
// affects recency; a SCRIPT LOAD-admitted entry has no recency to affect.
func (c *Cache) Lookup(digest string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.lru.Get(digest); ok {
		c.hits++
		metrics.RecordCacheHit()
		return e, true
	}
	if e, ok := c.loaded[digest]; ok {
		c.hits++
		metrics.RecordCacheHit()
		return e, true
	}
	c.misses++
	metrics.RecordCacheMiss()
	return nil, false
}

// StoreEval inserts a freshly compiled script admitted via EVAL/EVALSHA: it
// is tracked in the bounded LRU and is an eviction candidate. A digest
// already resident, whether LRU-tracked or SCRIPT LOAD-admitted, is
// returned unchanged rather than re-inserted.
func (c *Cache) StoreEval(digest string, directive shebang.Directive, fn *registry.CompiledFunction, bodyLen int) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.loaded[digest]; ok {
		return e
	}
	if e, ok := c.lru.Get(digest); ok {
		return e
	}

	e := &Entry{Digest: digest, Directive: directive, Function: fn, bodyLen: bodyLen}
	c.lru.Add(digest, e)
	c.memBytes += int64(len(digest)) + int64(bodyLen)
	metrics.SetCacheSize(c.lru.Len() + len(c.loaded))
	return e
}

// StoreLoad inserts a script admitted via SCRIPT LOAD: it is never
// LRU-tracked, so EVAL admission pressure never evicts it. If digest is
// already LRU-tracked (a prior EVAL compiled the same body), the existing
// entry is "promoted" by detaching it from the LRU and moving it into the
// non-evicting set, rather than compiling and storing a second copy.
func (c *Cache) StoreLoad(digest string, directive shebang.Directive, fn *registry.CompiledFunction, bodyLen int) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.loaded[digest]; ok {
		return e
	}
	if e, ok := c.lru.Peek(digest); ok {
		c.promoting = digest
		c.lru.Remove(digest)
		c.loaded[digest] = e
		metrics.SetCacheSize(c.lru.Len() + len(c.loaded))
		return e
	}

	e := &Entry{Digest: digest, Directive: directive, Function: fn, bodyLen: bodyLen}
	c.loaded[digest] = e
	c.memBytes += int64(len(digest)) + int64(bodyLen)
	metrics.SetCacheSize(c.lru.Len() + len(c.loaded))
	return e
}

// Exists reports whether digest is cached, without affecting recency.
func (c *Cache) Exists(digest string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.lru.Peek(digest); ok {
		return true
	}
	_, ok := c.loaded[digest]
	return ok
}

// Len returns the number of cached entries, LRU-tracked plus SCRIPT
// LOAD-admitted.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len() + len(c.loaded)
}

// Stats reports best-effort cache accounting for introspection/metrics.
type Stats struct {
	Entries   int
	MemBytes  int64
	Hits      int64
	Misses    int64
	Evictions int64
}

// Stats returns a snapshot of the cache's counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:   c.lru.Len() + len(c.loaded),
		MemBytes:  c.memBytes,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

// FlushSync discards every entry immediately, releasing each compiled
// function through the cache's release func. Used for the SYNC flush path
// and at shutdown.
func (c *Cache) FlushSync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge() // invokes onEvict per entry, so releases still happen.
	for _, e := range c.loaded {
		if c.release != nil {
			c.release(e.Function)
		}
	}
	c.loaded = make(map[string]*Entry)
	c.memBytes = 0
	metrics.SetCacheSize(0)
}

// TeardownJob is the self-contained value handed off to the lazy-free
// worker: once enqueued, the main thread must not touch it again.
type TeardownJob struct {
	entries []*Entry
	release func(*registry.CompiledFunction)
}

// Run executes the teardown job's releases. Called by the lazy-free
// worker, never by the main thread that produced the job.
func (j TeardownJob) Run() {
	for _, e := range j.entries {
		if j.release != nil {
			j.release(e.Function)
		}
	}
}

// FlushAsync detaches the entire cache content into a TeardownJob and
// installs a fresh, empty LRU in its place synchronously, so a subsequent
// EVAL never observes a half-torn-down cache even though the actual engine
// releases happen later on the lazy-free worker.
func (c *Cache) FlushAsync() TeardownJob {
	c.mu.Lock()
	defer c.mu.Unlock()

	job := TeardownJob{release: c.release}
	for _, digest := range c.lru.Keys() {
		e, _ := c.lru.Peek(digest)
		job.entries = append(job.entries, e)
	}
	for _, e := range c.loaded {
		job.entries = append(job.entries, e)
	}

	// Drop the old LRU without invoking its eviction callback (Keys+Peek
	// above did not remove anything) and install a fresh one; the detached
	// job, not the new LRU's callback, owns these releases now.
	c.lru = c.newLRU()
	c.loaded = make(map[string]*Entry)
	c.memBytes = 0
	metrics.SetCacheSize(0)
	return job
}

// ValidateDigest checks the EVALSHA digest-format invariant: exactly 40
// lowercase hex characters.
func ValidateDigest(digest string) error {
	if len(digest) != 40 {
		return fmt.Errorf("invalid sha1 digest length %d, want 40", len(digest))
	}
	for _, r := range digest {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return fmt.Errorf("invalid sha1 digest %q: must be lowercase hex", digest)
		}
	}
	return nil
}
