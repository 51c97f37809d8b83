package evalcache

import (
	"testing"

	"github.com/kvforge/scriptd/internal/scripting/registry"
	"github.com/kvforge/scriptd/internal/scripting/shebang"
)

func TestDigestFormat(t *testing.T) {
	d := Digest("return 1")
	if err := ValidateDigest(d); err != nil {
		t.Fatalf("expected valid digest, got error: %v", err)
	}
	if len(d) != 40 {
		t.Fatalf("expected 40-char digest, got %d", len(d))
	}
}

func TestValidateDigestRejectsBadInput(t *testing.T) {
	cases := []string{"", "abc", "G" + string(make([]byte, 39))}
	for _, c := range cases {
		if err := ValidateDigest(c); err == nil {
			t.Fatalf("expected %q to be rejected", c)
		}
	}
}

func TestStoreAndLookup(t *testing.T) {
	c := New(nil, nil)
	d := Digest("return 1")
	dir := shebang.Directive{Engine: "lua", Body: "return 1"}
	fn := &registry.CompiledFunction{Engine: "lua"}

	c.StoreEval(d, dir, fn, len(dir.Body))

	got, ok := c.Lookup(d)
	if !ok {
		t.Fatalf("expected hit after store")
	}
	if got.Function != fn {
		t.Fatalf("unexpected function returned")
	}

	if !c.Exists(d) {
		t.Fatalf("expected Exists to report true")
	}

	stats := c.Stats()
	if stats.Entries != 1 || stats.Hits != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestLookupMissCountsAsMiss(t *testing.T) {
	c := New(nil, nil)
	if _, ok := c.Lookup(Digest("nope")); ok {
		t.Fatalf("expected miss")
	}
	if c.Stats().Misses != 1 {
		t.Fatalf("expected one recorded miss")
	}
}

func TestEvictionAtCapacity(t *testing.T) {
	var released []string
	c := New(func(fn *registry.CompiledFunction) {
		released = append(released, fn.Engine)
	}, nil)

	for i := 0; i < MaxEntries+1; i++ {
		body := string(rune('a' + i%26))
		d := Digest(body + string(rune(i)))
		dir := shebang.Directive{Engine: "lua", Body: body}
		fn := &registry.CompiledFunction{Engine: d}
		c.StoreEval(d, dir, fn, len(body))
	}

	if c.Len() != MaxEntries {
		t.Fatalf("expected cache to cap at %d entries, got %d", MaxEntries, c.Len())
	}
	if c.Stats().Evictions != 1 {
		t.Fatalf("expected exactly one eviction, got %d", c.Stats().Evictions)
	}
	if len(released) != 1 {
		t.Fatalf("expected exactly one release call, got %d", len(released))
	}
}

func TestFlushSyncReleasesAll(t *testing.T) {
	var released int
	c := New(func(*registry.CompiledFunction) { released++ }, nil)

	for i := 0; i < 5; i++ {
		body := string(rune('a' + i))
		d := Digest(body)
		c.StoreEval(d, shebang.Directive{Engine: "lua", Body: body}, &registry.CompiledFunction{}, len(body))
	}

	c.FlushSync()

	if c.Len() != 0 {
		t.Fatalf("expected empty cache after flush, got %d entries", c.Len())
	}
	if released != 5 {
		t.Fatalf("expected 5 releases, got %d", released)
	}
	if c.Stats().MemBytes != 0 {
		t.Fatalf("expected zeroed memory accounting after flush")
	}
}

func TestFlushAsyncInstallsFreshCacheImmediately(t *testing.T) {
	c := New(nil, nil)
	d := Digest("return 1")
	c.StoreEval(d, shebang.Directive{Engine: "lua", Body: "return 1"}, &registry.CompiledFunction{}, 8)

	job := c.FlushAsync()

	if c.Len() != 0 {
		t.Fatalf("expected new cache to be empty immediately after FlushAsync")
	}
	if c.Exists(d) {
		t.Fatalf("expected old digest to be gone from the new cache")
	}

	var released int
	job.release = func(*registry.CompiledFunction) { released++ }
	job.Run()
	if released != 1 {
		t.Fatalf("expected teardown job to release the detached entry")
	}
}

// TestStoreLoadSurvivesEvalEviction is worked scenario #5: a SCRIPT
// LOAD-admitted entry is not LRU-tracked, so it survives admitting
// MaxEntries distinct EVAL scripts that would otherwise evict the oldest
// entry in a single shared LRU.
func TestStoreLoadSurvivesEvalEviction(t *testing.T) {
	var released []string
	c := New(func(fn *registry.CompiledFunction) {
		released = append(released, fn.Engine)
	}, nil)

	loaded := Digest("loaded-forever")
	c.StoreLoad(loaded, shebang.Directive{Engine: "lua", Body: "loaded-forever"}, &registry.CompiledFunction{Engine: loaded}, 5)

	var firstEval string
	for i := 0; i < MaxEntries; i++ {
		body := string(rune('a'+i%26)) + string(rune(i))
		d := Digest(body)
		if i == 0 {
			firstEval = d
		}
		fn := &registry.CompiledFunction{Engine: d}
		c.StoreEval(d, shebang.Directive{Engine: "lua", Body: body}, fn, len(body))
	}

	// MaxEntries distinct EVALs exactly fills the LRU without evicting
	// anything yet; one more pushes the oldest EVAL entry out, but the
	// SCRIPT LOAD entry is untouched either way.
	extra := Digest("one-more-eval")
	c.StoreEval(extra, shebang.Directive{Engine: "lua", Body: "one-more-eval"}, &registry.CompiledFunction{Engine: extra}, 13)

	if !c.Exists(loaded) {
		t.Fatalf("expected SCRIPT LOAD entry to survive EVAL admission pressure")
	}
	if c.Exists(firstEval) {
		t.Fatalf("expected the oldest EVAL entry, not the loaded one, to be evicted")
	}
	if len(released) != 1 || released[0] != firstEval {
		t.Fatalf("expected exactly the oldest EVAL entry's function to be released, got %v", released)
	}
}

// TestStoreLoadPromotesExistingLRUEntry covers §4.2's "promoted by
// detaching it from the LRU list" behavior: SCRIPT LOAD of a body already
// resident from a prior EVAL moves that entry into the non-evicting set
// without releasing its compiled function or double-storing it.
func TestStoreLoadPromotesExistingLRUEntry(t *testing.T) {
	var released int
	c := New(func(*registry.CompiledFunction) { released++ }, nil)

	d := Digest("return 1")
	dir := shebang.Directive{Engine: "lua", Body: "return 1"}
	fn := &registry.CompiledFunction{Engine: "lua"}
	evalEntry := c.StoreEval(d, dir, fn, len(dir.Body))

	promoted := c.StoreLoad(d, dir, fn, len(dir.Body))
	if promoted != evalEntry {
		t.Fatalf("expected promotion to return the same entry, not a new one")
	}
	if released != 0 {
		t.Fatalf("expected promotion not to release the compiled function, got %d releases", released)
	}
	if c.Len() != 1 {
		t.Fatalf("expected exactly one entry after promotion, got %d", c.Len())
	}

	// Filling the LRU past capacity must no longer be able to evict the
	// promoted entry, since it is no longer LRU-tracked.
	for i := 0; i < MaxEntries+1; i++ {
		body := string(rune('a'+i%26)) + string(rune(i))
		ed := Digest(body)
		c.StoreEval(ed, shebang.Directive{Engine: "lua", Body: body}, &registry.CompiledFunction{Engine: ed}, len(body))
	}
	if !c.Exists(d) {
		t.Fatalf("expected promoted entry to survive EVAL eviction pressure")
	}
}
