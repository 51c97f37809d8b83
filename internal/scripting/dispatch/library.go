package dispatch

import (
	"fmt"
	"sync"

	"github.com/kvforge/scriptd/internal/scripting/registry"
)

// libraryFunction is one named function registered out of a FUNCTION LOAD
// library body.
type libraryFunction struct {
	name  string
	flags []string
	fn    *registry.CompiledFunction
}

// library is a loaded FUNCTION body: a name, the engine it was compiled
// with, and the named functions it registered.
type library struct {
	name      string
	engine    string
	functions map[string]*libraryFunction
}

// LibraryCatalog is a minimal in-memory FUNCTION library store. Persistence
// and ACL enforcement for libraries are explicitly out of scope (external
// library catalog). It only stores, resolves and deletes libraries and
// their already-compiled functions; it does not compile or call anything
// through the engine registry itself.
type LibraryCatalog struct {
	mu        sync.RWMutex
	libraries map[string]*library
	byFunc    map[string]*library // function name -> owning library
}

// NewLibraryCatalog creates an empty catalog.
func NewLibraryCatalog() *LibraryCatalog {
	return &LibraryCatalog{
		libraries: make(map[string]*library),
		byFunc:    make(map[string]*library),
	}
}

// Register installs a freshly loaded library under libName, rejecting a
// duplicate library name and any function name collision with another
// already-loaded library.
func (c *LibraryCatalog) Register(libName, engine string, functions map[string]*libraryFunction) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.libraries[libName]; exists {
		return fmt.Errorf("library %q already loaded", libName)
	}
	for name := range functions {
		if _, exists := c.byFunc[name]; exists {
			return fmt.Errorf("function %q already registered by another library", name)
		}
	}

	lib := &library{name: libName, engine: engine, functions: functions}
	c.libraries[libName] = lib
	for name := range functions {
		c.byFunc[name] = lib
	}
	return nil
}

// Lookup resolves a function name registered by a loaded library.
func (c *LibraryCatalog) Lookup(funcName string) (*registry.CompiledFunction, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	lib, ok := c.byFunc[funcName]
	if !ok {
		return nil, false
	}
	fn, ok := lib.functions[funcName]
	if !ok {
		return nil, false
	}
	return fn.fn, true
}

// Delete removes a library and all of the functions it registered.
func (c *LibraryCatalog) Delete(libName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	lib, ok := c.libraries[libName]
	if !ok {
		return fmt.Errorf("library %q not found", libName)
	}
	delete(c.libraries, libName)
	for name := range lib.functions {
		delete(c.byFunc, name)
	}
	return nil
}

// registrationRecorder collects the named functions a library registers
// before they are handed to LibraryCatalog.Register. No engine in this
// module is given one.
type registrationRecorder struct {
	mu   sync.Mutex
	funcs map[string]*libraryFunction
}

func newRegistrationRecorder() *registrationRecorder {
	return &registrationRecorder{funcs: make(map[string]*libraryFunction)}
}

// Register records one named function. name is required; callback must be
// non-nil.
func (r *registrationRecorder) Register(name string, flags []string, fn *registry.CompiledFunction) error {
	if name == "" {
		return fmt.Errorf("function registration requires a name")
	}
	if fn == nil {
		return fmt.Errorf("function %q registration requires a callback", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.funcs[name]; exists {
		return fmt.Errorf("function %q registered twice in the same library", name)
	}
	r.funcs[name] = &libraryFunction{name: name, flags: flags, fn: fn}
	return nil
}

func (r *registrationRecorder) snapshot() map[string]*libraryFunction {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*libraryFunction, len(r.funcs))
	for k, v := range r.funcs {
		out[k] = v
	}
	return out
}
