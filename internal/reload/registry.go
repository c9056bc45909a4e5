package reload

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
)

// Router is the external HTTP router collaborator's contract:
// install a route, optionally remove one, and serve. Implementations
// where Remove is unsupported must return ErrRouteRemovalUnsupported;
// EndpointRegistry tolerates that and relies on the handler-side active
// check instead.
type Router interface {
	http.Handler
	Install(method, path string, handler http.Handler) error
	Remove(method, path string) error
}

// ErrRouteRemovalUnsupported is returned by Router.Remove implementations
// that cannot remove routes at runtime.
var ErrRouteRemovalUnsupported = fmt.Errorf("router does not support route removal")

// MuxRouter adapts gorilla/mux to the Router contract. gorilla/mux's
// Router cannot remove routes once installed, so Remove always returns
// ErrRouteRemovalUnsupported; the handler-side active-flag check in
// EndpointRegistry is what makes logical deregistration safe here.
type MuxRouter struct {
	router *mux.Router
}

// NewMuxRouter constructs a Router backed by a fresh gorilla/mux.Router.
func NewMuxRouter() *MuxRouter {
	return &MuxRouter{router: mux.NewRouter()}
}

func (m *MuxRouter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.router.ServeHTTP(w, r)
}

func (m *MuxRouter) Install(method, path string, handler http.Handler) error {
	m.router.Handle(path, handler).Methods(method)
	return nil
}

func (m *MuxRouter) Remove(method, path string) error {
	return ErrRouteRemovalUnsupported
}

// EndpointRegistryResult is the outcome of a registry mutation.
type EndpointRegistryResult struct {
	Success bool
	Error   string
}

func ok() EndpointRegistryResult { return EndpointRegistryResult{Success: true} }

func fail(format string, a ...any) EndpointRegistryResult {
	return EndpointRegistryResult{Success: false, Error: fmt.Sprintf(format, a...)}
}

// EndpointValidation is the result of validateAllEndpoints.
type EndpointValidation struct {
	Valid    []string
	Inactive []string
	Invalid  map[string]string
}

// QueryExecutor is the external collaborator a registered endpoint's
// handler dispatches to, modeled here only as the
// narrow seam the handler needs.
type QueryExecutor interface {
	Execute(w http.ResponseWriter, r *http.Request, cfg EndpointConfig)
}

// EndpointRegistry is the sole owner of the live endpoint map. It
// mediates register/unregister/update against an externally supplied
// Router and supports begin/commit/rollback for atomic batches.
type EndpointRegistry struct {
	mu       sync.RWMutex
	router   Router
	active   map[string]*RegisteredEndpoint
	executor QueryExecutor

	updateMu   sync.Mutex
	inProgress bool
	preBatch   map[string]*RegisteredEndpoint // snapshot taken at beginAtomicUpdate
}

// NewEndpointRegistry constructs an empty registry. SetRouter must be
// called before the first registration.
func NewEndpointRegistry(executor QueryExecutor) *EndpointRegistry {
	return &EndpointRegistry{
		active:   make(map[string]*RegisteredEndpoint),
		executor: executor,
	}
}

// SetRouter installs the router adapter. Mandatory before RegisterEndpoint.
func (r *EndpointRegistry) SetRouter(router Router) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.router = router
}

// RegisterEndpoint installs a handler for the given EndpointConfig and
// records it as active.
func (r *EndpointRegistry) RegisterEndpoint(name string, cfg EndpointConfig) EndpointRegistryResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.router == nil {
		return fail("no router configured")
	}
	if _, exists := r.active[name]; exists {
		return fail("endpoint '%s' already registered", name)
	}
	if !validMethods[cfg.Method] {
		return fail("unsupported method '%s'", cfg.Method)
	}

	handler := r.handlerFor(name)
	if err := r.router.Install(cfg.Method, cfg.Path, handler); err != nil {
		return fail("failed to install route: %v", err)
	}

	r.active[name] = &RegisteredEndpoint{
		Name:         name,
		Config:       cfg,
		Active:       true,
		RegisteredAt: time.Now(),
	}
	return ok()
}

// handlerFor returns a handler that looks up `name` in the registry at
// request time; absent or inactive yields 404. This indirection is what
// makes logical deregistration safe on routers without dynamic removal.
func (r *EndpointRegistry) handlerFor(name string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.mu.RLock()
		ep, exists := r.active[name]
		var cfg EndpointConfig
		active := false
		if exists {
			cfg = ep.Config
			active = ep.Active
		}
		executor := r.executor
		r.mu.RUnlock()

		if !exists || !active {
			http.NotFound(w, req)
			return
		}
		if executor == nil {
			http.Error(w, "no query executor configured", http.StatusServiceUnavailable)
			return
		}
		executor.Execute(w, req, cfg)
	})
}

// UnregisterEndpoint marks the endpoint inactive and removes it from the
// live map. Routers that do not support removal still cause the handler
// to return 404 because it checks Active at request time.
func (r *EndpointRegistry) UnregisterEndpoint(name string) EndpointRegistryResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep, exists := r.active[name]
	if !exists {
		return fail("endpoint '%s' not registered", name)
	}
	ep.Active = false
	if err := r.router.Remove(ep.Config.Method, ep.Config.Path); err != nil && err != ErrRouteRemovalUnsupported {
		return fail("failed to remove route: %v", err)
	}
	delete(r.active, name)
	return ok()
}

// UpdateEndpoint is defined as unregister-then-register. Failure to
// re-register after a successful unregister is a fatal mid-update error
// surfaced to the caller.
func (r *EndpointRegistry) UpdateEndpoint(name string, newConfig EndpointConfig) EndpointRegistryResult {
	if res := r.UnregisterEndpoint(name); !res.Success {
		return res
	}
	res := r.RegisterEndpoint(name, newConfig)
	if !res.Success {
		return fail("fatal mid-update: unregistered '%s' but failed to re-register: %s", name, res.Error)
	}
	return res
}

// BeginAtomicUpdate acquires the mutex-style gate for a batch of
// mutations. Returns false if a batch is already in progress.
func (r *EndpointRegistry) BeginAtomicUpdate() bool {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()
	if r.inProgress {
		return false
	}
	r.inProgress = true

	r.mu.RLock()
	snapshot := make(map[string]*RegisteredEndpoint, len(r.active))
	for k, v := range r.active {
		cp := *v
		snapshot[k] = &cp
	}
	r.mu.RUnlock()
	r.preBatch = snapshot
	return true
}

// CommitAtomicUpdate releases the gate, keeping the current live map.
func (r *EndpointRegistry) CommitAtomicUpdate() {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()
	r.inProgress = false
	r.preBatch = nil
}

// RollbackAtomicUpdate restores the live map to its pre-batch snapshot and
// releases the gate. Registry-level rollback does not re-touch the
// router: callers (AtomicUpdateManager) are responsible for re-applying
// route installs/removals consistent with the restored map.
func (r *EndpointRegistry) RollbackAtomicUpdate() {
	r.updateMu.Lock()
	pre := r.preBatch
	r.inProgress = false
	r.preBatch = nil
	r.updateMu.Unlock()

	if pre == nil {
		return
	}
	r.mu.Lock()
	r.active = pre
	r.mu.Unlock()
}

// ValidateAllEndpoints returns the set of currently valid/inactive/invalid
// endpoints. An endpoint is invalid if its referenced query-config name is
// empty (deeper cross-kind checks live in SnapshotStore/ValidationPipeline;
// here it is purely a registry-shape sanity pass used as the post-apply
// gate in AtomicUpdateManager Phase 4).
func (r *EndpointRegistry) ValidateAllEndpoints() EndpointValidation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := EndpointValidation{Invalid: make(map[string]string)}
	for name, ep := range r.active {
		if !ep.Active {
			out.Inactive = append(out.Inactive, name)
			continue
		}
		if ep.Config.Query == "" {
			out.Invalid[name] = "endpoint has no query binding"
			continue
		}
		out.Valid = append(out.Valid, name)
	}
	return out
}

// ActiveEndpoints returns a defensive copy of the live endpoint map.
func (r *EndpointRegistry) ActiveEndpoints() map[string]RegisteredEndpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]RegisteredEndpoint, len(r.active))
	for k, v := range r.active {
		out[k] = *v
	}
	return out
}
