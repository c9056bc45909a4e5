package reload

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DatabasePool is the external database/connection-pool manager
// collaborator: AtomicUpdateManager only needs to tell
// it to add, update, or remove a database entry.
type DatabasePool interface {
	AddDatabase(ctx context.Context, cfg DatabaseConfig) error
	UpdateDatabase(ctx context.Context, cfg DatabaseConfig) error
	RemoveDatabase(ctx context.Context, name string) error
}

// AtomicUpdateManager sequences database and endpoint mutations for a
// validated Delta across four phases, with compensating rollback on any
// failure. At most one transaction is in-flight process-wide, enforced by
// a CAS on an atomic.Bool; cross-process coordination is a non-goal.
type AtomicUpdateManager struct {
	logger   *slog.Logger
	registry *EndpointRegistry
	pool     DatabasePool

	updateInProgress atomic.Bool
}

// NewAtomicUpdateManager constructs a manager bound to the given registry
// and database pool.
func NewAtomicUpdateManager(logger *slog.Logger, registry *EndpointRegistry, pool DatabasePool) *AtomicUpdateManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &AtomicUpdateManager{logger: logger, registry: registry, pool: pool}
}

// Apply runs the four-phase commit for delta against preDatabases (the
// pre-apply database map, needed to compute rollback values) and returns
// an AtomicUpdateResult carrying every phase's sub-result.
func (m *AtomicUpdateManager) Apply(ctx context.Context, delta ConfigurationDelta, preDatabases map[string]DatabaseConfig) AtomicUpdateResult {
	if !m.updateInProgress.CompareAndSwap(false, true) {
		return AtomicUpdateResult{
			Success: false,
			Err:     fmt.Errorf("%w: another update is already in progress", ErrConcurrency),
		}
	}
	defer m.updateInProgress.Store(false)

	result := AtomicUpdateResult{UpdateID: uuid.NewString()}

	// Phase 1: prepare.
	prepStart := time.Now()
	if !m.registry.BeginAtomicUpdate() {
		result.Phases = append(result.Phases, ApplyPhaseResult{Phase: "prepare", Success: false, DurationMs: elapsedMs(prepStart)})
		result.Err = fmt.Errorf("%w: registry gate already held", ErrConcurrency)
		return result
	}
	live := m.registry.ActiveEndpoints()
	for name := range delta.Endpoints.Added {
		if _, exists := live[name]; exists {
			m.registry.RollbackAtomicUpdate()
			result.Phases = append(result.Phases, ApplyPhaseResult{Phase: "prepare", Success: false, DurationMs: elapsedMs(prepStart)})
			result.Err = fmt.Errorf("%w: endpoint '%s' collides with an already-live endpoint", ErrApply, name)
			return result
		}
	}
	result.Phases = append(result.Phases, ApplyPhaseResult{Phase: "prepare", Success: true, DurationMs: elapsedMs(prepStart)})

	// Phase 2: databases.
	dbStart := time.Now()
	if err := m.applyDatabases(ctx, delta); err != nil {
		result.Phases = append(result.Phases, ApplyPhaseResult{Phase: "databases", Success: false, Error: err, DurationMs: elapsedMs(dbStart)})
		m.rollback(ctx, &result, delta, preDatabases)
		result.Err = err
		return result
	}
	result.Phases = append(result.Phases, ApplyPhaseResult{Phase: "databases", Success: true, DurationMs: elapsedMs(dbStart)})

	// Phase 3: endpoints, inverse order (removed -> modified -> added) to
	// avoid dangling references during the transition.
	epStart := time.Now()
	if err := m.applyEndpoints(delta); err != nil {
		result.Phases = append(result.Phases, ApplyPhaseResult{Phase: "endpoints", Success: false, Error: err, DurationMs: elapsedMs(epStart)})
		m.rollback(ctx, &result, delta, preDatabases)
		result.Err = err
		return result
	}
	result.Phases = append(result.Phases, ApplyPhaseResult{Phase: "endpoints", Success: true, DurationMs: elapsedMs(epStart)})

	// Phase 4: post-validate.
	pvStart := time.Now()
	validation := m.registry.ValidateAllEndpoints()
	if len(validation.Invalid) > 0 {
		err := fmt.Errorf("%w: %d endpoint(s) failed post-apply validation", ErrApply, len(validation.Invalid))
		result.Phases = append(result.Phases, ApplyPhaseResult{Phase: "post-validate", Success: false, Error: err, DurationMs: elapsedMs(pvStart)})
		m.rollback(ctx, &result, delta, preDatabases)
		result.Err = err
		return result
	}
	result.Phases = append(result.Phases, ApplyPhaseResult{Phase: "post-validate", Success: true, DurationMs: elapsedMs(pvStart)})

	m.registry.CommitAtomicUpdate()
	result.Success = true
	return result
}

func (m *AtomicUpdateManager) applyDatabases(ctx context.Context, delta ConfigurationDelta) error {
	if m.pool == nil {
		return nil
	}
	for _, cfg := range delta.Databases.Added {
		if err := m.pool.AddDatabase(ctx, cfg); err != nil {
			return wrapApply(fmt.Sprintf("add database '%s': %v", cfg.Name, err))
		}
	}
	for _, cfg := range delta.Databases.Modified {
		if err := m.pool.UpdateDatabase(ctx, cfg); err != nil {
			return wrapApply(fmt.Sprintf("update database '%s': %v", cfg.Name, err))
		}
	}
	for name := range delta.Databases.Removed {
		if err := m.pool.RemoveDatabase(ctx, name); err != nil {
			return wrapApply(fmt.Sprintf("remove database '%s': %v", name, err))
		}
	}
	return nil
}

func (m *AtomicUpdateManager) applyEndpoints(delta ConfigurationDelta) error {
	for name := range delta.Endpoints.Removed {
		if res := m.registry.UnregisterEndpoint(name); !res.Success {
			return wrapApply(fmt.Sprintf("unregister endpoint '%s': %s", name, res.Error))
		}
	}
	for name, cfg := range delta.Endpoints.Modified {
		if res := m.registry.UpdateEndpoint(name, cfg); !res.Success {
			return wrapApply(fmt.Sprintf("update endpoint '%s': %s", name, res.Error))
		}
	}
	for name, cfg := range delta.Endpoints.Added {
		if res := m.registry.RegisterEndpoint(name, cfg); !res.Success {
			return wrapApply(fmt.Sprintf("register endpoint '%s': %s", name, res.Error))
		}
	}
	return nil
}

// rollback performs symmetric compensation: added items are removed,
// modified items are restored from preDatabases, removed items are
// re-installed from preDatabases.
func (m *AtomicUpdateManager) rollback(ctx context.Context, result *AtomicUpdateResult, delta ConfigurationDelta, preDatabases map[string]DatabaseConfig) {
	rbStart := time.Now()
	var rbErr error

	// Endpoint rollback is safe to call even when phase 3 never ran: the
	// registry gate is still held from prepare either way.
	m.registry.RollbackAtomicUpdate()

	if m.pool != nil {
		for name := range delta.Databases.Added {
			if err := m.pool.RemoveDatabase(ctx, name); err != nil {
				rbErr = appendRollbackErr(rbErr, fmt.Sprintf("compensate add '%s': %v", name, err))
			}
		}
		for name := range delta.Databases.Modified {
			if prev, ok := preDatabases[name]; ok {
				if err := m.pool.UpdateDatabase(ctx, prev); err != nil {
					rbErr = appendRollbackErr(rbErr, fmt.Sprintf("compensate modify '%s': %v", name, err))
				}
			}
		}
		for name := range delta.Databases.Removed {
			if prev, ok := preDatabases[name]; ok {
				if err := m.pool.AddDatabase(ctx, prev); err != nil {
					rbErr = appendRollbackErr(rbErr, fmt.Sprintf("compensate removal '%s': %v", name, err))
				}
			}
		}
	}

	if rbErr != nil {
		m.logger.Error("rollback encountered errors", "error", rbErr)
	}
	result.RollbackError = rbErr
	result.Phases = append(result.Phases, ApplyPhaseResult{Phase: "rollback", Success: rbErr == nil, Error: rbErr, DurationMs: elapsedMs(rbStart)})
}

func appendRollbackErr(existing error, msg string) error {
	wrapped := wrapRollback(msg)
	if existing == nil {
		return wrapped
	}
	return fmt.Errorf("%w; %v", existing, wrapped)
}
