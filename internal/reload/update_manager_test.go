package reload

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDatabasePool implements DatabasePool for tests; failAdd holds the
// database names whose AddDatabase call should fail, simulating phase-2
// apply failure.
type fakeDatabasePool struct {
	added, updated, removed []string
	failAdd                 map[string]bool
}

func newFakeDatabasePool() *fakeDatabasePool {
	return &fakeDatabasePool{failAdd: make(map[string]bool)}
}

func (f *fakeDatabasePool) AddDatabase(ctx context.Context, cfg DatabaseConfig) error {
	if f.failAdd[cfg.Name] {
		return errors.New("connection refused")
	}
	f.added = append(f.added, cfg.Name)
	return nil
}

func (f *fakeDatabasePool) UpdateDatabase(ctx context.Context, cfg DatabaseConfig) error {
	f.updated = append(f.updated, cfg.Name)
	return nil
}

func (f *fakeDatabasePool) RemoveDatabase(ctx context.Context, name string) error {
	f.removed = append(f.removed, name)
	return nil
}

func TestAtomicUpdateManager_SuccessfulAdditiveApply(t *testing.T) {
	reg, _, _ := newTestRegistry()
	pool := newFakeDatabasePool()
	mgr := NewAtomicUpdateManager(nil, reg, pool)

	delta := NewConfigurationDelta()
	delta.Databases.Added["db1"] = DatabaseConfig{Name: "db1", URL: "u", Driver: "postgres"}
	delta.Endpoints.Added["e1"] = EndpointConfig{Name: "e1", Path: "/e1", Method: "GET", Query: "q1"}

	result := mgr.Apply(context.Background(), delta, nil)
	require.True(t, result.Success)
	assert.Contains(t, pool.added, "db1")
	assert.Contains(t, reg.ActiveEndpoints(), "e1")
}

func TestAtomicUpdateManager_PrepareRejectsCollidingEndpoint(t *testing.T) {
	reg, _, _ := newTestRegistry()
	require.True(t, reg.RegisterEndpoint("e1", EndpointConfig{Name: "e1", Path: "/e1", Method: "GET", Query: "q1"}).Success)

	mgr := NewAtomicUpdateManager(nil, reg, newFakeDatabasePool())
	delta := NewConfigurationDelta()
	delta.Endpoints.Added["e1"] = EndpointConfig{Name: "e1", Path: "/e1v2", Method: "GET", Query: "q1"}

	result := mgr.Apply(context.Background(), delta, nil)
	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Err, ErrApply)
}

func TestAtomicUpdateManager_DatabaseFailureRollsBack(t *testing.T) {
	reg, _, _ := newTestRegistry()
	require.True(t, reg.RegisterEndpoint("existing", EndpointConfig{Name: "existing", Path: "/existing", Method: "GET", Query: "q0"}).Success)

	pool := newFakeDatabasePool()
	pool.failAdd["baddb"] = true
	mgr := NewAtomicUpdateManager(nil, reg, pool)

	delta := NewConfigurationDelta()
	delta.Databases.Added["baddb"] = DatabaseConfig{Name: "baddb", URL: "u", Driver: "postgres"}
	delta.Endpoints.Added["e1"] = EndpointConfig{Name: "e1", Path: "/e1", Method: "GET", Query: "q1"}

	preState := reg.ActiveEndpoints()
	result := mgr.Apply(context.Background(), delta, nil)

	require.False(t, result.Success)
	assert.ErrorIs(t, result.Err, ErrApply)
	assert.NotContains(t, reg.ActiveEndpoints(), "e1", "endpoint phase must never have run")
	assert.Equal(t, preState, reg.ActiveEndpoints(), "registry must be exactly as before the failed apply")
}

func TestAtomicUpdateManager_EndpointFailureRollsBackDatabaseToo(t *testing.T) {
	reg, _, _ := newTestRegistry()
	// A live endpoint that the delta below does not touch.
	require.True(t, reg.RegisterEndpoint("e2", EndpointConfig{Name: "e2", Path: "/e2", Method: "GET", Query: "qX"}).Success)

	pool := newFakeDatabasePool()
	mgr := NewAtomicUpdateManager(nil, reg, pool)

	delta := NewConfigurationDelta()
	delta.Databases.Added["db1"] = DatabaseConfig{Name: "db1", URL: "u", Driver: "postgres"}
	delta.Endpoints.Added["e1"] = EndpointConfig{Name: "e1", Path: "/e1", Method: "GET", Query: "q1"}
	// Prepare's collision check only covers Added names, so the
	// applyEndpoints failure is forced via a modify to a name that was never
	// registered (UpdateEndpoint first unregisters, which fails because it's
	// not present).
	delta.Endpoints.Modified["never-registered"] = EndpointConfig{Name: "never-registered", Path: "/x", Method: "GET", Query: "q1"}

	result := mgr.Apply(context.Background(), delta, map[string]DatabaseConfig{})
	require.False(t, result.Success)
	assert.ErrorIs(t, result.Err, ErrApply)

	// Database rollback must have compensated the added database.
	assert.Contains(t, pool.removed, "db1")
	// Endpoint e1 must not remain registered.
	assert.NotContains(t, reg.ActiveEndpoints(), "e1")
}

func TestAtomicUpdateManager_ConcurrentUpdateRejected(t *testing.T) {
	reg, _, _ := newTestRegistry()
	mgr := NewAtomicUpdateManager(nil, reg, newFakeDatabasePool())

	require.True(t, mgr.updateInProgress.CompareAndSwap(false, true))
	defer mgr.updateInProgress.Store(false)

	result := mgr.Apply(context.Background(), NewConfigurationDelta(), nil)
	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Err, ErrConcurrency)
}
