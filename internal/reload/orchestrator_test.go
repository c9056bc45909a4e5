package reload

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeParser implements Parser, returning a canned ConfigurationSet or
// error regardless of the requested files.
type fakeParser struct {
	set ConfigurationSet
	err error
}

func (f *fakeParser) Parse(files []string) (ConfigurationSet, error) {
	return f.set, f.err
}

func newTestOrchestrator(t *testing.T, parser Parser, cfg Config) (*ReloadOrchestrator, *SnapshotStore, *EndpointRegistry) {
	t.Helper()
	snapshots := NewSnapshotStore(cfg.MaxHistory)
	validation := NewValidationPipeline(nil, snapshots, WithConnectivity(&fakeConnectivity{}))
	registry, _, _ := newTestRegistry()
	pool := newFakeDatabasePool()
	updater := NewAtomicUpdateManager(nil, registry, pool)
	watcher := NewFileWatcher(nil)

	orch := NewReloadOrchestrator(nil, cfg, watcher, snapshots, validation, updater, registry, parser, nil, nil)
	return orch, snapshots, registry
}

func defaultTestConfig() Config {
	return Config{
		Enabled:             true,
		MaxAttempts:         3,
		RollbackOnFailure:   true,
		ValidateBeforeApply: true,
		MaxHistory:          10,
	}
}

func TestOrchestrator_EmptyChangeProducesNoNewSnapshot(t *testing.T) {
	base := baselineSet()
	orch, snapshots, _ := newTestOrchestrator(t, &fakeParser{set: base}, defaultTestConfig())

	snapshots.CreateSnapshot(base)
	versionsBefore := snapshots.AvailableVersions()

	outcome, err := orch.TriggerReload(context.Background(), ReloadRequest{RequestID: "r1", Trigger: TriggerManual})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoChange, outcome)
	assert.Equal(t, versionsBefore, snapshots.AvailableVersions())
}

func TestOrchestrator_ValidAdditiveEvolutionSucceeds(t *testing.T) {
	base := baselineSet()
	newSet := base.Clone()
	newSet.Databases["analyticsdb"] = DatabaseConfig{Name: "analyticsdb", URL: "u", Driver: "postgres"}
	newSet.Queries["q_stats"] = QueryConfig{Name: "q_stats", Database: "analyticsdb", SQL: "select 2"}
	newSet.Endpoints["e_stats"] = EndpointConfig{Name: "e_stats", Path: "/stats", Method: "GET", Query: "q_stats"}

	orch, snapshots, registry := newTestOrchestrator(t, &fakeParser{set: newSet}, defaultTestConfig())
	snapshots.CreateSnapshot(base)
	require.True(t, registry.RegisterEndpoint("e1", base.Endpoints["e1"]).Success)

	outcome, err := orch.TriggerReload(context.Background(), ReloadRequest{RequestID: "r1", Trigger: TriggerManual})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, outcome)

	active := registry.ActiveEndpoints()
	assert.Contains(t, active, "e1")
	assert.Contains(t, active, "e_stats")

	cur, ok := snapshots.CurrentSnapshot()
	require.True(t, ok)
	assert.Equal(t, newSet.Databases, cur.Config.Databases)
}

func TestOrchestrator_DanglingReferenceAbortsBeforeApply(t *testing.T) {
	base := baselineSet()
	newSet := base.Clone()
	newSet.Queries["q_bad"] = QueryConfig{Name: "q_bad", Database: "nonexistent_db", SQL: "select 1"}

	orch, snapshots, registry := newTestOrchestrator(t, &fakeParser{set: newSet}, defaultTestConfig())
	snapshots.CreateSnapshot(base)
	versionsBefore := snapshots.AvailableVersions()

	outcome, err := orch.TriggerReload(context.Background(), ReloadRequest{RequestID: "r1", Trigger: TriggerManual})
	require.Error(t, err)
	assert.Equal(t, OutcomeValidationFailed, outcome)
	assert.ErrorIs(t, err, ErrDependency)
	assert.Equal(t, versionsBefore, snapshots.AvailableVersions(), "snapshot history must be unchanged on validation failure")
	assert.NotContains(t, registry.ActiveEndpoints(), "q_bad")
}

func TestOrchestrator_ParseFailureSurfacesConfigSyntaxError(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t, &fakeParser{err: errors.New("malformed yaml")}, defaultTestConfig())

	outcome, err := orch.TriggerReload(context.Background(), ReloadRequest{RequestID: "r1", Trigger: TriggerManual})
	require.Error(t, err)
	assert.Equal(t, OutcomeApplyFailed, outcome)
	assert.ErrorIs(t, err, ErrConfigSyntax)
}

func TestOrchestrator_ValidateOnlyNeverApplies(t *testing.T) {
	base := baselineSet()
	newSet := base.Clone()
	newSet.Databases["analyticsdb"] = DatabaseConfig{Name: "analyticsdb", URL: "u", Driver: "postgres"}
	newSet.Queries["q_stats"] = QueryConfig{Name: "q_stats", Database: "analyticsdb", SQL: "select 2"}
	newSet.Endpoints["e_stats"] = EndpointConfig{Name: "e_stats", Path: "/stats", Method: "GET", Query: "q_stats"}

	orch, snapshots, registry := newTestOrchestrator(t, &fakeParser{set: newSet}, defaultTestConfig())
	snapshots.CreateSnapshot(base)
	versionsBefore := snapshots.AvailableVersions()

	outcome, err := orch.TriggerReload(context.Background(), ReloadRequest{RequestID: "r1", Trigger: TriggerManual, ValidateOnly: true})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, outcome)
	assert.Equal(t, versionsBefore, snapshots.AvailableVersions())
	assert.NotContains(t, registry.ActiveEndpoints(), "e_stats")
}

func TestOrchestrator_ConcurrentReloadRejected(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t, &fakeParser{set: baselineSet()}, defaultTestConfig())

	orch.mu.Lock()
	orch.state = StateReloading
	orch.mu.Unlock()

	outcome, err := orch.TriggerReload(context.Background(), ReloadRequest{RequestID: "r1", Trigger: TriggerManual})
	assert.Error(t, err)
	assert.Equal(t, OutcomeApplyFailed, outcome)
	assert.ErrorIs(t, err, ErrConcurrency)
}

func TestOrchestrator_DisablesAfterMaxAttempts(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.MaxAttempts = 2
	orch, _, _ := newTestOrchestrator(t, &fakeParser{err: errors.New("always fails")}, cfg)

	for i := 0; i < 2; i++ {
		_, err := orch.TriggerReload(context.Background(), ReloadRequest{RequestID: "r", Trigger: TriggerManual})
		require.Error(t, err)
	}

	status := orch.Status()
	assert.Equal(t, StateDisabled, status.State)
	assert.Equal(t, 2, status.Attempts)
}

func TestOrchestrator_AttemptCounterResetsOnSuccess(t *testing.T) {
	base := baselineSet()
	orch, snapshots, _ := newTestOrchestrator(t, &fakeParser{err: errors.New("fails")}, defaultTestConfig())
	snapshots.CreateSnapshot(base)

	_, err := orch.TriggerReload(context.Background(), ReloadRequest{RequestID: "r1", Trigger: TriggerManual})
	require.Error(t, err)
	assert.Equal(t, 1, orch.Status().Attempts)

	// Swap in a parser that now succeeds with a real change.
	newSet := base.Clone()
	newSet.Databases["extra"] = DatabaseConfig{Name: "extra", URL: "u", Driver: "postgres"}
	orch.parser = &fakeParser{set: newSet}

	outcome, err := orch.TriggerReload(context.Background(), ReloadRequest{RequestID: "r2", Trigger: TriggerManual})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, outcome)
	assert.Equal(t, 0, orch.Status().Attempts)
	assert.Empty(t, orch.Status().LastError)
}

func TestOrchestrator_RollbackOnApplyFailureRestoresPreSnapshot(t *testing.T) {
	base := baselineSet()
	newSet := base.Clone()
	newSet.Endpoints["e_bad"] = EndpointConfig{Name: "e_bad", Path: "/bad", Method: "GET", Query: "q1"}

	cfg := defaultTestConfig()
	cfg.ValidateBeforeApply = false // force the AtomicUpdateManager to be the one that fails
	orch, snapshots, registry := newTestOrchestrator(t, &fakeParser{set: newSet}, cfg)
	pre := snapshots.CreateSnapshot(base)

	// Pre-occupy e_bad's name so the prepare phase collides.
	require.True(t, registry.RegisterEndpoint("e_bad", EndpointConfig{Name: "e_bad", Path: "/already", Method: "GET", Query: "q1"}).Success)

	outcome, err := orch.TriggerReload(context.Background(), ReloadRequest{RequestID: "r1", Trigger: TriggerManual})
	require.Error(t, err)
	assert.Equal(t, OutcomeRolledBack, outcome)

	cur, ok := snapshots.CurrentSnapshot()
	require.True(t, ok)
	assert.Equal(t, pre.Version, cur.Version, "rollback must restore the pre-reload snapshot as current")
}
