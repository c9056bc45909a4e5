package reload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// OrchestratorState enumerates the top-level state machine's states.
type OrchestratorState string

const (
	StateIdle         OrchestratorState = "IDLE"
	StateWatching     OrchestratorState = "WATCHING"
	StateReloading    OrchestratorState = "RELOADING"
	StateError        OrchestratorState = "ERROR"
	StateDisabled     OrchestratorState = "DISABLED"
	StateShuttingDown OrchestratorState = "SHUTTING_DOWN"
)

// Config is the subset of external application configuration the
// orchestrator consumes, loaded via viper by the host.
type Config struct {
	Enabled             bool
	WatchDirectories    []string
	GlobPatterns        []string
	DebounceMs          int
	MaxAttempts         int
	RollbackOnFailure   bool
	ValidateBeforeApply bool
	MaxHistory          int
}

// AuditSink is the narrow seam the orchestrator writes reload attempts
// through; the concrete implementation is internal/reload/audit.Log, kept
// as an interface here so the core package does not import database
// drivers directly.
type AuditSink interface {
	Append(ctx context.Context, entry AuditLogEntry) error
}

// ReloadStatusInfo is the public status contract exposed to embedding hosts.
type ReloadStatusInfo struct {
	Enabled       bool
	State         OrchestratorState
	Attempts      int
	LastError     string
	SnapshotStats SnapshotStats
	WatcherStats  WatcherStatus
	Timestamp     time.Time
}

// SnapshotStats is a small read-only view of the SnapshotStore for status
// reporting.
type SnapshotStats struct {
	CurrentVersion string
	HistoryCount   int
}

// ReloadOrchestrator is the top-level state machine binding FileWatcher,
// SnapshotStore, ValidationPipeline, AtomicUpdateManager and
// EndpointRegistry.
type ReloadOrchestrator struct {
	logger *slog.Logger
	cfg    Config

	watcher       *FileWatcher
	watcherHandle ListenerHandle
	snapshots     *SnapshotStore
	validation    *ValidationPipeline
	updater       *AtomicUpdateManager
	registry      *EndpointRegistry
	parser        Parser
	metrics       *Metrics
	audit         AuditSink

	mu        sync.Mutex
	state     OrchestratorState
	attempts  int
	lastError string

	stateListenersMu sync.Mutex
	stateListeners   []func(OrchestratorState)
}

// OnStateChange registers a listener invoked whenever the orchestrator's
// state transitions, used by the control surface's live status stream.
func (o *ReloadOrchestrator) OnStateChange(l func(OrchestratorState)) {
	o.stateListenersMu.Lock()
	defer o.stateListenersMu.Unlock()
	o.stateListeners = append(o.stateListeners, l)
}

func (o *ReloadOrchestrator) notifyStateChange(s OrchestratorState) {
	o.stateListenersMu.Lock()
	listeners := append([]func(OrchestratorState){}, o.stateListeners...)
	o.stateListenersMu.Unlock()
	for _, l := range listeners {
		l(s)
	}
}

// NewReloadOrchestrator wires every component together. audit and metrics
// may be nil (audit disabled, metrics unregistered).
func NewReloadOrchestrator(
	logger *slog.Logger,
	cfg Config,
	watcher *FileWatcher,
	snapshots *SnapshotStore,
	validation *ValidationPipeline,
	updater *AtomicUpdateManager,
	registry *EndpointRegistry,
	parser Parser,
	metrics *Metrics,
	audit AuditSink,
) *ReloadOrchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &ReloadOrchestrator{
		logger:     logger,
		cfg:        cfg,
		watcher:    watcher,
		snapshots:  snapshots,
		validation: validation,
		updater:    updater,
		registry:   registry,
		parser:     parser,
		metrics:    metrics,
		audit:      audit,
		state:      StateIdle,
	}
	return o
}

// Initialize transitions IDLE -> WATCHING if hot-reload is enabled,
// subscribing to the FileWatcher and starting it. Otherwise remains IDLE.
func (o *ReloadOrchestrator) Initialize() error {
	if !o.cfg.Enabled {
		o.logger.Info("hot reload disabled, orchestrator stays idle")
		return nil
	}

	o.watcher.SetDebounceDelay(o.cfg.DebounceMs)
	o.watcherHandle = o.watcher.Register(o.onFileChange)
	if err := o.watcher.StartWatching(o.cfg.WatchDirectories, o.cfg.GlobPatterns); err != nil {
		o.setState(StateError)
		o.setLastError(err.Error())
		return fmt.Errorf("%w: %v", ErrFatalInit, err)
	}

	o.setState(StateWatching)
	o.logger.Info("reload orchestrator watching for configuration changes")
	return nil
}

// Shutdown unsubscribes, stops the watcher, and transitions to IDLE via
// SHUTTING_DOWN.
func (o *ReloadOrchestrator) Shutdown() {
	o.setState(StateShuttingDown)
	o.watcher.Unregister(o.watcherHandle)
	o.watcher.StopWatching()
	o.setState(StateIdle)
}

// Status returns the current public status snapshot.
func (o *ReloadOrchestrator) Status() ReloadStatusInfo {
	o.mu.Lock()
	defer o.mu.Unlock()

	stats := SnapshotStats{}
	if cur, ok := o.snapshots.CurrentSnapshot(); ok {
		stats.CurrentVersion = cur.Version
	}
	stats.HistoryCount = len(o.snapshots.AvailableVersions())

	return ReloadStatusInfo{
		Enabled:       o.cfg.Enabled,
		State:         o.state,
		Attempts:      o.attempts,
		LastError:     o.lastError,
		SnapshotStats: stats,
		WatcherStats:  o.watcher.Status(),
		Timestamp:     time.Now(),
	}
}

func (o *ReloadOrchestrator) onFileChange(ev FileChangeEvent) {
	if o.currentState() == StateReloading {
		o.logger.Info("dropping file event, reload already in progress", "path", ev.Path)
		return
	}
	req := ReloadRequest{
		RequestID: uuid.NewString(),
		Trigger:   TriggerFileChange,
	}
	// Dispatched off the watcher goroutine to avoid stalling file-event
	// ingestion; a panic in the async task must not escape it.
	go o.dispatchReload(req)
}

func (o *ReloadOrchestrator) dispatchReload(req ReloadRequest) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("reload task panicked", "recover", r)
			o.handleReloadFailure(fmt.Errorf("panic during reload: %v", r))
		}
	}()
	_, _ = o.TriggerReload(context.Background(), req)
}

// TriggerReload is rejected if disabled or currently RELOADING.
// force=true bypasses only the RELOADING state check; a genuinely live
// update is still protected by AtomicUpdateManager's in-flight gate, so
// a forced request racing one fails there instead of pre-empting it.
func (o *ReloadOrchestrator) TriggerReload(ctx context.Context, req ReloadRequest) (ReloadOutcome, error) {
	if !o.cfg.Enabled {
		return OutcomeApplyFailed, fmt.Errorf("hot reload is disabled")
	}

	o.mu.Lock()
	if o.state == StateReloading && !req.Force {
		o.mu.Unlock()
		return OutcomeApplyFailed, fmt.Errorf("%w: reload already in progress", ErrConcurrency)
	}
	if o.state == StateDisabled {
		o.mu.Unlock()
		return OutcomeApplyFailed, fmt.Errorf("reload orchestrator is disabled after repeated failures")
	}
	o.state = StateReloading
	o.mu.Unlock()
	o.notifyStateChange(StateReloading)

	outcome, err := o.runReloadSequence(ctx, req)

	o.mu.Lock()
	if err != nil {
		o.attempts++
		o.lastError = err.Error()
		if o.attempts >= o.cfg.MaxAttempts && o.cfg.MaxAttempts > 0 {
			o.state = StateDisabled
			o.logger.Error("reload orchestrator disabled after repeated failures", "attempts", o.attempts)
		} else {
			o.state = StateWatching
		}
	} else {
		o.attempts = 0
		o.lastError = ""
		o.state = StateWatching
	}
	final := o.state
	o.mu.Unlock()
	o.notifyStateChange(final)

	return outcome, err
}

// runReloadSequence drives one reload end to end, recording
// an AuditLogEntry and phase-duration metrics regardless of outcome.
func (o *ReloadOrchestrator) runReloadSequence(ctx context.Context, req ReloadRequest) (ReloadOutcome, error) {
	started := time.Now()
	var versionBefore, versionAfter string
	if cur, ok := o.snapshots.CurrentSnapshot(); ok {
		versionBefore = cur.Version
	}

	outcome, summary, seqErr := o.reloadSteps(ctx, req, &versionAfter)

	finished := time.Now()
	if o.metrics != nil {
		o.metrics.ReloadDuration.Observe(finished.Sub(started).Seconds())
		o.metrics.ReloadTotal.WithLabelValues(string(outcome)).Inc()
		if seqErr != nil {
			o.metrics.ReloadErrors.WithLabelValues(errorKind(seqErr)).Inc()
		}
		if outcome == OutcomeSuccess {
			o.metrics.LastSuccessTimestamp.Set(float64(finished.Unix()))
		}
		if outcome == OutcomeRolledBack {
			o.metrics.ReloadRollbacks.Inc()
		}
	}

	if o.audit != nil {
		entry := AuditLogEntry{
			RequestID:     req.RequestID,
			Trigger:       req.Trigger,
			StartedAt:     started,
			FinishedAt:    finished,
			Outcome:       outcome,
			VersionBefore: versionBefore,
			VersionAfter:  versionAfter,
			Summary:       summary,
		}
		if err := o.audit.Append(ctx, entry); err != nil {
			o.logger.Error("failed to append audit log entry", "error", err)
		}
	}

	return outcome, seqErr
}

func (o *ReloadOrchestrator) reloadSteps(ctx context.Context, req ReloadRequest, versionAfter *string) (ReloadOutcome, string, error) {
	phase := func(name string, start time.Time) {
		if o.metrics != nil {
			o.metrics.PhaseDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		}
	}

	// 1. Load.
	loadStart := time.Now()
	files := req.SpecificFiles
	if len(files) == 0 {
		files = o.watchedFiles()
	}
	newSet, err := o.parser.Parse(files)
	phase("load", loadStart)
	if err != nil {
		return OutcomeApplyFailed, "parse failed", fmt.Errorf("%w: %v", ErrConfigSyntax, err)
	}

	// 2. Snapshot current state.
	snapStart := time.Now()
	var pre *ConfigurationSnapshot
	if cur, ok := o.snapshots.CurrentSnapshot(); ok {
		pre = &cur
	}
	phase("snapshot", snapStart)

	// 3. Delta.
	diffStart := time.Now()
	delta := o.snapshots.CalculateDelta(pre, newSet)
	phase("diff", diffStart)
	if delta.IsEmpty() {
		return OutcomeNoChange, "no changes", nil
	}

	// 4. Validate. A validate-only request always validates and never
	// applies, whatever ValidateBeforeApply says.
	if o.cfg.ValidateBeforeApply || req.ValidateOnly {
		valStart := time.Now()
		result := o.validation.Run(ctx, delta, newSet)
		phase("validate", valStart)
		if !result.Valid() {
			return OutcomeValidationFailed, fmt.Sprintf("%d validation error(s)", len(result.Errors())), validationError(result)
		}
		if req.ValidateOnly {
			return OutcomeSuccess, "validate-only run passed", nil
		}
	}

	// 5. Apply.
	applyStart := time.Now()
	var preDatabases map[string]DatabaseConfig
	if pre != nil {
		preDatabases = pre.Config.Databases
	}
	applyResult := o.updater.Apply(ctx, delta, preDatabases)
	phase("apply", applyStart)
	if o.metrics != nil {
		for _, pr := range applyResult.Phases {
			o.metrics.ComponentDuration.WithLabelValues(pr.Phase).Observe(float64(pr.DurationMs) / 1000)
		}
	}
	if !applyResult.Success {
		if o.cfg.RollbackOnFailure && pre != nil {
			o.snapshots.RestoreSnapshot(pre.Version)
			return OutcomeRolledBack, "apply failed, restored pre-reload snapshot", applyResult.Err
		}
		return OutcomeApplyFailed, "apply failed", applyResult.Err
	}

	// 6. Commit new snapshot.
	commitStart := time.Now()
	snap := o.snapshots.CreateSnapshot(newSet)
	*versionAfter = snap.Version
	phase("snapshot_commit", commitStart)
	if o.metrics != nil {
		o.metrics.CurrentVersion.Reset()
		o.metrics.CurrentVersion.WithLabelValues(snap.Version).Set(1)
	}

	return OutcomeSuccess, fmt.Sprintf("applied %d change(s)", delta.TotalChanges()), nil
}

// watchedFiles re-scans every configured watch directory for files
// matching the configured glob patterns, used for a full reload when a
// ReloadRequest carries no SpecificFiles.
func (o *ReloadOrchestrator) watchedFiles() []string {
	var files []string
	for _, dir := range o.cfg.WatchDirectories {
		entries, err := os.ReadDir(dir)
		if err != nil {
			o.logger.Warn("failed to scan watch directory", "dir", dir, "error", err)
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			name := entry.Name()
			if isIgnoredName(name) {
				continue
			}
			if !matchesAny(name, o.cfg.GlobPatterns) {
				continue
			}
			files = append(files, filepath.Join(dir, name))
		}
	}
	return files
}

func (o *ReloadOrchestrator) handleReloadFailure(err error) {
	o.mu.Lock()
	o.attempts++
	o.lastError = err.Error()
	if o.attempts >= o.cfg.MaxAttempts && o.cfg.MaxAttempts > 0 {
		o.state = StateDisabled
	} else {
		o.state = StateWatching
	}
	o.mu.Unlock()
}

func (o *ReloadOrchestrator) currentState() OrchestratorState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *ReloadOrchestrator) setState(s OrchestratorState) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	o.notifyStateChange(s)
}

func (o *ReloadOrchestrator) setLastError(msg string) {
	o.mu.Lock()
	o.lastError = msg
	o.mu.Unlock()
}

// errorKind maps a reload error onto its taxonomy name for metric
// labeling, falling back to "other" for anything unwrapped.
func errorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfigSyntax):
		return "config_syntax"
	case errors.Is(err, ErrDependency):
		return "dependency"
	case errors.Is(err, ErrConnectivity):
		return "connectivity"
	case errors.Is(err, ErrEndpointHealth):
		return "endpoint_health"
	case errors.Is(err, ErrApply):
		return "apply"
	case errors.Is(err, ErrRollback):
		return "rollback"
	case errors.Is(err, ErrConcurrency):
		return "concurrency"
	case errors.Is(err, ErrWatcher):
		return "watcher"
	case errors.Is(err, ErrFatalInit):
		return "fatal_init"
	default:
		return "other"
	}
}
