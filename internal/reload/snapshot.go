package reload

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SnapshotStore retains an ordered, bounded history of immutable
// ConfigurationSnapshots, computes deltas between them, and enforces
// cross-kind referential-integrity rules. Safe for concurrent use.
type SnapshotStore struct {
	mu         sync.RWMutex
	maxHistory int
	history    []ConfigurationSnapshot // oldest first
	current    string                  // version of the current snapshot, "" if none
	counter    uint64
}

// NewSnapshotStore returns a store bounded to maxHistory snapshots
// (defaulting to 10 when maxHistory <= 0).
func NewSnapshotStore(maxHistory int) *SnapshotStore {
	if maxHistory <= 0 {
		maxHistory = 10
	}
	return &SnapshotStore{maxHistory: maxHistory}
}

// nextVersion mints a monotonically unique version string: a timestamp
// plus a process counter, tie-broken with a uuid so uniqueness holds even
// across rapid successive calls within the same millisecond.
func (s *SnapshotStore) nextVersion() string {
	s.counter++
	return fmt.Sprintf("%d-%d-%s", time.Now().UnixNano(), s.counter, uuid.NewString()[:8])
}

// CreateSnapshot deep-copies the given configuration, assigns a new
// version, sets it as current, and evicts the oldest snapshot if history
// would exceed maxHistory.
func (s *SnapshotStore) CreateSnapshot(set ConfigurationSet) ConfigurationSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := ConfigurationSnapshot{
		Version:   s.nextVersion(),
		Timestamp: time.Now(),
		Config:    set.Clone(),
	}
	s.history = append(s.history, snap)
	if len(s.history) > s.maxHistory {
		// I4: eviction is oldest-first by timestamp; history is append
		// ordered, so the oldest is always index 0.
		s.history = s.history[1:]
	}
	s.current = snap.Version
	return snap
}

// CurrentSnapshot returns the current snapshot, if any.
func (s *SnapshotStore) CurrentSnapshot() (ConfigurationSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findLocked(s.current)
}

// Snapshot returns the snapshot for a given version, if retained.
func (s *SnapshotStore) Snapshot(version string) (ConfigurationSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findLocked(version)
}

func (s *SnapshotStore) findLocked(version string) (ConfigurationSnapshot, bool) {
	for _, snap := range s.history {
		if snap.Version == version {
			return snap, true
		}
	}
	return ConfigurationSnapshot{}, false
}

// AvailableVersions returns every retained version, oldest first.
func (s *SnapshotStore) AvailableVersions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.history))
	for i, snap := range s.history {
		out[i] = snap.Version
	}
	return out
}

// RestoreSnapshot sets current to the named snapshot without mutating
// history. Returns false if the version is not retained.
func (s *SnapshotStore) RestoreSnapshot(version string) (ConfigurationSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.findLocked(version)
	if !ok {
		return ConfigurationSnapshot{}, false
	}
	s.current = version
	return snap, true
}

// CalculateDelta computes the nine-way partition between an (optional)
// old snapshot and a proposed new ConfigurationSet. A nil old pointer
// means "no prior snapshot": the entire new set is reported as added.
func (s *SnapshotStore) CalculateDelta(old *ConfigurationSnapshot, newSet ConfigurationSet) ConfigurationDelta {
	delta := NewConfigurationDelta()

	var oldDB map[string]DatabaseConfig
	var oldQ map[string]QueryConfig
	var oldE map[string]EndpointConfig
	if old != nil {
		oldDB, oldQ, oldE = old.Config.Databases, old.Config.Queries, old.Config.Endpoints
	}

	diffKind(oldDB, newSet.Databases, &delta.Databases)
	diffKind(oldQ, newSet.Queries, &delta.Queries)
	diffKind(oldE, newSet.Endpoints, &delta.Endpoints)

	return delta
}

// diffKind computes one kind's share of the delta: added if new
// and absent from old; modified if present in both but structurally
// unequal (reflect.DeepEqual); removed if present in old but absent
// from new.
func diffKind[T any](old, newM map[string]T, out *KindDelta[T]) {
	for name, cfg := range newM {
		prev, existed := old[name]
		if !existed {
			out.Added[name] = cfg
			continue
		}
		if !reflect.DeepEqual(prev, cfg) {
			out.Modified[name] = cfg
		}
	}
	for name := range old {
		if _, stillPresent := newM[name]; !stillPresent {
			out.Removed[name] = struct{}{}
		}
	}
}

// ValidateDependencies enforces I1-I3 against the proposed post-apply
// state: allDatabases/allQueries/allEndpoints are the full sets as they
// would exist after applying delta.
func (s *SnapshotStore) ValidateDependencies(delta ConfigurationDelta, allDatabases map[string]DatabaseConfig, allQueries map[string]QueryConfig, allEndpoints map[string]EndpointConfig) (errs []string, warnings []string) {
	checkQuery := func(q QueryConfig) {
		if _, ok := allDatabases[q.Database]; !ok {
			errs = append(errs, fmt.Sprintf("query '%s' references unknown database '%s'", q.Name, q.Database))
		}
	}
	for _, q := range delta.Queries.Added {
		checkQuery(q)
	}
	for _, q := range delta.Queries.Modified {
		checkQuery(q)
	}

	checkEndpoint := func(e EndpointConfig) {
		if _, ok := allQueries[e.Query]; !ok {
			errs = append(errs, fmt.Sprintf("endpoint '%s' references unknown query '%s'", e.Name, e.Query))
		}
	}
	for _, e := range delta.Endpoints.Added {
		checkEndpoint(e)
	}
	for _, e := range delta.Endpoints.Modified {
		checkEndpoint(e)
	}

	for dbName := range delta.Databases.Removed {
		for _, q := range allQueries {
			if q.Database == dbName {
				errs = append(errs, fmt.Sprintf("cannot remove database '%s' — referenced by query '%s'", dbName, q.Name))
			}
		}
	}
	for qName := range delta.Queries.Removed {
		for _, e := range allEndpoints {
			if e.Query == qName {
				errs = append(errs, fmt.Sprintf("cannot remove query '%s' — referenced by endpoint '%s'", qName, e.Name))
			}
		}
	}

	return errs, warnings
}
