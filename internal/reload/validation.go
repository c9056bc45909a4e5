package reload

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jackc/pgx/v5/pgxpool"
)

var validMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true, "PATCH": true,
}

var structValidator = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("pathslash", func(fl validator.FieldLevel) bool {
		return strings.HasPrefix(fl.Field().String(), "/")
	})
	_ = v.RegisterValidation("httpmethod", func(fl validator.FieldLevel) bool {
		return validMethods[fl.Field().String()]
	})
	return v
}

// Connectivity probes a single database by name and returns nil if
// reachable. The default implementation dials with pgxpool; tests may
// substitute a fake.
type Connectivity interface {
	Probe(ctx context.Context, db DatabaseConfig) error
}

// PgxConnectivity probes a DatabaseConfig by opening a short-lived
// pgxpool and pinging it. Reachability is all this stage needs; the
// pool is closed immediately after the ping.
type PgxConnectivity struct{}

func (PgxConnectivity) Probe(ctx context.Context, db DatabaseConfig) error {
	pool, err := pgxpool.New(ctx, db.URL)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConnectivity, db.Name, err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConnectivity, db.Name, err)
	}
	return nil
}

// ValidationPipeline runs ordered, short-circuiting validation stages
// over a proposed (Delta, ConfigurationSet) pair.
type ValidationPipeline struct {
	logger       *slog.Logger
	snapshots    *SnapshotStore
	connectivity Connectivity

	probeCacheTTL time.Duration
	probeCache    *lru.Cache[string, probeVerdict]
	probeCacheMu  sync.Mutex

	aggregateTimeout time.Duration
}

type probeVerdict struct {
	ok        bool
	checkedAt time.Time
}

// ValidationPipelineOption configures optional ValidationPipeline
// behavior.
type ValidationPipelineOption func(*ValidationPipeline)

// WithConnectivity overrides the default pgx-based connectivity prober.
func WithConnectivity(c Connectivity) ValidationPipelineOption {
	return func(p *ValidationPipeline) { p.connectivity = c }
}

// WithAggregateTimeout overrides the default 30s connectivity-stage
// aggregate deadline.
func WithAggregateTimeout(d time.Duration) ValidationPipelineOption {
	return func(p *ValidationPipeline) { p.aggregateTimeout = d }
}

// NewValidationPipeline constructs a pipeline backed by the given
// SnapshotStore for the dependencies stage.
func NewValidationPipeline(logger *slog.Logger, snapshots *SnapshotStore, opts ...ValidationPipelineOption) *ValidationPipeline {
	if logger == nil {
		logger = slog.Default()
	}
	cache, _ := lru.New[string, probeVerdict](256)
	p := &ValidationPipeline{
		logger:           logger,
		snapshots:        snapshots,
		connectivity:     PgxConnectivity{},
		probeCacheTTL:    30 * time.Second,
		probeCache:       cache,
		aggregateTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes all four stages over delta/proposed and returns the
// aggregated ValidationResult.
func (p *ValidationPipeline) Run(ctx context.Context, delta ConfigurationDelta, proposed ConfigurationSet) ValidationResult {
	result := NewValidationResult()
	start := time.Now()

	syntaxResult := p.runSyntax(delta)
	result.Stages["syntax"] = syntaxResult

	depsResult := p.runDependencies(delta, proposed)
	result.Stages["dependencies"] = depsResult

	shortCircuit := syntaxResult.HasErrors() || depsResult.HasErrors()

	if shortCircuit {
		result.TotalMs = elapsedMs(start)
		return result
	}

	// Stages 3-4 run independently even if either fails; launch both
	// concurrently since neither depends on the other's outcome.
	var wg sync.WaitGroup
	var connResult, healthResult StageResult
	wg.Add(2)
	go func() {
		defer wg.Done()
		connResult = p.runConnectivity(ctx, delta)
	}()
	go func() {
		defer wg.Done()
		healthResult = p.runEndpointHealth(delta, proposed)
	}()
	wg.Wait()

	result.Stages["connectivity"] = connResult
	result.Stages["endpointHealth"] = healthResult
	result.TotalMs = elapsedMs(start)
	return result
}

func (p *ValidationPipeline) runSyntax(delta ConfigurationDelta) StageResult {
	start := time.Now()
	res := StageResult{Stage: "syntax"}

	checkDB := func(d DatabaseConfig) {
		if err := structValidator.Struct(d); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("database '%s': %v", d.Name, err))
		}
	}
	checkQuery := func(q QueryConfig) {
		if err := structValidator.Struct(q); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("query '%s': %v", q.Name, err))
		}
	}
	checkEndpoint := func(e EndpointConfig) {
		if err := structValidator.Struct(e); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("endpoint '%s': %v", e.Name, err))
		}
	}

	for _, d := range delta.Databases.Added {
		checkDB(d)
	}
	for _, d := range delta.Databases.Modified {
		checkDB(d)
	}
	for _, q := range delta.Queries.Added {
		checkQuery(q)
	}
	for _, q := range delta.Queries.Modified {
		checkQuery(q)
	}
	for _, e := range delta.Endpoints.Added {
		checkEndpoint(e)
	}
	for _, e := range delta.Endpoints.Modified {
		checkEndpoint(e)
	}

	res.DurationMs = elapsedMs(start)
	return res
}

func (p *ValidationPipeline) runDependencies(delta ConfigurationDelta, proposed ConfigurationSet) StageResult {
	start := time.Now()
	errs, warnings := p.snapshots.ValidateDependencies(delta, proposed.Databases, proposed.Queries, proposed.Endpoints)
	return StageResult{
		Stage:      "dependencies",
		Errors:     errs,
		Warnings:   warnings,
		DurationMs: elapsedMs(start),
	}
}

func (p *ValidationPipeline) runConnectivity(ctx context.Context, delta ConfigurationDelta) StageResult {
	start := time.Now()
	res := StageResult{Stage: "connectivity"}

	var touched []DatabaseConfig
	for _, d := range delta.Databases.Added {
		touched = append(touched, d)
	}
	for _, d := range delta.Databases.Modified {
		touched = append(touched, d)
	}
	if len(touched) == 0 {
		res.DurationMs = elapsedMs(start)
		return res
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.aggregateTimeout)
	defer cancel()

	type outcome struct {
		name string
		err  error
	}
	results := make(chan outcome, len(touched))
	var wg sync.WaitGroup
	for _, db := range touched {
		wg.Add(1)
		go func(db DatabaseConfig) {
			defer wg.Done()
			results <- outcome{name: db.Name, err: p.probe(probeCtx, db)}
		}(db)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	for o := range results {
		if o.err != nil {
			res.Errors = append(res.Errors, o.err.Error())
		}
	}
	if probeCtx.Err() != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("connectivity stage exceeded aggregate timeout %s", p.aggregateTimeout))
	}

	res.DurationMs = elapsedMs(start)
	return res
}

// probe consults the LRU verdict cache before dialing; a successful probe
// within probeCacheTTL short-circuits a re-dial of the same database
// fingerprint during a reload storm.
func (p *ValidationPipeline) probe(ctx context.Context, db DatabaseConfig) error {
	key := fmt.Sprintf("%s|%s|%s", db.Name, db.Driver, db.URL)

	p.probeCacheMu.Lock()
	if v, ok := p.probeCache.Get(key); ok && v.ok && time.Since(v.checkedAt) < p.probeCacheTTL {
		p.probeCacheMu.Unlock()
		return nil
	}
	p.probeCacheMu.Unlock()

	err := p.connectivity.Probe(ctx, db)

	p.probeCacheMu.Lock()
	p.probeCache.Add(key, probeVerdict{ok: err == nil, checkedAt: time.Now()})
	p.probeCacheMu.Unlock()

	return err
}

// validationError wraps a failed ValidationResult in the sentinel
// matching the earliest failed stage, so errors.Is classification and
// metric labels reflect the real cause.
func validationError(r ValidationResult) error {
	switch {
	case r.Stages["syntax"].HasErrors():
		return fmt.Errorf("%w: %v", ErrConfigSyntax, r.Errors())
	case r.Stages["dependencies"].HasErrors():
		return fmt.Errorf("%w: %v", ErrDependency, r.Errors())
	case r.Stages["connectivity"].HasErrors():
		return fmt.Errorf("%w: %v", ErrConnectivity, r.Errors())
	default:
		return fmt.Errorf("%w: %v", ErrEndpointHealth, r.Errors())
	}
}

func (p *ValidationPipeline) runEndpointHealth(delta ConfigurationDelta, proposed ConfigurationSet) StageResult {
	start := time.Now()
	res := StageResult{Stage: "endpointHealth"}

	check := func(e EndpointConfig) {
		if _, ok := proposed.Queries[e.Query]; !ok {
			res.Errors = append(res.Errors, fmt.Sprintf("endpoint '%s' would reference missing query '%s' at creation time", e.Name, e.Query))
		}
	}
	for _, e := range delta.Endpoints.Added {
		check(e)
	}
	for _, e := range delta.Endpoints.Modified {
		check(e)
	}

	res.DurationMs = elapsedMs(start)
	return res
}
