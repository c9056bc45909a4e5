package reload

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxDatabasePool is the default DatabasePool implementation: a
// name-keyed map of pgxpool.Pool instances (connect on add, close on
// remove), reduced to the three mutation operations
// AtomicUpdateManager needs. Query execution itself belongs to the
// host's database pool manager.
type PgxDatabasePool struct {
	logger *slog.Logger

	mu    sync.RWMutex
	pools map[string]*pgxpool.Pool
}

// NewPgxDatabasePool constructs an empty pool registry.
func NewPgxDatabasePool(logger *slog.Logger) *PgxDatabasePool {
	if logger == nil {
		logger = slog.Default()
	}
	return &PgxDatabasePool{logger: logger, pools: make(map[string]*pgxpool.Pool)}
}

func (p *PgxDatabasePool) AddDatabase(ctx context.Context, cfg DatabaseConfig) error {
	pool, err := pgxpool.New(ctx, cfg.URL)
	if err != nil {
		return fmt.Errorf("connect database '%s': %w", cfg.Name, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("ping database '%s': %w", cfg.Name, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.pools[cfg.Name]; ok {
		existing.Close()
	}
	p.pools[cfg.Name] = pool
	p.logger.Info("database pool added", "database", cfg.Name)
	return nil
}

func (p *PgxDatabasePool) UpdateDatabase(ctx context.Context, cfg DatabaseConfig) error {
	return p.AddDatabase(ctx, cfg)
}

func (p *PgxDatabasePool) RemoveDatabase(ctx context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pool, ok := p.pools[name]
	if !ok {
		return nil
	}
	pool.Close()
	delete(p.pools, name)
	p.logger.Info("database pool removed", "database", name)
	return nil
}

// Pool returns the live pool for name, if any.
func (p *PgxDatabasePool) Pool(name string) (*pgxpool.Pool, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pool, ok := p.pools[name]
	return pool, ok
}

// Close releases every pool. Used on process shutdown.
func (p *PgxDatabasePool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, pool := range p.pools {
		pool.Close()
		delete(p.pools, name)
	}
}
