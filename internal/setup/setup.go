// Package setup wires configuration into live store adapters for the CLI
// commands. It is the only place that knows how every store is opened.
package setup

import (
	"context"
	"time"

	"github.com/veridoc/veridoc-ops/internal/config"
	"github.com/veridoc/veridoc-ops/internal/ops"
	"github.com/veridoc/veridoc-ops/internal/store/files"
	"github.com/veridoc/veridoc-ops/internal/store/relational"
	"github.com/veridoc/veridoc-ops/internal/store/settings"
	"github.com/veridoc/veridoc-ops/internal/store/vector"
)

// Stores bundles the opened adapters plus the handles the CLI needs
// beyond the generic contract.
type Stores struct {
	Set        ops.Set
	Relational *relational.Adapter

	closers []func()
}

// Open connects every configured store. The relational connection is
// verified eagerly; the others are probed lazily by the operations
// themselves.
func Open(ctx context.Context, cfg config.Config) (*Stores, error) {
	pool, err := relational.OpenPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s := &Stores{closers: []func(){pool.Close}}
	s.Relational = relational.New(pool)

	vec := vector.NewAdapter(vector.NewClientFromConfig(cfg))
	fs := files.NewAdapter(
		files.Tree{Name: "uploads", Path: cfg.Files.UploadsDir},
		files.Tree{Name: "generated", Path: cfg.Files.GeneratedDir},
	)
	cfgStore := settings.NewAdapter(cfg.Settings.Path)

	s.Set = ops.NewSet(s.Relational, vec, fs, cfgStore)
	return s, nil
}

// Close releases every held connection.
func (s *Stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// Timeout returns the per-store timeout as a time.Duration.
func Timeout(cfg config.Config) time.Duration {
	return time.Duration(cfg.StoreTimeout)
}
