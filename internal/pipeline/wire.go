package pipeline

import (
	"context"
	"fmt"

	"shaggydog/internal/config"
	"shaggydog/internal/logger"
	"shaggydog/internal/mirror"
	"shaggydog/internal/synthesis"
)

// FromConfig builds an orchestrator backed by the configured synthesis API
// and, when one is configured, an asset mirror.
func FromConfig(ctx context.Context, cfg config.Config, st JobStore, log *logger.Logger) (*Orchestrator, error) {
	var opts []Option
	m, err := mirror.FromConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("asset mirror: %w", err)
	}
	if m != nil {
		opts = append(opts, WithMirror(m))
	}
	return New(cfg.Pipeline(), st, synthesis.New(cfg.Synthesis()), log, opts...), nil
}
