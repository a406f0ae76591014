package observability

import (
	"context"
	"log/slog"

	"github.com/aretw0/patchbay/pkg/domain"
)

// LoggingHooks logs control-plane events. Cycle events are too frequent to log
// and xruns are logged at warn level.
func LoggingHooks(logger *slog.Logger) domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnLinkState: func(ctx context.Context, e *domain.LinkEvent) {
			level := slog.LevelDebug
			if e.New == domain.LinkStateError {
				level = slog.LevelWarn
			}
			attrs := []any{"link", e.LinkID, "output", e.OutputNode, "input", e.InputNode, "old", e.Old, "new", e.New}
			if e.Err != nil {
				attrs = append(attrs, "error", e.Err)
			}
			logger.Log(ctx, level, "link_state", attrs...)
		},
		OnNegotiationFailed: func(ctx context.Context, e *domain.LinkEvent) {
			logger.WarnContext(ctx, "negotiation_failed", "link", e.LinkID, "error", e.Err)
		},
		OnXrun: func(ctx context.Context, e *domain.XrunEvent) {
			logger.WarnContext(ctx, "xrun", "node", e.NodeID, "driver", e.DriverID, "count", e.Count, "delay", e.Delay)
		},
		OnRecalc: func(ctx context.Context, e *domain.RecalcEvent) {
			logger.DebugContext(ctx, "recalc", "groups", e.Groups, "runnable", e.Runnable, "unassigned", e.Unassigned, "took", e.Duration)
		},
		OnQuantum: func(ctx context.Context, e *domain.QuantumEvent) {
			logger.InfoContext(ctx, "quantum", "driver", e.DriverID, "previous", e.Previous, "quantum", e.Quantum)
		},
	}
}
