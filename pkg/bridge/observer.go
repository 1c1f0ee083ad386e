package bridge

import (
	"context"
	"log/slog"
)

// ObserveDiagnostics logs transport diagnostics until ctx ends or the
// transport closes. Run it in its own goroutine.
func ObserveDiagnostics(ctx context.Context, t *Transport, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "bridge.diagnostics")

	diagnostics, unsubscribe := t.SubscribeDiagnostics(ctx, 32)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case diag, ok := <-diagnostics:
			if !ok {
				return
			}
			logDiagnostic(log, diag)
		}
	}
}

func logDiagnostic(log *slog.Logger, diag Diagnostic) {
	attrs := []any{
		"kind", string(diag.Kind),
		"event_type", diag.Type,
		"timestamp", diag.At.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"),
	}

	switch diag.Kind {
	case DiagnosticHandlerFailed:
		log.Error("Bridge diagnostic", append(attrs, "error", diag.Error)...)
	case DiagnosticSchemaViolation:
		log.Warn("Bridge diagnostic", append(attrs, "missing", diag.Missing)...)
	default:
		log.Debug("Bridge diagnostic", attrs...)
	}
}
