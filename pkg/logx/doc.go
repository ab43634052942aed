// Package logx configures autoprbot's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Levels and sinks swappable at runtime (Service.Apply on config reload)
//
// This is the operator/diagnostic log. The user-facing progress stream is
// internal/relay.
package logx
