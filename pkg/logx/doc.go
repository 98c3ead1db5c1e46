// Package logx configures agentorch's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller, color only on a TTY)
//   - File output JSON-structured
//   - Log level and sinks swappable at runtime through Service.Apply
package logx
