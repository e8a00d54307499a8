// Package logx configures treebuild's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller, color only on a TTY)
//   - File output JSON-structured
//   - Level and sinks swappable at runtime (config hot reload)
package logx
