// Package logx configures dispatchd's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Components decoupled from the sink setup (loggers are injected values)
package logx
