// Package logx configures errorbot's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional forum sink (min-level + rate limiting), used to surface
//     warnings in a forum topic the operators watch
package logx
