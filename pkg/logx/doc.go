// Package logx configures switchboard's structured logging.
//
// Components log through logx.Logger, a small value type on top of zerolog:
//   - Console output stays readable (short timestamp + short caller)
//   - File output is JSON lines
//   - An optional chat sink forwards warnings/errors to an operator chat
//     (min-level + rate limiting)
package logx
