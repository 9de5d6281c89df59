// Package logx configures groupcast's structured logging.
//
// It is a small wrapper (logx.Logger) on top of zerolog that keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional event-bus sink (min-level + rate limiting) so a
//     presentation layer can surface warnings without tailing files
package logx
