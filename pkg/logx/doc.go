// Package logx is medtime's structured logging layer.
//
// A thin wrapper (logx.Logger) over zerolog keeps:
//   - console output short and readable (millisecond timestamp, file:line caller)
//   - JSON lines when format=json or when writing to a file
//   - an optional alert sink that forwards warnings and errors to a chat,
//     gated by a minimum level and a token bucket
package logx
