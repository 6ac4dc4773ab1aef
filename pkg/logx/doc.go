// Package logx is reelforge's structured logging layer on top of zerolog.
//
//   - Console output stays short (timestamp + file:line caller)
//   - File output is JSON
//   - WARN and above can be mirrored to an operator Telegram chat, rate limited
package logx
