// Package logx is secretariat's structured logging wrapper around zerolog.
//
// Console output is human readable (short timestamp, file:line caller);
// the file sink writes one JSON object per line. Loggers derived from a
// Service follow Service.Apply, so levels and sinks can change at runtime.
package logx
