// Package logx is shotsched's structured logger, a thin layer over zerolog.
//
// Console lines are human-readable with a short file:line caller; file output
// is JSON. Service.Apply swaps level and sinks in place, so every Logger
// derived from New follows a config reload without being rebuilt.
package logx
