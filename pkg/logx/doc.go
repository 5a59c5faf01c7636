// Package logx wraps zerolog behind a small Field-based API so components
// can log structured events without depending on zerolog directly.
//
// The Service owns sink configuration (console/file, level) and can swap it
// at runtime via Apply(); Loggers derived from a Service stay live across
// those swaps.
package logx
