// Package logx provides a small structured-logging facade over zerolog.
//
// Components hold a Logger value (cheap to copy, zero value is a no-op) and
// the Service owns sink/level configuration that can be swapped at runtime.
package logx
