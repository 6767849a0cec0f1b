// Package logx is pewsched's structured logging layer on top of zerolog.
//
// Components receive a Logger explicitly; there are no package-level
// loggers. Console output is human readable, the optional file sink gets
// one JSON object per line.
package logx
