// Package logx is recurd's structured logging on top of zerolog.
//
// Console output is human readable, the optional log file is JSON, and the
// whole setup can be replaced at runtime with Service.Apply when the config
// file changes.
package logx
