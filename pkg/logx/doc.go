// Package logx configures pacebot's structured logging.
//
// A small wrapper (logx.Logger) over zerolog keeps console output readable,
// rotates JSON file output through lumberjack and optionally forwards
// warnings to a remote sink (the operator chat) under a rate limit.
package logx
