// Package logx is deadlinebot's structured logging: a small Logger value
// over zerolog whose sinks (console, rotated JSON file, admin chat alerts)
// can be swapped at runtime by Service.Apply when the config reloads.
package logx
