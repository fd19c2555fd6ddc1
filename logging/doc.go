// Package logging provides a tiny abstraction over slog so engine components
// can depend on a minimal Logger interface while callers plug in any
// structured logger. A NoOpLogger keeps logging strictly optional.
package logging
