// Package types defines the shared data model for the stoker broker:
// execution records, asset leases, kernel wire frames, client notifications,
// and the error kinds that cross package boundaries.
package types
