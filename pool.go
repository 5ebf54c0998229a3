package couchbase

import (
	"context"
	"time"
)

// Pool is a bounded set of connections to one node.
type Pool interface {
	// Acquire returns an idle connection, dials a new one while under
	// capacity, or blocks until one is released or ctx ends.
	Acquire(ctx context.Context) (Resource, error)

	// AcquireAllIdle takes every idle connection, for maintenance.
	AcquireAllIdle() []Resource

	// CreateIdle dials one connection into the idle set if under capacity.
	CreateIdle(ctx context.Context) error

	Close()

	Stats() PoolStats
}

// Resource is a leased connection.
type Resource interface {
	Value() *Connection
	// Release returns the connection to the idle set.
	Release()
	// ReleaseUnused returns the connection without touching its idle clock.
	ReleaseUnused()
	// Destroy closes the connection and frees its slot.
	Destroy()
	CreationTime() time.Time
	IdleDuration() time.Duration
}

// ConnectionConstructor dials and authenticates one connection.
type ConnectionConstructor func(ctx context.Context) (*Connection, error)

// PoolFactory builds a Pool holding at most maxSize connections.
type PoolFactory func(constructor ConnectionConstructor, maxSize int32) (Pool, error)
