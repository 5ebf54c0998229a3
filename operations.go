package couchbase

import (
	"context"
	"errors"
	"time"

	"github.com/pior/couchbase/memd"
)

// NoExpiry keeps a document until it is removed.
const NoExpiry = time.Duration(0)

// GetResult is a fetched document.
type GetResult struct {
	Value []byte
	Flags uint32
	Cas   uint64
}

// MutationResult describes a successful write.
type MutationResult struct {
	Cas uint64
	// MutationToken is set when the server negotiated sequence numbers.
	MutationToken *memd.MutationToken
}

// CounterResult is the value of a counter after the operation.
type CounterResult struct {
	Value         uint64
	Cas           uint64
	MutationToken *memd.MutationToken
}

// StoreOptions apply to Upsert, Insert and Replace.
type StoreOptions struct {
	Flags  uint32
	Expiry time.Duration
	// Cas fails the Replace with ErrKeyExists when the document changed.
	// Ignored by Upsert and Insert.
	Cas uint64
}

// RemoveOptions apply to Remove.
type RemoveOptions struct {
	Cas uint64
}

// ConcatOptions apply to Append and Prepend.
type ConcatOptions struct {
	Cas uint64
}

// CounterOptions apply to Increment and Decrement.
type CounterOptions struct {
	// Delta defaults to 1.
	Delta uint64
	// Initial is the value stored when the counter does not exist. The
	// operation returns Initial unchanged in that case.
	Initial uint64
	// Expiry of a newly created counter.
	Expiry time.Duration
	// NoCreate fails with ErrKeyNotFound instead of creating the counter.
	NoCreate bool
}

func (o CounterOptions) delta() uint64 {
	if o.Delta == 0 {
		return 1
	}
	return o.Delta
}

func (o CounterOptions) expiry(now time.Time) uint32 {
	if o.NoCreate {
		return memd.NoCreateExpiry
	}
	return memd.ExpiryFromDuration(o.Expiry, now)
}

// execute runs op through the orchestrator and records its latency.
func (c *Client) execute(ctx context.Context, op *memd.Operation, replica int) (*memd.Response, error) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return nil, &OperationError{Op: op.Name(), Key: string(op.Key), Err: ErrClientClosed}
	}
	// Requests that cannot be encoded never reach the orchestrator.
	if err := op.Validate(); err != nil {
		c.stats.recordError()
		return nil, &OperationError{Op: op.Name(), Key: string(op.Key), Err: err}
	}

	op.BucketName = c.config.Bucket

	var resp *memd.Response
	err := Timer(func() error {
		var err error
		if replica > 0 {
			resp, err = c.orchestrator.ExecuteReplica(ctx, op, replica)
		} else {
			resp, err = c.orchestrator.Execute(ctx, op)
		}
		return err
	}, c.stats.opTimer(op.Name()))
	return resp, err
}

func (c *Client) get(ctx context.Context, op *memd.Operation, replica int) (*GetResult, error) {
	resp, err := c.execute(ctx, op, replica)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			c.stats.recordGet(false)
		}
		return nil, err
	}
	c.stats.recordGet(true)
	return &GetResult{Value: resp.Value, Flags: resp.Flags, Cas: resp.Cas}, nil
}

// Get fetches a document. A missing key returns an error matching
// ErrKeyNotFound.
func (c *Client) Get(ctx context.Context, key string) (*GetResult, error) {
	return c.get(ctx, memd.NewGet([]byte(key)), 0)
}

// GetReplica fetches a document from its replica-th replica (1-based).
// The copy may lag behind the active one.
func (c *Client) GetReplica(ctx context.Context, key string, replica int) (*GetResult, error) {
	if replica < 1 {
		replica = 1
	}
	return c.get(ctx, memd.NewGetReplica([]byte(key)), replica)
}

// GetAndTouch fetches a document and sets its expiry.
func (c *Client) GetAndTouch(ctx context.Context, key string, expiry time.Duration) (*GetResult, error) {
	op := memd.NewGetAndTouch([]byte(key), memd.ExpiryFromDuration(expiry, time.Now()))
	return c.get(ctx, op, 0)
}

// Touch sets the expiry of a document.
func (c *Client) Touch(ctx context.Context, key string, expiry time.Duration) (*MutationResult, error) {
	op := memd.NewTouch([]byte(key), memd.ExpiryFromDuration(expiry, time.Now()))
	return c.mutate(ctx, op)
}

func (c *Client) mutate(ctx context.Context, op *memd.Operation) (*MutationResult, error) {
	resp, err := c.execute(ctx, op, 0)
	if err != nil {
		return nil, err
	}
	c.stats.recordMutation()
	return &MutationResult{Cas: resp.Cas, MutationToken: resp.MutationToken}, nil
}

func (c *Client) store(ctx context.Context, opcode memd.Opcode, key string, value []byte, opts StoreOptions) (*MutationResult, error) {
	cas := uint64(0)
	if opcode == memd.OpReplace {
		cas = opts.Cas
	}
	exp := memd.ExpiryFromDuration(opts.Expiry, time.Now())
	return c.mutate(ctx, memd.NewStore(opcode, []byte(key), value, opts.Flags, exp, cas))
}

// Upsert stores a document whether or not it exists.
func (c *Client) Upsert(ctx context.Context, key string, value []byte, opts StoreOptions) (*MutationResult, error) {
	return c.store(ctx, memd.OpSet, key, value, opts)
}

// Insert stores a document that must not exist yet. An existing key
// returns an error matching ErrKeyExists.
func (c *Client) Insert(ctx context.Context, key string, value []byte, opts StoreOptions) (*MutationResult, error) {
	return c.store(ctx, memd.OpAdd, key, value, opts)
}

// Replace stores a document that must exist.
func (c *Client) Replace(ctx context.Context, key string, value []byte, opts StoreOptions) (*MutationResult, error) {
	return c.store(ctx, memd.OpReplace, key, value, opts)
}

// Remove deletes a document.
func (c *Client) Remove(ctx context.Context, key string, opts RemoveOptions) (*MutationResult, error) {
	return c.mutate(ctx, memd.NewDelete([]byte(key), opts.Cas))
}

// Append adds value at the end of an existing document.
func (c *Client) Append(ctx context.Context, key string, value []byte, opts ConcatOptions) (*MutationResult, error) {
	return c.mutate(ctx, memd.NewConcat(memd.OpAppend, []byte(key), value, opts.Cas))
}

// Prepend adds value at the start of an existing document.
func (c *Client) Prepend(ctx context.Context, key string, value []byte, opts ConcatOptions) (*MutationResult, error) {
	return c.mutate(ctx, memd.NewConcat(memd.OpPrepend, []byte(key), value, opts.Cas))
}

func (c *Client) counter(ctx context.Context, opcode memd.Opcode, key string, opts CounterOptions) (*CounterResult, error) {
	op := memd.NewCounter(opcode, []byte(key), opts.delta(), opts.Initial, opts.expiry(time.Now()))
	resp, err := c.execute(ctx, op, 0)
	if err != nil {
		return nil, err
	}
	c.stats.recordCounter()
	return &CounterResult{Value: resp.Counter, Cas: resp.Cas, MutationToken: resp.MutationToken}, nil
}

// Increment adds Delta to a counter, creating it with Initial when missing.
func (c *Client) Increment(ctx context.Context, key string, opts CounterOptions) (*CounterResult, error) {
	return c.counter(ctx, memd.OpIncrement, key, opts)
}

// Decrement subtracts Delta from a counter, creating it with Initial when
// missing. Counters do not go below zero.
func (c *Client) Decrement(ctx context.Context, key string, opts CounterOptions) (*CounterResult, error) {
	return c.counter(ctx, memd.OpDecrement, key, opts)
}
