package couchbase

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/pior/couchbase/memd"
)

// LookupInSpec is one path read by LookupIn.
type LookupInSpec struct {
	spec memd.SubdocSpec
}

// LookupGet reads the JSON value at path.
func LookupGet(path string) LookupInSpec {
	return LookupInSpec{memd.SubdocSpec{Op: memd.SubdocGet, Path: path}}
}

// LookupExists checks that path exists without returning its value.
func LookupExists(path string) LookupInSpec {
	return LookupInSpec{memd.SubdocSpec{Op: memd.SubdocExists, Path: path}}
}

// LookupCount returns the number of elements of the array or object at path.
func LookupCount(path string) LookupInSpec {
	return LookupInSpec{memd.SubdocSpec{Op: memd.SubdocGetCount, Path: path}}
}

// LookupGetFull reads the whole document body.
func LookupGetFull() LookupInSpec {
	return LookupInSpec{memd.SubdocSpec{Op: memd.SubdocGetDoc}}
}

// LookupExpiry reads the document expiry as unix seconds.
func LookupExpiry() LookupInSpec {
	return LookupGet(memd.ExpiryXattr).Xattr()
}

// Xattr makes the path address the extended attributes.
func (s LookupInSpec) Xattr() LookupInSpec {
	s.spec.Flags |= memd.SubdocPathXattr
	return s
}

// MutateInSpec is one path changed by MutateIn.
type MutateInSpec struct {
	spec memd.SubdocSpec
}

func mutateSpec(op memd.Opcode, path string, value []byte) MutateInSpec {
	return MutateInSpec{memd.SubdocSpec{Op: op, Path: path, Value: value}}
}

// MutateUpsert sets path to the JSON value, creating the last component.
func MutateUpsert(path string, value []byte) MutateInSpec {
	return mutateSpec(memd.SubdocDictUpsert, path, value)
}

// MutateInsert adds the JSON value at path, which must not exist.
func MutateInsert(path string, value []byte) MutateInSpec {
	return mutateSpec(memd.SubdocDictAdd, path, value)
}

// MutateReplace sets path, which must exist, to the JSON value.
func MutateReplace(path string, value []byte) MutateInSpec {
	return mutateSpec(memd.SubdocReplace, path, value)
}

// MutateRemove deletes path.
func MutateRemove(path string) MutateInSpec {
	return mutateSpec(memd.SubdocDelete, path, nil)
}

// MutateArrayAppend adds the JSON values at the end of the array at path.
func MutateArrayAppend(path string, values []byte) MutateInSpec {
	return mutateSpec(memd.SubdocArrayPushLast, path, values)
}

// MutateArrayPrepend adds the JSON values at the start of the array at path.
func MutateArrayPrepend(path string, values []byte) MutateInSpec {
	return mutateSpec(memd.SubdocArrayPushFirst, path, values)
}

// MutateArrayAddUnique appends a primitive JSON value unless the array
// already holds it.
func MutateArrayAddUnique(path string, value []byte) MutateInSpec {
	return mutateSpec(memd.SubdocArrayAddUnique, path, value)
}

// MutateCounter adds delta to the number at path. The new value is
// returned by MutateInResult.ContentAt.
func MutateCounter(path string, delta int64) MutateInSpec {
	return mutateSpec(memd.SubdocCounter, path, strconv.AppendInt(nil, delta, 10))
}

// MutateSetDoc replaces the whole document body.
func MutateSetDoc(value []byte) MutateInSpec {
	return mutateSpec(memd.SubdocSetDoc, "", value)
}

// Xattr makes the path address the extended attributes.
func (s MutateInSpec) Xattr() MutateInSpec {
	s.spec.Flags |= memd.SubdocPathXattr
	return s
}

// CreatePath creates missing intermediate objects.
func (s MutateInSpec) CreatePath() MutateInSpec {
	s.spec.Flags |= memd.SubdocPathMkDirP
	return s
}

// StoreSemantics tells MutateIn what to do with the document itself.
type StoreSemantics int

const (
	// StoreReplace requires the document to exist.
	StoreReplace StoreSemantics = iota
	// StoreUpsert creates the document when missing.
	StoreUpsert
	// StoreInsert requires the document not to exist.
	StoreInsert
)

// LookupInOptions apply to LookupIn.
type LookupInOptions struct {
	// AccessDeleted reads the xattrs of a deleted document.
	AccessDeleted bool
}

// MutateInOptions apply to MutateIn.
type MutateInOptions struct {
	Cas            uint64
	Expiry         time.Duration
	StoreSemantics StoreSemantics
	AccessDeleted  bool
}

func (o MutateInOptions) docFlags() memd.SubdocDocFlag {
	var f memd.SubdocDocFlag
	switch o.StoreSemantics {
	case StoreUpsert:
		f |= memd.SubdocDocMkDoc
	case StoreInsert:
		f |= memd.SubdocDocAdd
	}
	if o.AccessDeleted {
		f |= memd.SubdocDocAccessDeleted
	}
	return f
}

// PathError is the failure of one spec. It matches the status sentinels
// (ErrPathNotFound, ErrPathMismatch, ...) with errors.Is.
type PathError struct {
	Index  int
	Path   string
	Status memd.Status
}

func (e *PathError) Error() string {
	return fmt.Sprintf("couchbase: spec %d %q: %s", e.Index, e.Path, e.Status)
}

func (e *PathError) Unwrap() error {
	return statusSentinels[e.Status]
}

var errNoSuchSpec = errors.New("couchbase: spec index out of range")

// LookupInResult holds one result per requested spec, in order.
type LookupInResult struct {
	Cas uint64
	// Deleted is set when AccessDeleted read a deleted document.
	Deleted bool

	paths   []string
	results []memd.SubdocResult
}

// ContentAt returns the raw JSON value of spec i, or a *PathError.
func (r *LookupInResult) ContentAt(i int) ([]byte, error) {
	if i < 0 || i >= len(r.results) {
		return nil, errNoSuchSpec
	}
	res := r.results[i]
	if res.Status != memd.StatusSuccess {
		return nil, &PathError{Index: i, Path: r.paths[i], Status: res.Status}
	}
	return res.Value, nil
}

// Exists reports whether the path of spec i was found.
func (r *LookupInResult) Exists(i int) bool {
	return i >= 0 && i < len(r.results) && r.results[i].Status == memd.StatusSuccess
}

// Len returns the number of specs.
func (r *LookupInResult) Len() int {
	return len(r.results)
}

// LookupIn reads several paths of one document in a single request. A
// missing document fails with ErrKeyNotFound; a missing path only fails
// its own ContentAt.
func (c *Client) LookupIn(ctx context.Context, key string, specs []LookupInSpec, opts LookupInOptions) (*LookupInResult, error) {
	raw := make([]memd.SubdocSpec, len(specs))
	paths := make([]string, len(specs))
	for i, s := range specs {
		raw[i] = s.spec
		paths[i] = s.spec.Path
	}
	var flags memd.SubdocDocFlag
	if opts.AccessDeleted {
		flags |= memd.SubdocDocAccessDeleted
	}

	resp, err := c.execute(ctx, memd.NewLookupIn([]byte(key), raw, flags), 0)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			c.stats.recordGet(false)
		}
		return nil, err
	}
	c.stats.recordGet(true)
	if len(resp.Subdoc) != len(specs) {
		return nil, &OperationError{Op: resp.Opcode.String(), Key: key, Err: memd.ErrMalformedSubdoc}
	}
	return &LookupInResult{
		Cas:     resp.Cas,
		Deleted: resp.Status == memd.StatusSubdocSuccessDeleted || resp.Status == memd.StatusSubdocMultiPathFailureDeleted,
		paths:   paths,
		results: resp.Subdoc,
	}, nil
}

// MutateInResult is a successful MutateIn.
type MutateInResult struct {
	MutationResult

	values map[int][]byte
}

// ContentAt returns the value produced by spec i; only counters produce one.
func (r *MutateInResult) ContentAt(i int) ([]byte, error) {
	v, ok := r.values[i]
	if !ok {
		return nil, errNoSuchSpec
	}
	return v, nil
}

// MutateIn changes several paths of one document atomically. When a path
// fails nothing is applied and the error carries the index of the spec in
// ServerStatusError.PathIndex.
func (c *Client) MutateIn(ctx context.Context, key string, specs []MutateInSpec, opts MutateInOptions) (*MutateInResult, error) {
	raw := make([]memd.SubdocSpec, len(specs))
	for i, s := range specs {
		raw[i] = s.spec
	}
	exp := memd.ExpiryFromDuration(opts.Expiry, time.Now())
	op := memd.NewMutateIn([]byte(key), raw, opts.docFlags(), exp, opts.Cas)

	resp, err := c.execute(ctx, op, 0)
	if err != nil {
		return nil, err
	}
	c.stats.recordMutation()

	res := &MutateInResult{
		MutationResult: MutationResult{Cas: resp.Cas, MutationToken: resp.MutationToken},
		values:         make(map[int][]byte, len(resp.Subdoc)),
	}
	for _, r := range resp.Subdoc {
		res.values[r.Index] = r.Value
	}
	return res, nil
}

// GetWithExpiry fetches a document together with its expiry, which is zero
// when the document never expires.
func (c *Client) GetWithExpiry(ctx context.Context, key string) (*GetResult, time.Time, error) {
	res, err := c.LookupIn(ctx, key, []LookupInSpec{
		LookupExpiry(),
		LookupGet(memd.FlagsXattr).Xattr(),
		LookupGetFull(),
	}, LookupInOptions{})
	if err != nil {
		return nil, time.Time{}, err
	}

	doc, err := res.ContentAt(2)
	if err != nil {
		return nil, time.Time{}, err
	}
	get := &GetResult{Value: doc, Cas: res.Cas}
	if v, err := res.ContentAt(1); err == nil {
		flags, _ := strconv.ParseUint(string(v), 10, 32)
		get.Flags = uint32(flags)
	}

	var expiry time.Time
	if v, err := res.ContentAt(0); err == nil {
		if secs, _ := strconv.ParseInt(string(v), 10, 64); secs > 0 {
			expiry = time.Unix(secs, 0)
		}
	}
	return get, expiry, nil
}
