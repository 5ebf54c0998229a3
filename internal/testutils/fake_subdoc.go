package testutils

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/couchbase/gomemcached"

	"github.com/pior/couchbase/memd"
)

// Multi-path requests run against documents decoded with encoding/json.
// Paths use dots for object members and [n] for array elements, negative
// indexes counting from the end.

type pathElem struct {
	key   string
	index int
	isIdx bool
}

func parsePath(path string) ([]pathElem, bool) {
	if path == "" {
		return nil, false
	}
	var elems []pathElem
	for _, part := range strings.Split(path, ".") {
		name, rest, _ := strings.Cut(part, "[")
		if name != "" {
			elems = append(elems, pathElem{key: name})
		} else if rest == "" {
			return nil, false
		}
		for rest != "" {
			num, tail, ok := strings.Cut(rest, "]")
			if !ok {
				return nil, false
			}
			i, err := strconv.Atoi(num)
			if err != nil {
				return nil, false
			}
			elems = append(elems, pathElem{index: i, isIdx: true})
			rest = strings.TrimPrefix(tail, "[")
		}
	}
	return elems, true
}

func decodeJSON(b []byte) (any, bool) {
	d := json.NewDecoder(bytes.NewReader(b))
	d.UseNumber()
	var v any
	if err := d.Decode(&v); err != nil {
		return nil, false
	}
	return v, true
}

func resolvePath(root any, elems []pathElem) (any, memd.Status) {
	cur := root
	for _, e := range elems {
		if e.isIdx {
			arr, ok := cur.([]any)
			if !ok {
				return nil, memd.StatusSubdocPathMismatch
			}
			i := e.index
			if i < 0 {
				i += len(arr)
			}
			if i < 0 || i >= len(arr) {
				return nil, memd.StatusSubdocPathNotFound
			}
			cur = arr[i]
			continue
		}
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, memd.StatusSubdocPathMismatch
		}
		v, ok := obj[e.key]
		if !ok {
			return nil, memd.StatusSubdocPathNotFound
		}
		cur = v
	}
	return cur, memd.StatusSuccess
}

// leafFunc computes the new value of the last path element. remove drops
// the element instead.
type leafFunc func(old any, exists bool) (value any, remove bool, status memd.Status)

func updatePath(cur any, elems []pathElem, mkdir bool, fn leafFunc) (any, memd.Status) {
	e := elems[0]
	last := len(elems) == 1

	if e.isIdx {
		arr, ok := cur.([]any)
		if !ok {
			return nil, memd.StatusSubdocPathMismatch
		}
		i := e.index
		if i < 0 {
			i += len(arr)
		}
		if i < 0 || i >= len(arr) {
			return nil, memd.StatusSubdocPathNotFound
		}
		if !last {
			v, st := updatePath(arr[i], elems[1:], mkdir, fn)
			if st != memd.StatusSuccess {
				return nil, st
			}
			arr[i] = v
			return arr, memd.StatusSuccess
		}
		v, remove, st := fn(arr[i], true)
		if st != memd.StatusSuccess {
			return nil, st
		}
		if remove {
			return append(arr[:i:i], arr[i+1:]...), memd.StatusSuccess
		}
		arr[i] = v
		return arr, memd.StatusSuccess
	}

	obj, ok := cur.(map[string]any)
	if !ok {
		return nil, memd.StatusSubdocPathMismatch
	}
	child, exists := obj[e.key]
	if !last {
		if !exists {
			if !mkdir {
				return nil, memd.StatusSubdocPathNotFound
			}
			child = map[string]any{}
		}
		v, st := updatePath(child, elems[1:], mkdir, fn)
		if st != memd.StatusSuccess {
			return nil, st
		}
		obj[e.key] = v
		return obj, memd.StatusSuccess
	}
	v, remove, st := fn(child, exists)
	if st != memd.StatusSuccess {
		return nil, st
	}
	if remove {
		delete(obj, e.key)
	} else {
		obj[e.key] = v
	}
	return obj, memd.StatusSuccess
}

// subdocEntry is the encoded result of one spec.
type subdocEntry struct {
	index  int
	status memd.Status
	value  []byte
}

type subdocSpec struct {
	op    memd.Opcode
	flags memd.SubdocPathFlag
	path  string
	value []byte
}

func parseLookupSpecs(body []byte) ([]subdocSpec, bool) {
	var specs []subdocSpec
	for len(body) > 0 {
		if len(body) < 4 {
			return nil, false
		}
		n := int(binary.BigEndian.Uint16(body[2:4]))
		if len(body) < 4+n {
			return nil, false
		}
		specs = append(specs, subdocSpec{op: memd.Opcode(body[0]), flags: memd.SubdocPathFlag(body[1]), path: string(body[4 : 4+n])})
		body = body[4+n:]
	}
	return specs, true
}

func parseMutationSpecs(body []byte) ([]subdocSpec, bool) {
	var specs []subdocSpec
	for len(body) > 0 {
		if len(body) < 8 {
			return nil, false
		}
		pn := int(binary.BigEndian.Uint16(body[2:4]))
		vn := int(binary.BigEndian.Uint32(body[4:8]))
		if len(body) < 8+pn+vn {
			return nil, false
		}
		specs = append(specs, subdocSpec{
			op:    memd.Opcode(body[0]),
			flags: memd.SubdocPathFlag(body[1]),
			path:  string(body[8 : 8+pn]),
			value: body[8+pn : 8+pn+vn],
		})
		body = body[8+pn+vn:]
	}
	return specs, true
}

func (s *FakeServer) multiLookup(req *gomemcached.MCRequest, res *gomemcached.MCResponse) {
	specs, ok := parseLookupSpecs(req.Body)
	if !ok || len(specs) == 0 {
		res.Status = gomemcached.Status(memd.StatusInvalidArgs)
		return
	}
	d, ok := s.docs[string(req.Key)]
	if !ok {
		res.Status = gomemcached.Status(memd.StatusKeyNotFound)
		return
	}
	body, bodyJSON := decodeJSON(d.value)
	xattrs := d.xattrRoot()

	var out []byte
	failed := false
	for _, spec := range specs {
		value, st := lookupOne(spec, d, body, bodyJSON, xattrs)
		if st != memd.StatusSuccess {
			failed = true
			value = nil
		}
		out = binary.BigEndian.AppendUint16(out, uint16(st))
		out = binary.BigEndian.AppendUint32(out, uint32(len(value)))
		out = append(out, value...)
	}
	if failed {
		res.Status = gomemcached.Status(memd.StatusSubdocMultiPathFailure)
	}
	res.Body = out
	res.Cas = d.cas
}

func lookupOne(spec subdocSpec, d *fakeDoc, body any, bodyJSON bool, xattrs map[string]any) ([]byte, memd.Status) {
	if spec.op == memd.SubdocGetDoc {
		return append([]byte(nil), d.value...), memd.StatusSuccess
	}

	var root any = body
	if spec.flags&memd.SubdocPathXattr != 0 {
		if strings.HasPrefix(spec.path, "$document") {
			return d.virtualXattr(spec.path)
		}
		root = xattrs
	} else if !bodyJSON {
		return nil, memd.StatusSubdocNotJSON
	}

	elems, ok := parsePath(spec.path)
	if !ok {
		return nil, memd.StatusSubdocPathInvalid
	}
	v, st := resolvePath(root, elems)
	if st != memd.StatusSuccess {
		return nil, st
	}
	switch spec.op {
	case memd.SubdocExists:
		return nil, memd.StatusSuccess
	case memd.SubdocGetCount:
		switch c := v.(type) {
		case []any:
			return []byte(strconv.Itoa(len(c))), memd.StatusSuccess
		case map[string]any:
			return []byte(strconv.Itoa(len(c))), memd.StatusSuccess
		}
		return nil, memd.StatusSubdocPathMismatch
	}
	encoded, _ := json.Marshal(v)
	return encoded, memd.StatusSuccess
}

func (d *fakeDoc) virtualXattr(path string) ([]byte, memd.Status) {
	var exptime int64
	if t := memd.ExpiryTime(d.expiry, time.Now()); !t.IsZero() {
		exptime = t.Unix()
	}
	switch path {
	case memd.ExpiryXattr:
		return []byte(strconv.FormatInt(exptime, 10)), memd.StatusSuccess
	case memd.FlagsXattr:
		return []byte(strconv.FormatUint(uint64(d.flags), 10)), memd.StatusSuccess
	case "$document":
		b, _ := json.Marshal(map[string]any{"exptime": exptime, "flags": d.flags, "CAS": strconv.FormatUint(d.cas, 16)})
		return b, memd.StatusSuccess
	}
	return nil, memd.StatusSubdocXattrUnknownVAttr
}

func (d *fakeDoc) xattrRoot() map[string]any {
	root := map[string]any{}
	if len(d.xattrs) > 0 {
		if v, ok := decodeJSON(d.xattrs); ok {
			if m, ok := v.(map[string]any); ok {
				root = m
			}
		}
	}
	return root
}

func (s *FakeServer) multiMutation(state *fakeConn, req *gomemcached.MCRequest, res *gomemcached.MCResponse) {
	specs, ok := parseMutationSpecs(req.Body)
	if !ok || len(specs) == 0 {
		res.Status = gomemcached.Status(memd.StatusInvalidArgs)
		return
	}
	var expiry uint32
	var docFlags memd.SubdocDocFlag
	switch len(req.Extras) {
	case 0:
	case 1:
		docFlags = memd.SubdocDocFlag(req.Extras[0])
	case 4:
		expiry = binary.BigEndian.Uint32(req.Extras)
	case 5:
		expiry = binary.BigEndian.Uint32(req.Extras)
		docFlags = memd.SubdocDocFlag(req.Extras[4])
	default:
		res.Status = gomemcached.Status(memd.StatusInvalidArgs)
		return
	}

	key := string(req.Key)
	d, exists := s.docs[key]
	switch {
	case exists && docFlags&memd.SubdocDocAdd != 0:
		res.Status = gomemcached.Status(memd.StatusKeyExists)
		return
	case exists && casMismatch(req, d):
		res.Status = gomemcached.Status(memd.StatusKeyExists)
		return
	case !exists && docFlags&(memd.SubdocDocMkDoc|memd.SubdocDocAdd) == 0:
		res.Status = gomemcached.Status(memd.StatusKeyNotFound)
		return
	}

	nd := &fakeDoc{value: []byte("{}")}
	if exists {
		nd = &fakeDoc{value: d.value, flags: d.flags, expiry: d.expiry, xattrs: d.xattrs}
	}
	if expiry != 0 {
		nd.expiry = expiry
	}

	body, bodyJSON := decodeJSON(nd.value)
	xattrs := any(nd.xattrRoot())
	var results []subdocEntry
	deleted := false

	for i, spec := range specs {
		var value []byte
		st := memd.StatusSuccess
		switch {
		case spec.op == memd.SubdocSetDoc:
			nd.value = append([]byte(nil), spec.value...)
			body, bodyJSON = decodeJSON(nd.value)
		case spec.op == memd.SubdocDeleteDoc:
			deleted = true
		case spec.flags&memd.SubdocPathXattr != 0:
			xattrs, value, st = mutateOne(spec, xattrs)
		case !bodyJSON:
			st = memd.StatusSubdocNotJSON
		default:
			body, value, st = mutateOne(spec, body)
		}
		if st != memd.StatusSuccess {
			res.Status = gomemcached.Status(memd.StatusSubdocMultiPathFailure)
			res.Body = binary.BigEndian.AppendUint16([]byte{byte(i)}, uint16(st))
			return
		}
		if value != nil {
			results = append(results, subdocEntry{index: i, value: value})
		}
	}

	if deleted {
		delete(s.docs, key)
		s.mutated(state, &fakeDoc{}, res)
		return
	}
	if bodyJSON && body != nil {
		nd.value, _ = json.Marshal(body)
	}
	nd.xattrs, _ = json.Marshal(xattrs)
	s.docs[key] = nd
	s.mutated(state, nd, res)

	var out []byte
	for _, r := range results {
		out = append(out, byte(r.index))
		out = binary.BigEndian.AppendUint16(out, uint16(r.status))
		out = binary.BigEndian.AppendUint32(out, uint32(len(r.value)))
		out = append(out, r.value...)
	}
	res.Body = out
}

// mutateOne applies spec to root and returns the new root plus the value
// the spec reports back, if any.
func mutateOne(spec subdocSpec, root any) (any, []byte, memd.Status) {
	elems, ok := parsePath(spec.path)
	if !ok {
		return nil, nil, memd.StatusSubdocPathInvalid
	}
	mkdir := spec.flags&memd.SubdocPathMkDirP != 0

	var fragment any
	switch spec.op {
	case memd.SubdocDelete, memd.SubdocCounter:
	case memd.SubdocArrayPushLast, memd.SubdocArrayPushFirst:
		fragment, ok = decodeJSON([]byte("[" + string(spec.value) + "]"))
		if !ok {
			return nil, nil, memd.StatusSubdocCantInsert
		}
	default:
		fragment, ok = decodeJSON(spec.value)
		if !ok {
			return nil, nil, memd.StatusSubdocCantInsert
		}
	}

	var reported []byte
	var fn leafFunc
	switch spec.op {
	case memd.SubdocDictAdd:
		fn = func(_ any, exists bool) (any, bool, memd.Status) {
			if exists {
				return nil, false, memd.StatusSubdocPathExists
			}
			return fragment, false, memd.StatusSuccess
		}
	case memd.SubdocDictUpsert:
		fn = func(any, bool) (any, bool, memd.Status) {
			return fragment, false, memd.StatusSuccess
		}
	case memd.SubdocReplace:
		fn = func(_ any, exists bool) (any, bool, memd.Status) {
			if !exists {
				return nil, false, memd.StatusSubdocPathNotFound
			}
			return fragment, false, memd.StatusSuccess
		}
	case memd.SubdocDelete:
		fn = func(_ any, exists bool) (any, bool, memd.Status) {
			if !exists {
				return nil, false, memd.StatusSubdocPathNotFound
			}
			return nil, true, memd.StatusSuccess
		}
	case memd.SubdocArrayPushLast, memd.SubdocArrayPushFirst, memd.SubdocArrayAddUnique:
		fn = func(old any, exists bool) (any, bool, memd.Status) {
			if !exists {
				if !mkdir {
					return nil, false, memd.StatusSubdocPathNotFound
				}
				old = []any{}
			}
			arr, ok := old.([]any)
			if !ok {
				return nil, false, memd.StatusSubdocPathMismatch
			}
			switch spec.op {
			case memd.SubdocArrayPushLast:
				return append(arr, fragment.([]any)...), false, memd.StatusSuccess
			case memd.SubdocArrayPushFirst:
				return append(append([]any{}, fragment.([]any)...), arr...), false, memd.StatusSuccess
			}
			for _, v := range arr {
				if reflect.DeepEqual(v, fragment) {
					return nil, false, memd.StatusSubdocPathExists
				}
			}
			return append(arr, fragment), false, memd.StatusSuccess
		}
	case memd.SubdocCounter:
		delta, err := strconv.ParseInt(string(spec.value), 10, 64)
		if err != nil || delta == 0 {
			return nil, nil, memd.StatusSubdocBadDelta
		}
		fn = func(old any, exists bool) (any, bool, memd.Status) {
			var current int64
			if exists {
				n, ok := old.(json.Number)
				if !ok {
					return nil, false, memd.StatusSubdocPathMismatch
				}
				if current, err = n.Int64(); err != nil {
					return nil, false, memd.StatusSubdocBadRange
				}
			}
			next := current + delta
			reported = []byte(strconv.FormatInt(next, 10))
			return json.Number(reported), false, memd.StatusSuccess
		}
	default:
		return nil, nil, memd.StatusNotSupported
	}

	out, st := updatePath(root, elems, mkdir, fn)
	if st != memd.StatusSuccess {
		return nil, nil, st
	}
	return out, reported, memd.StatusSuccess
}
