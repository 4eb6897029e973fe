// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
)

// CidKey is the payload field naming the constructor of a transported object.
const CidKey = "_cid"

// handleKey is the payload field holding a shared handle.
const handleKey = "handle"

// Transportable is implemented by values that can cross worker boundaries
// as something other than plain data.
type Transportable interface {
	// Cid returns the process-wide constructor id of the value.
	Cid() string

	// Save writes the state needed to rebuild the value into payload.
	Save(payload map[string]any, ctx *Context) error
}

// Shareable is a Transportable backed by a reference-counted resource.
type Shareable interface {
	Transportable

	// Ref returns the reference owned by this wrapper.
	Ref() *Ref
}

// Marshal converts v into its transport form. Plain data (nil, booleans,
// numbers, strings, slices and string-keyed maps of those) is carried
// structurally; Transportable values are replaced by their saved payload
// tagged with their cid.
//
// Numbers come back from Unmarshal as float64. Integers beyond ±2^53 and
// cyclic slices or maps are rejected with ErrNotTransportable.
func Marshal(v any, ctx *Context) (string, error) {
	e := &encoder{ctx: ctx, path: make(map[uintptr]bool)}
	tree, err := e.encode(v)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(tree)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotTransportable, err)
	}
	return string(data), nil
}

// Unmarshal parses a payload produced by Marshal, rebuilding transported
// objects with the constructors in reg.
func Unmarshal(payload string, ctx *Context, reg *Registry) (any, error) {
	var raw any
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if ctx == nil {
		ctx = NewContext()
	}
	return decode(raw, ctx.pass(), reg)
}

// maxExactInt is the largest magnitude a float64 holds without rounding.
const maxExactInt = 1 << 53

// encoder walks one value. path holds the slices and maps on the current
// recursion path.
type encoder struct {
	ctx  *Context
	path map[uintptr]bool
}

// enter marks a slice or map as being visited and returns the func that
// unmarks it.
func (e *encoder) enter(rv reflect.Value) (func(), error) {
	if rv.Len() == 0 {
		return func() {}, nil
	}
	p := rv.Pointer()
	if e.path[p] {
		return nil, fmt.Errorf("%w: cyclic value", ErrNotTransportable)
	}
	e.path[p] = true
	return func() { delete(e.path, p) }, nil
}

func (e *encoder) encode(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case Transportable:
		return e.encodeObject(x)
	case bool, string:
		return x, nil
	case float64:
		return checkFloat(x)
	case float32:
		return checkFloat(float64(x))
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return encodeReflect(e, reflect.ValueOf(x))
	case json.Number:
		return x, nil
	case []any:
		leave, err := e.enter(reflect.ValueOf(x))
		if err != nil {
			return nil, err
		}
		defer leave()
		out := make([]any, len(x))
		for i, el := range x {
			enc, err := e.encode(el)
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil
	case map[string]any:
		leave, err := e.enter(reflect.ValueOf(x))
		if err != nil {
			return nil, err
		}
		defer leave()
		return e.encodeMap(x)
	}
	return encodeReflect(e, reflect.ValueOf(v))
}

func (e *encoder) encodeObject(t Transportable) (any, error) {
	cid := t.Cid()
	if cid == "" {
		return nil, fmt.Errorf("%w: %T has an empty cid", ErrNotTransportable, t)
	}
	payload := make(map[string]any)
	if err := t.Save(payload, e.ctx); err != nil {
		return nil, fmt.Errorf("save %s: %w", cid, err)
	}
	out, err := e.encodeFields(payload)
	if err != nil {
		return nil, err
	}
	out[CidKey] = cid
	return out, nil
}

func (e *encoder) encodeMap(m map[string]any) (any, error) {
	if _, ok := m[CidKey]; ok {
		return nil, fmt.Errorf("%w: plain object uses reserved key %q", ErrNotTransportable, CidKey)
	}
	return e.encodeFields(m)
}

// encodeFields visits keys in sorted order so nested Save calls happen in
// a reproducible order.
func (e *encoder) encodeFields(m map[string]any) (map[string]any, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]any, len(m))
	for _, k := range keys {
		enc, err := e.encode(m[k])
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = enc
	}
	return out, nil
}

func encodeReflect(e *encoder, rv reflect.Value) (any, error) {
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice {
			if rv.IsNil() {
				return nil, nil
			}
			leave, err := e.enter(rv)
			if err != nil {
				return nil, err
			}
			defer leave()
		}
		out := make([]any, rv.Len())
		for i := range out {
			enc, err := e.encode(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		if rv.IsNil() {
			return nil, nil
		}
		leave, err := e.enter(rv)
		if err != nil {
			return nil, err
		}
		defer leave()
		m := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = iter.Value().Interface()
		}
		return e.encodeMap(m)
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.String:
		return rv.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n := rv.Int()
		if n > maxExactInt || n < -maxExactInt {
			return nil, fmt.Errorf("%w: integer %d exceeds ±2^53", ErrNotTransportable, n)
		}
		return n, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		n := rv.Uint()
		if n > maxExactInt {
			return nil, fmt.Errorf("%w: integer %d exceeds 2^53", ErrNotTransportable, n)
		}
		return n, nil
	case reflect.Float32, reflect.Float64:
		return checkFloat(rv.Float())
	}
	return nil, fmt.Errorf("%w: %s", ErrNotTransportable, rv.Type())
}

// RequirePlain returns ErrNotTransportable naming the first Transportable
// found in v. Engines that only exchange JSON with scripts use it to
// refuse values they cannot bridge.
func RequirePlain(v any) error {
	return requirePlain(reflect.ValueOf(v), make(map[uintptr]bool))
}

func requirePlain(rv reflect.Value, path map[uintptr]bool) error {
	if !rv.IsValid() {
		return nil
	}
	if rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if rv.CanInterface() {
		if t, ok := rv.Interface().(Transportable); ok {
			return fmt.Errorf("%w: %s (%T) is not plain data", ErrNotTransportable, t.Cid(), t)
		}
	}
	switch rv.Kind() {
	case reflect.Slice, reflect.Map:
		if rv.IsNil() || rv.Len() == 0 {
			return nil
		}
		p := rv.Pointer()
		if path[p] {
			return fmt.Errorf("%w: cyclic value", ErrNotTransportable)
		}
		path[p] = true
		defer delete(path, p)
		if rv.Kind() == reflect.Map {
			iter := rv.MapRange()
			for iter.Next() {
				if err := requirePlain(iter.Value(), path); err != nil {
					return err
				}
			}
			return nil
		}
		fallthrough
	case reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			if err := requirePlain(rv.Index(i), path); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkFloat(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%w: non-finite number %v", ErrNotTransportable, f)
	}
	return f, nil
}

func decode(raw any, ctx *Context, reg *Registry) (any, error) {
	switch x := raw.(type) {
	case []any:
		for i, e := range x {
			dec, err := decode(e, ctx, reg)
			if err != nil {
				return nil, err
			}
			x[i] = dec
		}
		return x, nil
	case map[string]any:
		cidVal, tagged := x[CidKey]
		if !tagged {
			for k, e := range x {
				dec, err := decode(e, ctx, reg)
				if err != nil {
					return nil, err
				}
				x[k] = dec
			}
			return x, nil
		}
		return decodeObject(cidVal, x, ctx, reg)
	}
	return raw, nil
}

func decodeObject(cidVal any, x map[string]any, ctx *Context, reg *Registry) (any, error) {
	cid, ok := cidVal.(string)
	if !ok || cid == "" {
		return nil, fmt.Errorf("%w: %s must be a non-empty string", ErrInvalidPayload, CidKey)
	}
	if reg == nil {
		return nil, fmt.Errorf("%w: %q (no registry)", ErrUnregisteredConstructor, cid)
	}
	ctor, ok := reg.Lookup(cid)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnregisteredConstructor, cid)
	}

	payload := make(map[string]any, len(x)-1)
	for k, e := range x {
		if k == CidKey {
			continue
		}
		dec, err := decode(e, ctx, reg)
		if err != nil {
			return nil, err
		}
		payload[k] = dec
	}
	obj, err := ctor(payload, ctx)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", cid, err)
	}
	return obj, nil
}

// SaveRef records ref in ctx and writes its handle into payload. It is
// the Save half of every Shareable.
func SaveRef(payload map[string]any, ctx *Context, ref *Ref) error {
	h, err := ctx.SaveShared(ref)
	if err != nil {
		return err
	}
	payload[handleKey] = map[string]any{"low": h.Low, "high": h.High}
	return nil
}

// LoadRef reads the handle written by SaveRef and resolves it through ctx.
func LoadRef(payload map[string]any, ctx *Context, wrap func(ref *Ref) Transportable) (Transportable, error) {
	h, err := handleFrom(payload[handleKey])
	if err != nil {
		return nil, err
	}
	return ctx.LoadShared(h, wrap)
}

func handleFrom(v any) (Handle, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return Handle{}, fmt.Errorf("%w: missing %s", ErrInvalidPayload, handleKey)
	}
	low, lok := m["low"].(float64)
	high, hok := m["high"].(float64)
	if !lok || !hok || low < 0 || high < 0 || low > math.MaxUint32 || high > math.MaxUint32 {
		return Handle{}, fmt.Errorf("%w: malformed %s", ErrInvalidPayload, handleKey)
	}
	return Handle{Low: uint32(low), High: uint32(high)}, nil
}
