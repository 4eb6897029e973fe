// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package gojaengine

import (
	"sync"
	"testing"

	jszone "github.com/buke/js-zone"
	"github.com/buke/js-zone/lock"
	"github.com/stretchr/testify/require"
)

const sharedScript = `
	function add(a, b) { return a + b; }

	async function hello(name) {
		// Wait for 10ms to ensure the async path is taken.
		await new Promise(resolve => setTimeout(resolve, 10));
		return "Hello, " + name + "!";
	}

	function put(s, key, value) { s.set(key, value); return s.size(); }
	function fetch(s, key) { return s.get(key); }

	function increment(l, s) {
		return l.guardSync(function () {
			var n = s.get("count") || 0;
			s.set("count", n + 1);
			return n + 1;
		});
	}

	function whoami() { return { zone: __zoneId, worker: __workerId }; }
`

func newRuntime(t *testing.T, opts ...func(*jszone.Runtime)) *jszone.Runtime {
	t.Helper()
	opts = append([]func(*jszone.Runtime){
		jszone.WithJsEngine(NewFactory()),
		jszone.WithInitScripts(&jszone.JsScript{FileName: "shared.js", Content: sharedScript}),
	}, opts...)
	rt, err := jszone.NewRuntime(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, rt.Close()) })
	return rt
}

func value(t *testing.T, res *jszone.ExecuteResult, err error) any {
	t.Helper()
	require.NoError(t, err)
	v, err := res.Value()
	require.NoError(t, err)
	return v
}

// TestIntegration_GojaZone_Sync tests a synchronous JS function.
func TestIntegration_GojaZone_Sync(t *testing.T) {
	rt := newRuntime(t)
	zone, err := rt.CreateZone("compute", jszone.ZoneSettings{Workers: 2})
	require.NoError(t, err)

	res, err := zone.ExecuteSync("", "add", []any{2, 3})
	require.Equal(t, 5.0, value(t, res, err))
}

// TestIntegration_GojaZone_Async tests an async JS function.
func TestIntegration_GojaZone_Async(t *testing.T) {
	rt := newRuntime(t)
	zone, err := rt.CreateZone("compute", jszone.ZoneSettings{Workers: 2})
	require.NoError(t, err)

	res, err := zone.Execute("", "hello", []any{"Goja Async"}).Wait()
	require.Equal(t, "Hello, Goja Async!", value(t, res, err))
}

func TestIntegration_GojaZone_Globals(t *testing.T) {
	rt := newRuntime(t)
	zone, err := rt.CreateZone("ids", jszone.ZoneSettings{Workers: 3})
	require.NoError(t, err)

	res, err := zone.ExecuteSync("", "whoami", nil, jszone.WithWorker(2))
	require.Equal(t, map[string]any{"zone": "ids", "worker": 2.0}, value(t, res, err))
}

func TestIntegration_GojaZone_StoreAcrossWorkers(t *testing.T) {
	rt := newRuntime(t)
	zone, err := rt.CreateZone("store", jszone.ZoneSettings{Workers: 2})
	require.NoError(t, err)

	s, err := rt.Stores().Create("shared")
	require.NoError(t, err)
	defer s.Release()

	res, err := zone.ExecuteSync("", "put", []any{s, "user", map[string]any{"name": "ada", "tags": []any{"x"}}}, jszone.WithWorker(0))
	require.Equal(t, 1.0, value(t, res, err))

	res, err = zone.ExecuteSync("", "fetch", []any{s, "user"}, jszone.WithWorker(1))
	require.Equal(t, map[string]any{"name": "ada", "tags": []any{"x"}}, value(t, res, err))

	// The host sees the same table
	v, err := s.Get("user")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"name": "ada", "tags": []any{"x"}}, v)
}

func TestIntegration_GojaZone_LockAcrossWorkers(t *testing.T) {
	rt := newRuntime(t)
	zone, err := rt.CreateZone("lock", jszone.ZoneSettings{Workers: 4})
	require.NoError(t, err)

	l := lock.New()
	defer l.Release()
	s, err := rt.Stores().Create("counter")
	require.NoError(t, err)
	defer s.Release()

	const n = 40
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := zone.ExecuteSync("", "increment", []any{l, s})
			if err != nil {
				errs <- err
				return
			}
			res.Release()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	count, err := s.Get("count")
	require.NoError(t, err)
	require.Equal(t, float64(n), count)
}

func TestIntegration_GojaZone_Functions(t *testing.T) {
	rt := newRuntime(t)
	zone, err := rt.CreateZone("fn", jszone.ZoneSettings{Workers: 2})
	require.NoError(t, err)

	mul := jszone.Function("function (a, b) { return a * b; }")
	for i := 0; i < 4; i++ {
		res, err := zone.ExecuteFunctionSync(mul, []any{6, 7})
		require.Equal(t, 42.0, value(t, res, err))
	}

	require.NoError(t, zone.BroadcastFunctionSync(jszone.Function("function (v) { globalThis.seed = v; }"), 9))
	for w := uint32(0); w < 2; w++ {
		res, err := zone.ExecuteFunctionSync(jszone.Function("function () { return seed; }"), nil, jszone.WithWorker(w))
		require.Equal(t, 9.0, value(t, res, err))
	}
}

func TestIntegration_GojaZone_RemoteError(t *testing.T) {
	rt := newRuntime(t)
	zone, err := rt.CreateZone("err", jszone.ZoneSettings{Workers: 1})
	require.NoError(t, err)

	_, err = zone.ExecuteSync("", "missing", nil)
	var remote *jszone.RemoteError
	require.ErrorAs(t, err, &remote)
	require.Equal(t, jszone.CodeExecuteError, remote.Code)
	require.Contains(t, remote.Message, "function not found: missing")

	err = zone.BroadcastSync("throw new Error('broadcast failed');")
	require.ErrorAs(t, err, &remote)
	require.Contains(t, remote.Message, "broadcast failed")
}

func TestIntegration_GojaZone_CyclicResult(t *testing.T) {
	rt := newRuntime(t)
	zone, err := rt.CreateZone("cyc", jszone.ZoneSettings{Workers: 1})
	require.NoError(t, err)
	require.NoError(t, zone.BroadcastSync(`
		function cyclic() { var o = { name: "loop" }; o.self = o; return o; }
		function cyclicList() { var a = [1]; a.push(a); return a; }
	`))

	for _, fn := range []string{"cyclic", "cyclicList"} {
		_, err = zone.ExecuteSync("", fn, nil)
		var remote *jszone.RemoteError
		require.ErrorAs(t, err, &remote, fn)
		require.Equal(t, jszone.CodeBadRequest, remote.Code, fn)
		require.Contains(t, remote.Message, "cyclic value", fn)
	}

	// The worker keeps serving after refusing the result
	res, err := zone.ExecuteSync("", "add", []any{1, 2})
	require.Equal(t, 3.0, value(t, res, err))
}
