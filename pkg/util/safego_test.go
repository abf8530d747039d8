package util

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSafeGo_RunsFunction(t *testing.T) {
	done := make(chan struct{})
	SafeGo(func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("SafeGo: function was not executed")
	}
}

// SafeGo 应捕获任意类型的 panic，不扩散到调用方。
func TestSafeGo_RecoversPanic(t *testing.T) {
	payloads := []any{"string panic", 42, struct{ X int }{7}}

	var wg sync.WaitGroup
	for _, p := range payloads {
		wg.Add(1)
		SafeGo(func() {
			defer wg.Done()
			panic(p)
		})
	}

	// 如果 panic 扩散，测试进程会崩溃 — 走到这里说明捕获成功
	wg.Wait()
}

func TestSafeGo_ManyConcurrent(t *testing.T) {
	const n = 200
	var counter atomic.Int32
	var wg sync.WaitGroup
	wg.Add(n)

	for i := 0; i < n; i++ {
		SafeGo(func() {
			defer wg.Done()
			counter.Add(1)
		})
	}

	wg.Wait()
	if got := counter.Load(); got != n {
		t.Errorf("SafeGo concurrent: executed %d/%d", got, n)
	}
}
