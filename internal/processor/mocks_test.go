package processor

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// MockBackend is a scripted non-tunable backend that counts its calls
type MockBackend struct {
	engine EngineKind
	fn     func(ctx context.Context, cfg BackendConfig) (*RawResult, error)

	mu    sync.Mutex
	calls int
}

func newMockBackend(engine EngineKind, fn func(ctx context.Context, cfg BackendConfig) (*RawResult, error)) *MockBackend {
	return &MockBackend{engine: engine, fn: fn}
}

func (m *MockBackend) Engine() EngineKind { return m.engine }

func (m *MockBackend) Recognize(ctx context.Context, img Image, cfg BackendConfig) (*RawResult, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return m.fn(ctx, cfg)
}

func (m *MockBackend) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// MockTunable is a scripted backend with a threshold parameter; it records every value it was called with
type MockTunable struct {
	*MockBackend

	mu     sync.Mutex
	params []float64
}

func newMockTunable(engine EngineKind, fn func(ctx context.Context, cfg BackendConfig) (*RawResult, error)) *MockTunable {
	t := &MockTunable{}
	t.MockBackend = newMockBackend(engine, func(ctx context.Context, cfg BackendConfig) (*RawResult, error) {
		t.mu.Lock()
		t.params = append(t.params, cfg.Threshold)
		t.mu.Unlock()
		return fn(ctx, cfg)
	})
	return t
}

func (m *MockTunable) Parameter() string { return "threshold" }

func (m *MockTunable) WithParameter(cfg BackendConfig, v float64) BackendConfig {
	cfg.Threshold = v
	return cfg
}

func (m *MockTunable) Params() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]float64(nil), m.params...)
}

// textResult returns a fixed text for every call
func textResult(backend, text string) func(ctx context.Context, cfg BackendConfig) (*RawResult, error) {
	return func(ctx context.Context, cfg BackendConfig) (*RawResult, error) {
		return &RawResult{Backend: cfg.ID(), Engine: EngineKind(backend), Text: text}, nil
	}
}

// blockUntilDone waits for cancellation like a hung engine
func blockUntilDone(ctx context.Context, cfg BackendConfig) (*RawResult, error) {
	<-ctx.Done()
	return nil, classifyRunError(cfg.ID(), ctx.Err())
}

var testImage = NewImageFromBytes([]byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, "")

// writeScript installs an executable shell script standing in for an OCR engine
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script engines need a POSIX shell")
	}
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

// writeImageFile stores a placeholder image the fake engines never decode
func writeImageFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "display.png")
	require.NoError(t, os.WriteFile(path, testImage.Data, 0o644))
	return path
}
