package utils

import (
	"context"
	"log/slog"
	"sync"
)

// BackgroundProcessManager runs long-lived goroutines with lifecycle
// control: named start, individual stop, and a graceful stop-all that
// waits for every process to return.
type BackgroundProcessManager struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	processes map[string]context.CancelFunc
}

func NewBackgroundProcessManager() *BackgroundProcessManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &BackgroundProcessManager{
		ctx:       ctx,
		cancel:    cancel,
		processes: make(map[string]context.CancelFunc),
	}
}

// StartProcess registers and starts a background process. Starting a
// name that is already running stops the old one first.
func (m *BackgroundProcessManager) StartProcess(name string, fn func(ctx context.Context)) {
	m.mu.Lock()
	if cancel, exists := m.processes[name]; exists {
		slog.Warn("Process already exists, replacing", slog.String("process", name))
		cancel()
	}
	ctx, cancel := context.WithCancel(m.ctx)
	m.processes[name] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Background process panic",
					slog.String("process", name),
					slog.Any("panic", r))
			}
		}()

		slog.Info("Starting background process", slog.String("process", name))
		fn(ctx)
		slog.Info("Background process ended", slog.String("process", name))
	}()
}

// StopProcess cancels one process by name.
func (m *BackgroundProcessManager) StopProcess(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, exists := m.processes[name]; exists {
		cancel()
		delete(m.processes, name)
	}
}

// StopAll cancels every process and waits for them to return.
func (m *BackgroundProcessManager) StopAll() {
	m.cancel()
	m.wg.Wait()
}
