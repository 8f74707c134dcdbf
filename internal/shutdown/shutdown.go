// Package shutdown implements SIGINT/SIGTERM-triggered graceful
// shutdown: registered teardown functions run in priority order with a
// bounded timeout.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

type shutdownFunc struct {
	name     string
	priority int
	fn       func(ctx context.Context) error
}

// Manager runs registered shutdown functions, lowest priority first,
// once a signal arrives or Shutdown is called directly.
type Manager struct {
	logger  *zap.SugaredLogger
	timeout time.Duration

	mu    sync.Mutex
	funcs []shutdownFunc

	done chan struct{}
	once sync.Once
}

func NewManager(timeout time.Duration, logger *zap.SugaredLogger) *Manager {
	return &Manager{
		logger:  logger,
		timeout: timeout,
		done:    make(chan struct{}),
	}
}

// Register adds fn to the shutdown sequence. Lower priority values run
// first (e.g. stop accepting connections before closing the engine).
func (m *Manager) Register(name string, priority int, fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sf := shutdownFunc{name: name, priority: priority, fn: fn}
	i := 0
	for ; i < len(m.funcs); i++ {
		if priority < m.funcs[i].priority {
			break
		}
	}
	m.funcs = append(m.funcs, shutdownFunc{})
	copy(m.funcs[i+1:], m.funcs[i:])
	m.funcs[i] = sf
}

// Listen spawns a goroutine that triggers Shutdown on SIGINT/SIGTERM.
// This package takes and releases no process file lock.
func (m *Manager) Listen() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		m.logger.Infow("received signal, shutting down", "signal", sig.String())
		m.Shutdown()
	}()
}

func (m *Manager) Shutdown() {
	m.once.Do(func() {
		m.run()
		close(m.done)
	})
}

func (m *Manager) Wait() {
	<-m.done
}

func (m *Manager) run() {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	m.mu.Lock()
	funcs := make([]shutdownFunc, len(m.funcs))
	copy(funcs, m.funcs)
	m.mu.Unlock()

	for _, sf := range funcs {
		start := time.Now()
		if err := sf.fn(ctx); err != nil {
			m.logger.Errorw("shutdown step failed", "step", sf.name, "error", err)
			continue
		}
		m.logger.Infow("shutdown step completed", "step", sf.name, "elapsed", time.Since(start))
	}
}
