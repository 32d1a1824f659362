package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultSweepInterval is the gate-expiry sweep cadence when none is
// configured.
const DefaultSweepInterval = time.Minute

// Sweeper periodically resolves expired approval gates.
//
// The sweep itself is idempotent, so overlapping or repeated runs are
// harmless. Thread safety: Start and Stop are guarded by a mutex; Start on
// a running sweeper is an error, Stop on a stopped one is a no-op.
type Sweeper struct {
	machine  *Machine
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// NewSweeper creates a sweeper for the given machine.
func NewSweeper(machine *Machine, interval time.Duration, logger *zap.Logger) (*Sweeper, error) {
	if machine == nil {
		return nil, fmt.Errorf("machine cannot be nil")
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		machine:  machine,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}, nil
}

// Start begins the background sweep loop.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("sweeper is already running")
	}
	s.stopCh = make(chan struct{})
	s.running = true

	s.logger.Info("timeout sweeper started", zap.Duration("interval", s.interval))
	go s.run()
	return nil
}

// Stop signals the sweep loop to exit. No-op when not running.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
	s.logger.Info("timeout sweeper stopped")
}

func (s *Sweeper) run() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sweeper goroutine panicked",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweepOnce()
		case <-s.stopCh:
			return
		}
	}
}

// sweepOnce runs a single sweep. Errors are logged, never fatal to the
// loop.
func (s *Sweeper) sweepOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	swept, err := s.machine.SweepExpired(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Error("timeout sweep failed", zap.Error(err))
		return
	}
	if swept > 0 {
		s.logger.Info("timeout sweep resolved expired gates", zap.Int("count", swept))
	}
}
