package monitor

import (
	"context"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
)

// Supervisor runs one monitor per symbol under the session context.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup
	logger logrus.FieldLogger

	mu       sync.Mutex
	monitors map[string]*Monitor
	errs     []error
}

// NewSupervisor creates a supervisor whose monitors stop when ctx is done.
func NewSupervisor(ctx context.Context, logger logrus.FieldLogger) *Supervisor {
	if logger == nil {
		logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Supervisor{
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger.WithField("component", "supervisor"),
		monitors: make(map[string]*Monitor),
	}
}

// Spawn starts m. It returns false when the symbol is already monitored.
func (s *Supervisor) Spawn(m *Monitor) bool {
	symbol := m.Symbol()
	s.mu.Lock()
	if _, ok := s.monitors[symbol]; ok {
		s.mu.Unlock()
		return false
	}
	s.monitors[symbol] = m
	s.mu.Unlock()

	s.wg.Go(func() {
		defer s.forget(symbol, m)
		if err := m.Run(s.ctx); err != nil {
			s.logger.WithError(err).WithField("symbol", symbol).Error("Monitor failed to close straddle")
			s.mu.Lock()
			s.errs = append(s.errs, err)
			s.mu.Unlock()
			return
		}
		s.logger.WithFields(logrus.Fields{"symbol": symbol, "reason": m.Reason()}).Info("Monitor finished")
	})
	return true
}

func (s *Supervisor) forget(symbol string, m *Monitor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.monitors[symbol] == m {
		delete(s.monitors, symbol)
	}
}

// Owns reports whether a live monitor holds symbol.
func (s *Supervisor) Owns(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.monitors[symbol]
	return ok
}

// Exit asks the monitor of symbol to close now. It reports whether one was running.
func (s *Supervisor) Exit(symbol string) bool {
	s.mu.Lock()
	m, ok := s.monitors[symbol]
	s.mu.Unlock()
	if ok {
		m.Exit()
	}
	return ok
}

// Active lists the monitored symbols.
func (s *Supervisor) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.monitors))
	for symbol := range s.monitors {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

// Errors returns the close failures reported so far.
func (s *Supervisor) Errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

// Shutdown cancels every monitor, each of which flattens its straddle, and
// waits for them. A monitor panic is returned as an error.
func (s *Supervisor) Shutdown() error {
	s.cancel()
	return s.Wait()
}

// Wait blocks until every monitor has returned.
func (s *Supervisor) Wait() error {
	if r := s.wg.WaitAndRecover(); r != nil {
		return r.AsError()
	}
	return nil
}
