package socialflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultRefreshDelay is the debounce window of ScheduleRefresh.
const DefaultRefreshDelay = 500 * time.Millisecond

// RefreshFunc refetches one view.
type RefreshFunc func(ctx context.Context) error

type viewState struct {
	fn      RefreshFunc
	timer   *time.Timer
	gen     uint64
	running bool
	pending bool
	idle    chan struct{}
	// dropped marks a view unregistered while a run is in flight. The state
	// stays in the map until that run ends so a new Register waits for it.
	dropped bool
}

// ============================================================================
// RefreshScheduler
// ============================================================================

// RefreshScheduler coalesces refresh requests per view. Requests inside the
// delay window reset the timer; at most one refresh per view is in flight and
// requests arriving during a run queue exactly one follow-up run.
type RefreshScheduler struct {
	delay  time.Duration
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	views map[string]*viewState
}

// NewRefreshScheduler creates a scheduler. A zero delay means
// DefaultRefreshDelay.
func NewRefreshScheduler(delay time.Duration, logger *zap.Logger) *RefreshScheduler {
	if delay <= 0 {
		delay = DefaultRefreshDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RefreshScheduler{
		delay:  delay,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		views:  make(map[string]*viewState),
	}
}

// Register sets the refresh function of viewID, replacing any previous one.
func (s *RefreshScheduler) Register(viewID string, fn RefreshFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v := s.views[viewID]; v != nil {
		v.fn = fn
		v.dropped = false
		return
	}
	idle := make(chan struct{})
	close(idle)
	s.views[viewID] = &viewState{fn: fn, idle: idle}
}

// Unregister drops viewID and its pending timer. A run in flight finishes,
// and a later Register of the same view waits for it.
func (s *RefreshScheduler) Unregister(viewID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v := s.views[viewID]; v != nil {
		v.gen++
		if v.timer != nil {
			v.timer.Stop()
			v.timer = nil
		}
		v.pending = false
		if v.running {
			v.dropped = true
			return
		}
		delete(s.views, viewID)
	}
}

// Registered reports whether viewID is known.
func (s *RefreshScheduler) Registered(viewID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.views[viewID]
	return v != nil && !v.dropped
}

// ScheduleRefresh runs viewID once the delay has elapsed without another
// request for it.
func (s *RefreshScheduler) ScheduleRefresh(viewID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.views[viewID]
	if v == nil || v.dropped {
		s.logger.Debug("refresh for unknown view ignored", zap.String("view", viewID))
		return
	}
	v.gen++
	gen := v.gen
	if v.timer != nil {
		v.timer.Stop()
	}
	v.timer = time.AfterFunc(s.delay, func() { s.fire(viewID, v, gen) })
}

func (s *RefreshScheduler) fire(viewID string, v *viewState, gen uint64) {
	s.mu.Lock()
	if s.views[viewID] != v || v.gen != gen {
		s.mu.Unlock()
		return
	}
	v.timer = nil
	if v.running {
		v.pending = true
		s.mu.Unlock()
		return
	}
	v.running = true
	v.idle = make(chan struct{})
	s.mu.Unlock()

	s.drain(viewID, v)
}

// drain runs v until no follow-up is pending. The caller has set running.
func (s *RefreshScheduler) drain(viewID string, v *viewState) {
	for {
		s.mu.Lock()
		fn := v.fn
		s.mu.Unlock()

		_ = s.run(s.ctx, viewID, fn)

		s.mu.Lock()
		if v.pending && s.ctx.Err() == nil {
			v.pending = false
			s.mu.Unlock()
			continue
		}
		s.finishLocked(viewID, v)
		s.mu.Unlock()
		return
	}
}

// finishLocked ends a run of v. A view dropped mid-run leaves the map now.
func (s *RefreshScheduler) finishLocked(viewID string, v *viewState) {
	v.pending = false
	v.running = false
	close(v.idle)
	if v.dropped && s.views[viewID] == v {
		delete(s.views, viewID)
	}
}

// RunNow cancels a pending timer for viewID and refreshes it on the calling
// goroutine, waiting first for a run already in flight.
func (s *RefreshScheduler) RunNow(ctx context.Context, viewID string) error {
	s.mu.Lock()
	for {
		v := s.views[viewID]
		if v == nil || v.dropped {
			s.mu.Unlock()
			return NewError("refresh", ErrNotFound, fmt.Errorf("view %q", viewID))
		}
		v.gen++
		if v.timer != nil {
			v.timer.Stop()
			v.timer = nil
		}
		if v.running {
			idle := v.idle
			s.mu.Unlock()
			select {
			case <-idle:
			case <-ctx.Done():
				return ctx.Err()
			}
			s.mu.Lock()
			continue
		}

		v.running = true
		v.pending = false
		v.idle = make(chan struct{})
		fn := v.fn
		s.mu.Unlock()

		err := s.run(ctx, viewID, fn)

		s.mu.Lock()
		if v.pending {
			v.pending = false
			s.mu.Unlock()
			go s.drain(viewID, v)
			return err
		}
		s.finishLocked(viewID, v)
		s.mu.Unlock()
		return err
	}
}

func (s *RefreshScheduler) run(ctx context.Context, viewID string, fn RefreshFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("refresh panicked: %v", r)
		}
		if err != nil {
			s.logger.Warn("refresh failed", zap.String("view", viewID), zap.Error(err))
		}
	}()
	return fn(ctx)
}

// Close stops every timer and cancels the context passed to scheduled runs.
func (s *RefreshScheduler) Close() {
	s.mu.Lock()
	for id, v := range s.views {
		v.gen++
		if v.timer != nil {
			v.timer.Stop()
			v.timer = nil
		}
		v.pending = false
		delete(s.views, id)
	}
	s.mu.Unlock()
	s.cancel()
}
