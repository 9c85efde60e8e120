package render

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeEngine counts starts and hands out fakeSessions that follow the
// template behavior.
type fakeEngine struct {
	running    atomic.Bool
	starts     atomic.Int32
	closes     atomic.Int32
	startDelay time.Duration
	startErr   error
	sessionErr error

	mu       sync.Mutex
	template sessionBehavior
	sessions []*fakeSession
}

func (e *fakeEngine) Start(ctx context.Context) error {
	e.starts.Add(1)
	if e.startDelay > 0 {
		select {
		case <-time.After(e.startDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if e.startErr != nil {
		return e.startErr
	}
	e.running.Store(true)
	return nil
}

func (e *fakeEngine) Running() bool { return e.running.Load() }

func (e *fakeEngine) NewSession(context.Context) (Session, error) {
	if e.sessionErr != nil {
		return nil, e.sessionErr
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s := &fakeSession{sessionBehavior: e.template}
	e.sessions = append(e.sessions, s)
	return s, nil
}

func (e *fakeEngine) Close() error {
	e.closes.Add(1)
	e.running.Store(false)
	return nil
}

func (e *fakeEngine) setTemplate(s sessionBehavior) {
	e.mu.Lock()
	e.template = s
	e.mu.Unlock()
}

// sessionBehavior injects failures into a fakeSession.
type sessionBehavior struct {
	fail     map[string]error
	block    map[string]bool
	panicAt  string
	resetErr error
	box      *Box
}

type fakeSession struct {
	sessionBehavior

	loads  atomic.Int32
	resets atomic.Int32
	closes atomic.Int32
}

func (s *fakeSession) act(ctx context.Context, stage string) error {
	if s.block[stage] {
		<-ctx.Done()
		return ctx.Err()
	}
	if s.panicAt == stage {
		panic("injected panic at " + stage)
	}
	return s.fail[stage]
}

func (s *fakeSession) Load(ctx context.Context, _ string) error {
	s.loads.Add(1)
	return s.act(ctx, StageLoad)
}

func (s *fakeSession) WaitImages(ctx context.Context, _ time.Duration) error {
	return s.act(ctx, StageImages)
}

func (s *fakeSession) Measure(ctx context.Context, _ string) (Box, error) {
	if err := s.act(ctx, StageMeasure); err != nil {
		return Box{}, err
	}
	if s.box != nil {
		return *s.box, nil
	}
	return Box{Width: 400, Height: 120}, nil
}

func (s *fakeSession) Resize(ctx context.Context, _ Box, _ float64) error {
	return s.act(ctx, StageResize)
}

func (s *fakeSession) Capture(ctx context.Context, _ Box) ([]byte, error) {
	if err := s.act(ctx, StageCapture); err != nil {
		return nil, err
	}
	return []byte("\x89PNG"), nil
}

func (s *fakeSession) Reset(context.Context) error {
	s.resets.Add(1)
	return s.resetErr
}

func (s *fakeSession) Close() error {
	s.closes.Add(1)
	return nil
}

var errInjected = errors.New("injected failure")
