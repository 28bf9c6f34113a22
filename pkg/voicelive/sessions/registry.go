// Package sessions tracks every live voice session in the process, sweeps
// inactive ones, and bounds session lifetime regardless of activity.
package sessions

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tablekit/voicelive/pkg/voicelive/lifecycle"
	"github.com/tablekit/voicelive/pkg/voicelive/session"
)

// Options tunes the sweep and lifetime limits.
type Options struct {
	InactivityThreshold time.Duration
	SweepInterval       time.Duration
	MaxLifetime         time.Duration
	Now                 func() time.Time
}

type tracked struct {
	sess *session.Session
	once sync.Once
}

// Registry is the process-wide set of live sessions.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*tracked
	wg       sync.WaitGroup

	opts      Options
	lifecycle *lifecycle.Registry
	logger    *slog.Logger

	sweepHandleID string
	sweepStop     chan struct{}
	shutdownOnce  sync.Once
}

func NewRegistry(opts Options, lc *lifecycle.Registry, logger *slog.Logger) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		sessions:  make(map[string]*tracked),
		opts:      opts,
		lifecycle: lc,
		logger:    logger,
	}
}

// Track adds a session and removes it automatically when its run loop ends.
func (r *Registry) Track(s *session.Session) {
	entry := &tracked{sess: s}

	r.mu.Lock()
	old := r.sessions[s.ID()]
	r.sessions[s.ID()] = entry
	r.wg.Add(1)
	r.mu.Unlock()

	if old != nil {
		r.untrack(s.ID(), old)
	}

	go func() {
		<-s.Done()
		r.untrack(s.ID(), entry)
	}()
}

func (r *Registry) untrack(id string, entry *tracked) {
	entry.once.Do(func() {
		r.mu.Lock()
		if r.sessions[id] == entry {
			delete(r.sessions, id)
		}
		r.mu.Unlock()
		r.wg.Done()
	})
}

func (r *Registry) Get(id string) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return entry.sess, true
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshots lists every live session for the operator API.
func (r *Registry) Snapshots() []session.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]session.Snapshot, 0, len(r.sessions))
	for _, entry := range r.sessions {
		out = append(out, entry.sess.Snapshot())
	}
	return out
}

// StartSweep launches the periodic inactive-session sweep. The interval is a
// process-scoped handle so a dangling sweep shows up as a leak, not silence.
func (r *Registry) StartSweep() {
	r.sweepStop = make(chan struct{})
	ticker := time.NewTicker(r.opts.SweepInterval)
	stop := r.sweepStop

	r.sweepHandleID = r.lifecycle.Register(lifecycle.Handle{
		SessionID: lifecycle.ProcessScope,
		Kind:      lifecycle.KindInterval,
		Dispose: func() {
			ticker.Stop()
			close(stop)
		},
	})

	go func() {
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				r.sweep()
			}
		}
	}()
}

func (r *Registry) sweep() {
	now := r.opts.Now()
	var victims []*session.Session
	var causes []string

	r.mu.Lock()
	for _, entry := range r.sessions {
		s := entry.sess
		switch {
		case now.Sub(s.LastActivity()) > r.opts.InactivityThreshold:
			victims = append(victims, s)
			causes = append(causes, "inactive")
		case now.Sub(s.CreatedAt()) > r.opts.MaxLifetime:
			victims = append(victims, s)
			causes = append(causes, "max_lifetime")
		}
	}
	r.mu.Unlock()

	for i, s := range victims {
		r.logger.Info("sweeping session", "session_id", s.ID(), "cause", causes[i])
		s.Close()
	}
}

// CloseAll asks every tracked session to stop.
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	all := make([]*session.Session, 0, len(r.sessions))
	for _, entry := range r.sessions {
		all = append(all, entry.sess)
	}
	r.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
	return len(all)
}

// Wait blocks until every tracked session has finished teardown or the
// context expires.
func (r *Registry) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// Shutdown disposes the sweep, closes every session, and waits for teardown.
func (r *Registry) Shutdown(ctx context.Context) bool {
	clean := true
	r.shutdownOnce.Do(func() {
		if r.sweepHandleID != "" {
			r.lifecycle.Dispose(r.sweepHandleID)
		}
		r.CloseAll()
		clean = r.Wait(ctx)
	})
	return clean
}
