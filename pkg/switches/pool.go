package switches

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hil-network/hil/pkg/util"
)

// DefaultTimeout bounds switch exchanges when the caller sets none.
const DefaultTimeout = 30 * time.Second

// Pool keeps one long-lived session per switch and lets one caller at a
// time use it. Sessions open lazily and are dropped after a communication
// failure so the next caller reconnects.
type Pool struct {
	registry *Registry
	timeout  time.Duration
	holder   string

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	mu  sync.Mutex
	cfg Config
	drv Driver
}

// NewPool creates a session pool. timeout bounds every switch exchange;
// zero means DefaultTimeout.
func NewPool(registry *Registry, timeout time.Duration) *Pool {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	host, _ := os.Hostname()
	return &Pool{
		registry: registry,
		timeout:  timeout,
		holder:   fmt.Sprintf("hil@%s:%d", host, os.Getpid()),
		sessions: make(map[string]*session),
	}
}

// Registry returns the family registry the pool opens sessions from.
func (p *Pool) Registry() *Registry {
	return p.registry
}

// Holder identifies this process in cross-process switch locks.
func (p *Pool) Holder() string {
	return p.holder
}

func (p *Pool) session(name string) *session {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[name]
	if !ok {
		s = &session{}
		p.sessions[name] = s
	}
	return s
}

// With runs fn against the session for cfg.Name while holding that
// switch's mutex, and the driver's cross-process lock if it has one.
func (p *Pool) With(ctx context.Context, cfg Config, fn func(ctx context.Context, drv Driver) error) error {
	if cfg.Timeout <= 0 {
		cfg.Timeout = p.timeout
	}

	s := p.session(cfg.Name)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.drv != nil && s.cfg != cfg {
		// Re-registered with new parameters.
		s.drv.Close()
		s.drv = nil
	}
	if s.drv == nil {
		drv, err := p.open(ctx, cfg)
		if err != nil {
			return err
		}
		s.drv, s.cfg = drv, cfg
		util.WithSwitch(cfg.Name).Debugf("opened %s session", cfg.Type)
	}

	drv := s.drv
	if l, ok := drv.(Locker); ok {
		if err := l.Lock(ctx, p.holder); err != nil {
			p.dropOnCommError(s, err)
			return err
		}
		defer func() {
			if err := l.Unlock(context.WithoutCancel(ctx), p.holder); err != nil {
				util.WithSwitch(cfg.Name).Warnf("releasing switch lock: %v", err)
			}
		}()
	}

	err := fn(ctx, drv)
	p.dropOnCommError(s, err)
	return err
}

// RunningConfig reads the running configuration of the switch described
// by cfg through its pooled session.
func (p *Pool) RunningConfig(ctx context.Context, cfg Config) (string, error) {
	var out string
	err := p.With(ctx, cfg, func(ctx context.Context, drv Driver) error {
		r, ok := drv.(ConfigReader)
		if !ok {
			return util.NewValidationError(fmt.Sprintf("%s switches cannot report their running configuration", cfg.Type))
		}
		var err error
		out, err = r.RunningConfig(ctx)
		return err
	})
	return out, err
}

func (p *Pool) open(ctx context.Context, cfg Config) (Driver, error) {
	family, err := p.registry.Lookup(cfg.Type)
	if err != nil {
		return nil, err
	}
	drv, err := family.Open(ctx, cfg)
	if err != nil {
		if util.IsSwitchError(err) {
			return nil, err
		}
		return nil, util.NewSwitchCommError(cfg.Name, "connect", err)
	}
	return drv, nil
}

func (p *Pool) dropOnCommError(s *session, err error) {
	if err == nil || !errors.Is(err, util.ErrSwitchComm) || s.drv == nil {
		return
	}
	util.WithSwitch(s.cfg.Name).Debugf("dropping session after error: %v", err)
	s.drv.Close()
	s.drv = nil
}

// Forget closes and discards the session for a switch, e.g. on delete.
func (p *Pool) Forget(name string) {
	p.mu.Lock()
	s, ok := p.sessions[name]
	delete(p.sessions, name)
	p.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.drv != nil {
		s.drv.Close()
		s.drv = nil
	}
}

// Close ends every open session.
func (p *Pool) Close() error {
	p.mu.Lock()
	names := make([]string, 0, len(p.sessions))
	for name := range p.sessions {
		names = append(names, name)
	}
	p.mu.Unlock()

	for _, name := range names {
		p.Forget(name)
	}
	return nil
}
