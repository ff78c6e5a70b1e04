// Package startup brings service dependencies up in dependency order, retrying with backoff.
package startup

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
)

type Dependency interface {
	GetName() string
	DependsOn() []string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type Status int

const (
	StatusPending Status = iota
	StatusStarted
	StatusStopped
	StatusFailed
)

// Func adapts plain functions to a Dependency. A nil StopFunc is a no-op.
type Func struct {
	Name      string
	Requires  []string
	StartFunc func(ctx context.Context) error
	StopFunc  func(ctx context.Context) error
}

func (f Func) GetName() string     { return f.Name }
func (f Func) DependsOn() []string { return f.Requires }

func (f Func) Start(ctx context.Context) error {
	return f.StartFunc(ctx)
}

func (f Func) Stop(ctx context.Context) error {
	if f.StopFunc == nil {
		return nil
	}
	return f.StopFunc(ctx)
}

type Startup struct {
	order        []string
	started      []string
	dependencies map[string]Dependency
	statuses     map[string]Status
	logger       ectologger.Logger
	maxAttempts  int
	// unit scales the fibonacci backoff between attempts.
	unit time.Duration
}

func NewStartup(logger ectologger.Logger, maxAttempts int) *Startup {
	return &Startup{
		dependencies: map[string]Dependency{},
		statuses:     map[string]Status{},
		logger:       logger,
		maxAttempts:  max(maxAttempts, 1),
		unit:         time.Second,
	}
}

// AddDependency registers d. Dependencies start in registration order after what they depend on.
func (s *Startup) AddDependency(d Dependency) {
	if _, ok := s.dependencies[d.GetName()]; !ok {
		s.order = append(s.order, d.GetName())
	}
	s.dependencies[d.GetName()] = d
}

func (s *Startup) Status(name string) Status {
	return s.statuses[name]
}

// Start starts every dependency. A failed attempt is retried with fibonacci backoff; dependencies
// already started are not started again.
func (s *Startup) Start(ctx context.Context) error {
	var lastErr error
	a, b := 1, 1
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		s.logger.WithField("attempt", attempt).Infof("Beginning startup attempt %d", attempt)

		lastErr = nil
		for _, name := range s.order {
			if err := s.start(ctx, name, map[string]bool{}); err != nil {
				s.logger.WithError(err).Errorf("Startup dependency '%s' attempt %d failed", name, attempt)
				lastErr = err
				break
			}
		}
		if lastErr == nil {
			return nil
		}
		if attempt == s.maxAttempts {
			break
		}

		wait := time.Duration(a) * s.unit
		s.logger.Infof("Retrying in %s (attempt %d/%d)", wait, attempt, s.maxAttempts)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		a, b = b, a+b
	}
	return fmt.Errorf("startup failed after %d attempts: %w", s.maxAttempts, lastErr)
}

func (s *Startup) start(ctx context.Context, name string, visiting map[string]bool) error {
	if s.statuses[name] == StatusStarted {
		return nil
	}
	d, ok := s.dependencies[name]
	if !ok {
		return fmt.Errorf("unknown startup dependency %q", name)
	}
	if visiting[name] {
		return fmt.Errorf("startup dependency cycle at %q", name)
	}
	visiting[name] = true

	for _, dep := range d.DependsOn() {
		if err := s.start(ctx, dep, visiting); err != nil {
			return err
		}
	}

	s.logger.WithField("dependency", name).Infof("Starting dependency '%s'", name)
	if err := d.Start(ctx); err != nil {
		s.statuses[name] = StatusFailed
		return fmt.Errorf("%s: %w", name, err)
	}
	s.statuses[name] = StatusStarted
	s.started = append(s.started, name)
	return nil
}

// Stop stops started dependencies in reverse start order. Every dependency is attempted; the first
// error is returned.
func (s *Startup) Stop(ctx context.Context) error {
	var first error
	for i := len(s.started) - 1; i >= 0; i-- {
		name := s.started[i]
		if s.statuses[name] != StatusStarted {
			continue
		}
		s.logger.WithField("dependency", name).Infof("Stopping dependency '%s'", name)
		if err := s.dependencies[name].Stop(ctx); err != nil {
			s.logger.WithError(err).WithField("dependency", name).Errorf("Failed to stop dependency '%s'", name)
			if first == nil {
				first = err
			}
			continue
		}
		s.statuses[name] = StatusStopped
	}
	return first
}
