package vm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
)

const (
	// DefaultMaxAttempts bounds every wait.
	DefaultMaxAttempts = 30

	// DefaultInterval is the pause between polls.
	DefaultInterval = time.Second
)

// Wait names, used in logs and metrics.
const (
	WaitShutdown = "shutdown"
	WaitRemoved  = "removed"
)

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Controller drives one orchestrator.
type Controller struct {
	Orchestrator Orchestrator
	MaxAttempts  int
	Interval     time.Duration
	Log          logr.Logger

	// Sleep defaults to a context-aware timer.
	Sleep SleepFunc

	// OnPoll, when set, is called once per show issued by a wait.
	OnPoll func(wait string)
}

// NewController returns a Controller with the default retry policy.
func NewController(o Orchestrator, log logr.Logger) *Controller {
	return &Controller{
		Orchestrator: o,
		MaxAttempts:  DefaultMaxAttempts,
		Interval:     DefaultInterval,
		Log:          log,
	}
}

// CreateAndStart creates the instance, extracts its id and starts it.
//
// On a malformed create reply the partial reply is returned alongside an
// error wrapping ErrUnexpectedResponse, and start is never attempted.
func (c *Controller) CreateAndStart(ctx context.Context, req CreateRequest) (string, any, error) {
	c.Log.Info("Creating instance", "name", req.Name, "image", req.Image)
	created, err := c.Orchestrator.Create(ctx, req)
	if err != nil {
		return "", created, fmt.Errorf("failed to create instance %s: %w", req.Name, err)
	}

	id, err := InstanceID(created)
	if err != nil {
		return "", created, fmt.Errorf("failed to create instance %s: %w", req.Name, err)
	}

	c.Log.Info("Starting instance", "id", id)
	started, err := c.Orchestrator.Start(ctx, id)
	if err != nil {
		return id, started, fmt.Errorf("failed to start instance %s: %w", id, err)
	}
	return id, started, nil
}

// Action runs a generic instance verb.
func (c *Controller) Action(ctx context.Context, action, id string, extra ...string) (any, error) {
	c.Log.V(1).Info("Instance action", "action", action, "id", id, "extra", extra)
	payload, err := c.Orchestrator.Action(ctx, action, id, extra...)
	if err != nil {
		return payload, fmt.Errorf("failed to %s instance %s: %w", action, id, err)
	}
	return payload, nil
}

// WaitForShutdown polls until the instance reports shut off or is gone.
func (c *Controller) WaitForShutdown(ctx context.Context, id string) (string, error) {
	return c.wait(ctx, WaitShutdown, id, func(payload any, err error) (string, bool) {
		if errors.Is(err, ErrInstanceNotFound) {
			return fmt.Sprintf("VM: %s is already removed", id), true
		}
		if err != nil {
			return "", false
		}
		if state, serr := InstanceState(payload); serr == nil && state == StateShutOff {
			return fmt.Sprintf("VM: %s was successfully shut down", id), true
		}
		return "", false
	})
}

// WaitForRemoved polls until the orchestrator no longer knows the instance.
func (c *Controller) WaitForRemoved(ctx context.Context, id string) (string, error) {
	return c.wait(ctx, WaitRemoved, id, func(_ any, err error) (string, bool) {
		if errors.Is(err, ErrInstanceNotFound) {
			return fmt.Sprintf("VM: %s was successfully removed", id), true
		}
		return "", false
	})
}

// wait issues show up to MaxAttempts times, sleeping Interval between polls
// but not after the last one.
func (c *Controller) wait(ctx context.Context, name, id string, done func(any, error) (string, bool)) (string, error) {
	attempts := c.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	sleep := c.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if c.OnPoll != nil {
			c.OnPoll(name)
		}

		payload, err := c.Orchestrator.Action(ctx, ActionShow, id)
		if msg, ok := done(payload, err); ok {
			c.Log.V(1).Info("Wait finished", "wait", name, "id", id, "attempt", attempt)
			return msg, nil
		}
		if err != nil && !errors.Is(err, ErrInstanceNotFound) {
			lastErr = err
			c.Log.V(1).Info("Show failed, retrying", "wait", name, "id", id, "attempt", attempt, "error", err.Error())
		}

		if attempt == attempts {
			break
		}
		if err := sleep(ctx, c.Interval); err != nil {
			return "", fmt.Errorf("wait for %s of %s interrupted: %w", name, id, err)
		}
	}

	if lastErr != nil {
		return "", fmt.Errorf("%w: %s of VM %s after %d attempts: %w", ErrWaitExhausted, name, id, attempts, lastErr)
	}
	return "", fmt.Errorf("%w: %s of VM %s after %d attempts", ErrWaitExhausted, name, id, attempts)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
