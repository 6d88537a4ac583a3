package kernel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xkit-dev/xkit-runtime/internal/pluginmanager"
)

// CommandInvokedPayload is published before a command handler runs.
type CommandInvokedPayload struct {
	Command       string
	CorrelationID string
}

// CommandCompletedPayload is published after a command handler
// returns, whatever the outcome.
type CommandCompletedPayload struct {
	Command       string
	CorrelationID string
	Outcome       ResultKind
	Duration      time.Duration
}

// correlationLocks serializes dispatch per correlation id while
// leaving distinct correlation ids free to run concurrently, per spec
// section 4.5: "serialized per correlation id but concurrent across
// correlation ids; there is no global dispatch lock."
type correlationLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newCorrelationLocks() *correlationLocks {
	return &correlationLocks{locks: make(map[string]*sync.Mutex)}
}

func (c *correlationLocks) acquire(id string) func() {
	c.mu.Lock()
	l, ok := c.locks[id]
	if !ok {
		l = &sync.Mutex{}
		c.locks[id] = l
	}
	c.mu.Unlock()
	l.Lock()
	return func() {
		l.Unlock()
		c.mu.Lock()
		delete(c.locks, id)
		c.mu.Unlock()
	}
}

// dispatch is the Kernel's single entry point for the CLI
// collaborator, per spec section 4.5.
func (k *Kernel) dispatch(ctx context.Context, command string, args []string) Result {
	correlationID := uuid.NewString()
	release := k.locks.acquire(correlationID)
	defer release()

	binding, ok := k.Commands().GetCommands()[command]
	if !ok {
		return UnknownCommand(suggestCommands(command, commandNames(k.Commands().GetCommands()), 3))
	}

	start := k.clock.Now()
	_, _ = k.bus.Publish(ctx, "CommandInvoked", CommandInvokedPayload{Command: command, CorrelationID: correlationID}, correlationID)

	result := k.invoke(binding, correlationID, args)

	_, _ = k.bus.Publish(ctx, "CommandCompleted", CommandCompletedPayload{
		Command:       command,
		CorrelationID: correlationID,
		Outcome:       result.Kind,
		Duration:      k.clock.Now().Sub(start),
	}, correlationID)

	return result
}

// invoke calls the plugin handler, translating a panic into a
// SystemError so dispatch never propagates a panic across the
// command boundary.
func (k *Kernel) invoke(spec pluginmanager.CommandSpec, correlationID string, args []string) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = SystemError("command handler panicked", panicError{r})
		}
	}()

	payload, err := spec.Handler(&pluginmanager.CommandContext{CorrelationID: correlationID}, args)
	if err != nil {
		var userErr *pluginmanager.UserError
		if errors.As(err, &userErr) {
			return UserError(userErr.Message)
		}
		return SystemError(err.Error(), err)
	}
	return Ok(payload)
}

func commandNames(cmds map[string]pluginmanager.CommandSpec) []string {
	names := make([]string, 0, len(cmds))
	for name := range cmds {
		names = append(names, name)
	}
	return names
}

type panicError struct{ v any }

func (p panicError) Error() string {
	if err, ok := p.v.(error); ok {
		return err.Error()
	}
	return "panic"
}
