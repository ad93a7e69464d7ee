// Package lifecycle guarantees that sandbox cleanup actions run even when
// the process is killed mid-run. Actions registered here are executed on
// normal shutdown, SIGINT, and SIGTERM — each at most once per process
// lifetime. Cleanup failures are logged and ignored, never escalated:
// best-effort removal is the documented contract, because cleanup racing
// against host shutdown cannot be guaranteed anyway.
package lifecycle

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Conventional exit codes for signal-driven shutdown (128 + signum).
const (
	exitCodeInterrupt  = 130 // SIGINT
	exitCodeTerminated = 143 // SIGTERM
)

// ProcessTarget abstracts the process whose exit and signals trigger
// cleanup. The real process is [Host]; tests inject their own target.
// Targets are tracked by identity, not value — two distinct targets with
// identical state are independent installation targets.
type ProcessTarget interface {
	// Notify relays the given signals to ch, like signal.Notify.
	Notify(ch chan<- os.Signal, sigs ...os.Signal)
	// Stop unsubscribes ch and restores the default disposition of the
	// signals it was subscribed to, like signal.Stop + signal.Reset.
	Stop(ch chan<- os.Signal)
	// Raise re-delivers sig to the target so default OS semantics apply
	// (shell job control reports a signal death, not a plain exit).
	Raise(sig os.Signal) error
	// Exit terminates the target immediately with the given code.
	Exit(code int)
}

// Action is a handle to one registered cleanup function. It transitions
// registered → run, or registered → unregistered; both are terminal.
type Action struct {
	fn      func()
	done    bool
	removed bool
}

// Registry holds pending cleanup actions for one process lifetime.
// A single pass runs actions in registration order, each inside its own
// failure boundary; re-entrant triggers during a pass are ignored rather
// than queued. Zero cross-process guarantees.
//
// Signals arrive on their own goroutine in Go, so the in-progress guard
// and the action set are protected by a mutex.
type Registry struct {
	logger *slog.Logger

	mu          sync.Mutex
	actions     []*Action
	handled     map[ProcessTarget]struct{}
	channels    map[ProcessTarget]chan os.Signal
	exitCode    int
	hasExitCode bool
	running     bool
}

// NewRegistry creates an empty registry. Tests create their own instance;
// the normal path shares [Default].
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger,
		handled:  make(map[ProcessTarget]struct{}),
		channels: make(map[ProcessTarget]chan os.Signal),
	}
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the process-wide registry. Cleanup must survive
// regardless of which call site built the invocation, so the normal path
// funnels through this single instance.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry(slog.Default())
	})
	return defaultRegistry
}

// Register adds a cleanup function and returns its handle.
// Registration order is execution order within a pass.
func (r *Registry) Register(fn func()) *Action {
	a := &Action{fn: fn}
	r.mu.Lock()
	r.actions = append(r.actions, a)
	r.mu.Unlock()
	return a
}

// Unregister removes the action without running it. Safe to call for an
// action that already ran or was already unregistered.
func (r *Registry) Unregister(a *Action) {
	if a == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	a.removed = true
	for i, cur := range r.actions {
		if cur == a {
			r.actions = append(r.actions[:i], r.actions[i+1:]...)
			break
		}
	}
}

// Pending reports how many actions would run on the next trigger.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.actions {
		if !a.done && !a.removed {
			n++
		}
	}
	return n
}

// SetExitCode records the exit code for signal-driven shutdown. The
// first recorded code wins; signal handlers only fill it in when unset.
func (r *Registry) SetExitCode(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hasExitCode {
		r.exitCode = code
		r.hasExitCode = true
	}
}

// ExitCode returns the recorded exit code, if any.
func (r *Registry) ExitCode() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exitCode, r.hasExitCode
}

// RunAll runs every pending action once, in registration order. This is
// the normal-exit trigger; callers invoke it before returning from main.
// A pass already in progress makes this a no-op.
func (r *Registry) RunAll() {
	r.runPending()
}

// runPending executes the pending action set once. Returns false when a
// pass was already in progress and nothing was run.
func (r *Registry) runPending() bool {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return false
	}
	r.running = true
	var pending []*Action
	for _, a := range r.actions {
		if !a.done && !a.removed {
			a.done = true
			pending = append(pending, a)
		}
	}
	r.actions = nil
	r.mu.Unlock()

	for _, a := range pending {
		r.runOne(a)
	}

	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
	return true
}

// runOne invokes a single action inside its own failure boundary. A
// panic from one action must not prevent the remaining actions from
// running.
func (r *Registry) runOne(a *Action) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn("cleanup action panicked",
				slog.String("panic", fmt.Sprint(rec)),
			)
		}
	}()
	a.fn()
}

// EnsureHandlers installs the SIGINT and SIGTERM triggers on the target.
// Idempotent per distinct target: installing twice on the same target is
// a no-op.
func (r *Registry) EnsureHandlers(t ProcessTarget) {
	r.mu.Lock()
	if _, ok := r.handled[t]; ok {
		r.mu.Unlock()
		return
	}
	r.handled[t] = struct{}{}
	ch := make(chan os.Signal, 1)
	r.channels[t] = ch
	r.mu.Unlock()

	t.Notify(ch, unix.SIGINT, unix.SIGTERM)
	go func() {
		for sig := range ch {
			r.handleSignal(t, sig)
		}
	}()
}

// handleSignal is the interrupt/termination trigger: run all pending
// cleanup actions, record the conventional signal exit code if none is
// set, drop the signal's own listener so re-delivery cannot recurse,
// then re-raise the signal so default OS semantics apply. A direct exit
// is the fallback only when re-raising fails.
func (r *Registry) handleSignal(t ProcessTarget, sig os.Signal) {
	if !r.runPending() {
		// A cleanup pass is already in flight; nested triggers are
		// ignored, not queued.
		return
	}

	r.SetExitCode(signalExitCode(sig))
	code, _ := r.ExitCode()

	r.mu.Lock()
	ch := r.channels[t]
	delete(r.channels, t)
	r.mu.Unlock()
	if ch != nil {
		t.Stop(ch)
	}

	if err := t.Raise(sig); err != nil {
		r.logger.Warn("re-raising signal failed, exiting directly",
			slog.String("signal", sig.String()),
			slog.Int("code", code),
			slog.String("error", err.Error()),
		)
		t.Exit(code)
	}
}

// signalExitCode maps a shutdown signal to its conventional exit code.
func signalExitCode(sig os.Signal) int {
	if sig == unix.SIGTERM {
		return exitCodeTerminated
	}
	return exitCodeInterrupt
}
