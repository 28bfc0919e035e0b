package asynccmd

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// State is a step of a supervised command session.
type State int

const (
	Idle State = iota
	Invoking
	Listening
	Completed
	TimedOut
	Cancelled
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Invoking:
		return "invoking"
	case Listening:
		return "listening"
	case Completed:
		return "completed"
	case TimedOut:
		return "timed_out"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// IsFinal reports whether no further transitions follow s.
func (s State) IsFinal() bool {
	return s >= Completed
}

// Handler observes a session. All calls are made from the goroutine running Supervisor.Run.
type Handler interface {
	HandleUpdate(update CorrelatedUpdate)
	HandleWarning(err error)
	OnStateChange(from, to State)
}

// HandlerFuncs implements Handler with optional callbacks.
type HandlerFuncs struct {
	Update      func(CorrelatedUpdate)
	Warning     func(error)
	StateChange func(from, to State)
}

func (h HandlerFuncs) HandleUpdate(u CorrelatedUpdate) {
	if h.Update != nil {
		h.Update(u)
	}
}

func (h HandlerFuncs) HandleWarning(err error) {
	if h.Warning != nil {
		h.Warning(err)
	}
}

func (h HandlerFuncs) OnStateChange(from, to State) {
	if h.StateChange != nil {
		h.StateChange(from, to)
	}
}

// SupervisorConfig describes one command session.
type SupervisorConfig struct {
	Request CommandRequest
	// Filter correlates status records; the zero value uses the default attribute and "100%" detection
	Filter Filter
	// Deadline bounds the wait for a terminal update once the command was accepted; zero waits indefinitely
	Deadline time.Duration
	// Lookback moves the start position back from the moment before invocation, to absorb clock skew
	Lookback time.Duration
	Group    GroupConfig

	Logger  *slog.Logger
	Metrics *Metrics
}

// Result is the outcome of a session.
type Result struct {
	State     State
	RequestID string
	Response  CommandResponse
	// Terminal is the update that completed the session, if any
	Terminal *CorrelatedUpdate
}

// Supervisor invokes a command and follows its status updates until completion.
type Supervisor struct {
	invoker Invoker
	stream  Stream
	handler Handler
	cfg     SupervisorConfig
	log     *slog.Logger

	mu    sync.Mutex
	state State
}

// NewSupervisor creates a supervisor in the Idle state. A nil handler discards all notifications.
func NewSupervisor(invoker Invoker, stream Stream, handler Handler, cfg SupervisorConfig) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Group.Reader.Logger == nil {
		cfg.Group.Reader.Logger = cfg.Logger
	}
	if cfg.Group.Reader.Metrics == nil {
		cfg.Group.Reader.Metrics = cfg.Metrics
	}
	if handler == nil {
		handler = HandlerFuncs{}
	}
	return &Supervisor{
		invoker: invoker,
		stream:  stream,
		handler: handler,
		cfg:     cfg,
		log:     cfg.Logger.With("device_id", cfg.Request.DeviceID, "command", cfg.Request.CommandName),
	}
}

// State returns the current session state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	s.notify(from, to)
}

func (s *Supervisor) notify(from, to State) {
	s.log.Info("session state changed", "from", from.String(), "to", to.String())
	s.handler.OnStateChange(from, to)
	if to.IsFinal() {
		s.cfg.Metrics.incSession(to)
	}
}

// Run executes the session and returns its outcome. A supervisor runs at most once.
//
// The returned error is non-nil only for Failed sessions, where it is an *InvocationError
// or a *DiscoveryError. Cancellation through ctx and an expired Deadline are reported
// through Result.State.
func (s *Supervisor) Run(ctx context.Context) (Result, error) {
	s.mu.Lock()
	if s.state != Idle {
		current := s.state
		s.mu.Unlock()
		return Result{State: current}, ErrAlreadyStarted
	}
	s.state = Invoking
	s.mu.Unlock()
	s.notify(Idle, Invoking)

	start := AtTime(time.Now().Add(-s.cfg.Lookback))

	resp, err := s.invoker.InvokeCommand(ctx, s.cfg.Request)
	if err != nil {
		if ctx.Err() != nil {
			s.setState(Cancelled)
			return Result{State: Cancelled}, nil
		}
		s.log.Error("command invocation failed", "error", err)
		s.setState(Failed)
		return Result{State: Failed}, &InvocationError{DeviceID: s.cfg.Request.DeviceID, CommandName: s.cfg.Request.CommandName, Err: err}
	}

	res := Result{RequestID: resp.RequestID, Response: resp}
	s.log.Info("command accepted", "request_id", resp.RequestID, "status", resp.Status)

	group := NewConsumerGroup(s.cfg.Group)
	if err := group.StartMatching(ctx, s.stream, s.cfg.Filter.ForRequest(resp.RequestID), start); err != nil {
		if ctx.Err() != nil {
			return s.finish(group, Cancelled, res), nil
		}
		s.log.Error("consumer group failed to start", "request_id", resp.RequestID, "error", err)
		s.setState(Failed)
		res.State = Failed
		return res, err
	}
	s.setState(Listening)

	var deadline <-chan time.Time
	if s.cfg.Deadline > 0 {
		timer := time.NewTimer(s.cfg.Deadline)
		defer timer.Stop()
		deadline = timer.C
	}

	updates, warnings := group.Updates(), group.Warnings()
	for {
		select {
		case <-ctx.Done():
			return s.finish(group, Cancelled, res), nil
		case <-deadline:
			return s.finish(group, TimedOut, res), nil
		case w, ok := <-warnings:
			if !ok {
				warnings = nil
				continue
			}
			s.handler.HandleWarning(w)
		case u, ok := <-updates:
			if !ok {
				updates = nil
				s.log.Warn("all partition readers stopped before a terminal update", "request_id", resp.RequestID)
				continue
			}
			s.handler.HandleUpdate(u)
			if u.IsTerminal {
				res.Terminal = &u
				return s.finish(group, Completed, res), nil
			}
		}
	}
}

// finish stops the group before reporting the final state.
func (s *Supervisor) finish(group *ConsumerGroup, final State, res Result) Result {
	if err := group.Stop(); err != nil {
		s.log.Warn("consumer group did not stop cleanly", "error", err)
		s.handler.HandleWarning(err)
	}
	s.setState(final)
	res.State = final
	return res
}
