package tracker

import "log/slog"

type State int

const (
	Idle State = iota
	Starting
	Active
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Active:
		return "active"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Notifier is how the controller talks to whoever shows tracking status to
// the user. Abort means the session could not start and the caller should
// leave the tracking screen.
type Notifier interface {
	Status(State)
	Warn(error)
	Abort(error)
}

type nopNotifier struct{}

func (nopNotifier) Status(State) {}
func (nopNotifier) Warn(error)   {}
func (nopNotifier) Abort(error)  {}

// LogNotifier reports through slog, for headless agents.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Status(s State) { n.Logger.Info("tracking status", "state", s.String()) }
func (n LogNotifier) Warn(err error) { n.Logger.Warn("tracking warning", "error", err) }
func (n LogNotifier) Abort(err error) {
	n.Logger.Error("tracking could not start", "error", err)
}
