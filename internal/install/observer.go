package install

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// EventKind is one of the install lifecycle phases observers can see.
type EventKind string

const (
	EventBeforeInstall EventKind = "before_install"
	EventAfterInstall  EventKind = "after_install"
	EventInstallError  EventKind = "install_error"
)

// Event describes one lifecycle transition of one plugin in a batch.
type Event struct {
	Kind       EventKind
	JobID      string
	Descriptor Descriptor
	Path       string // set on EventAfterInstall
	Err        error  // set on EventInstallError
	Time       time.Time
}

// Observer is notified of lifecycle events. Observers are advisory: their
// errors and panics are logged and never change an install outcome.
type Observer interface {
	Notify(ctx context.Context, ev Event) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev Event) error

func (f ObserverFunc) Notify(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Hooks maps the three lifecycle phases to optional callbacks.
type Hooks struct {
	OnBeforeInstall func(ctx context.Context, d Descriptor) error
	OnAfterInstall  func(ctx context.Context, d Descriptor) error
	OnError         func(ctx context.Context, d Descriptor, err error) error
}

func (h Hooks) Notify(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case EventBeforeInstall:
		if h.OnBeforeInstall != nil {
			return h.OnBeforeInstall(ctx, ev.Descriptor)
		}
	case EventAfterInstall:
		if h.OnAfterInstall != nil {
			return h.OnAfterInstall(ctx, ev.Descriptor)
		}
	case EventInstallError:
		if h.OnError != nil {
			return h.OnError(ctx, ev.Descriptor, ev.Err)
		}
	}
	return nil
}

// Observers fans an event out to every observer, each isolated from the
// others' failures.
type Observers []Observer

func (obs Observers) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, o := range obs {
		if o == nil {
			continue
		}
		if err := safeNotify(ctx, o, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// safeNotify calls o and turns a panic into an error.
func safeNotify(ctx context.Context, o Observer, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("observer panicked on %s: %v", ev.Kind, r)
		}
	}()
	return o.Notify(ctx, ev)
}

// LogObserver writes each event to a structured logger.
type LogObserver struct {
	Logger *slog.Logger
}

func (l LogObserver) Notify(ctx context.Context, ev Event) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"job", ev.JobID, "plugin", ev.Descriptor.Name, "version", ev.Descriptor.Version}

	switch ev.Kind {
	case EventBeforeInstall:
		logger.InfoContext(ctx, "Installing plugin", attrs...)
	case EventAfterInstall:
		logger.InfoContext(ctx, "Successfully installed plugin", append(attrs, "path", ev.Path)...)
	case EventInstallError:
		logger.ErrorContext(ctx, "Failed to install plugin", append(attrs, "class", Classify(ev.Err), "error", ev.Err)...)
	}
	return nil
}

// Publisher sends a payload to a message subject. *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// PublishObserver emits each event as JSON on a message subject, suffixed
// with the event kind: "<subject>.before_install".
type PublishObserver struct {
	Publisher Publisher
	Subject   string
}

// EventMessage is the wire form of an Event.
type EventMessage struct {
	Kind    EventKind `json:"kind"`
	JobID   string    `json:"job_id"`
	Name    string    `json:"name"`
	Version string    `json:"version"`
	Path    string    `json:"path,omitempty"`
	Error   string    `json:"error,omitempty"`
	Class   string    `json:"class,omitempty"`
	Time    time.Time `json:"time"`
}

func (p PublishObserver) Notify(_ context.Context, ev Event) error {
	msg := EventMessage{
		Kind:    ev.Kind,
		JobID:   ev.JobID,
		Name:    ev.Descriptor.Name,
		Version: ev.Descriptor.Version,
		Path:    ev.Path,
		Time:    ev.Time,
	}
	if ev.Err != nil {
		msg.Error = ev.Err.Error()
		msg.Class = Classify(ev.Err)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	if err := p.Publisher.Publish(p.Subject+"."+string(ev.Kind), data); err != nil {
		return fmt.Errorf("publishing event: %w", err)
	}
	return nil
}
