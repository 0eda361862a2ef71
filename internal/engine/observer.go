package engine

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/pterm/pterm"

	"github.com/seantiz/simforge/internal/model"
)

// Observer receives progress events. Observe may be called from several
// goroutines at once and should return quickly.
type Observer interface {
	Observe(ev model.ProgressEvent)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(model.ProgressEvent)

// Observe calls f(ev).
func (f ObserverFunc) Observe(ev model.ProgressEvent) { f(ev) }

// ResolveObserver turns the accepted observer forms into an Observer:
// an Observer, a func(model.ProgressEvent), a channel of events (sends block,
// so the caller must keep draining it), nil, or one of the shorthands "log",
// "bar" and "none".
func ResolveObserver(v any, logger *slog.Logger) (Observer, error) {
	switch o := v.(type) {
	case nil:
		return nopObserver{}, nil
	case Observer:
		return o, nil
	case func(model.ProgressEvent):
		return ObserverFunc(o), nil
	case chan model.ProgressEvent:
		return chanObserver(o), nil
	case chan<- model.ProgressEvent:
		return chanObserver(o), nil
	case string:
		switch strings.ToLower(strings.TrimSpace(o)) {
		case "log":
			if logger == nil {
				logger = slog.Default()
			}
			return &LogObserver{logger: logger}, nil
		case "bar":
			return &BarObserver{}, nil
		case "none", "":
			return nopObserver{}, nil
		}
		return nil, errors.Newf("unknown observer shorthand %q", o)
	}
	return nil, errors.Newf("unsupported observer type %T", v)
}

// Multi fans events out to several observers in order.
func Multi(observers ...Observer) Observer {
	return multiObserver(observers)
}

type multiObserver []Observer

func (m multiObserver) Observe(ev model.ProgressEvent) {
	for _, o := range m {
		o.Observe(ev)
	}
}

type nopObserver struct{}

func (nopObserver) Observe(model.ProgressEvent) {}

type chanObserver chan<- model.ProgressEvent

func (c chanObserver) Observe(ev model.ProgressEvent) { c <- ev }

// LogObserver writes terminal events at info level and progress at debug.
type LogObserver struct {
	logger *slog.Logger
}

// NewLogObserver creates a LogObserver.
func NewLogObserver(logger *slog.Logger) *LogObserver {
	return &LogObserver{logger: logger}
}

func (o *LogObserver) Observe(ev model.ProgressEvent) {
	attrs := []any{
		"label", ev.Label,
		"job_index", ev.JobIndex,
		"phase", ev.Phase,
	}
	if ev.Percent != nil {
		attrs = append(attrs, "percent", *ev.Percent)
	}
	if ev.Message != "" {
		attrs = append(attrs, "message", ev.Message)
	}
	if !ev.Phase.Terminal() {
		o.logger.Debug("job progress", attrs...)
		return
	}
	attrs = append(attrs, "completed", ev.Completed, "total", ev.Total)
	if ev.Phase == model.PhaseComplete {
		o.logger.Info("job finished", attrs...)
	} else {
		o.logger.Warn("job finished", attrs...)
	}
}

// BarObserver renders a terminal progress bar that advances once per
// finished job.
type BarObserver struct {
	mu  sync.Mutex
	bar *pterm.ProgressbarPrinter
}

func (o *BarObserver) Observe(ev model.ProgressEvent) {
	if !ev.Phase.Terminal() {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.bar == nil {
		bar, err := pterm.DefaultProgressbar.WithTotal(ev.Total).WithTitle("simulations").Start()
		if err != nil {
			return
		}
		o.bar = bar
	}
	o.bar.UpdateTitle(ev.Label + " " + string(ev.Phase))
	o.bar.Increment()
	if ev.Completed >= ev.Total {
		o.bar.Stop()
		o.bar = nil
	}
}
