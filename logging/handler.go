package logging

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// componentKey is the attribute key used for component names.
const componentKey = "component"

// Controller holds the spec consulted by every handler derived from one
// logger. Replacing the spec takes effect on the next log call.
type Controller struct {
	spec atomic.Pointer[Spec]
}

// NewController returns a controller holding spec.
func NewController(spec Spec) *Controller {
	c := &Controller{}
	c.Set(spec)
	return c
}

// Set replaces the active spec.
func (c *Controller) Set(spec Spec) {
	c.spec.Store(&spec)
}

// Spec returns the active spec.
func (c *Controller) Spec() Spec {
	return *c.spec.Load()
}

// filteringHandler is a slog.Handler that filters log records based on
// component-specific log levels defined in a Spec.
type filteringHandler struct {
	inner     slog.Handler
	ctl       *Controller
	component string
}

// NewFilteringHandler creates a new slog.Handler that filters based on
// component levels. The spec is fixed for the handler's lifetime.
func NewFilteringHandler(inner slog.Handler, spec *Spec) slog.Handler {
	return NewControlledHandler(inner, NewController(*spec))
}

// NewControlledHandler creates a filtering handler whose spec can be
// replaced through ctl.
func NewControlledHandler(inner slog.Handler, ctl *Controller) slog.Handler {
	return &filteringHandler{
		inner: inner,
		ctl:   ctl,
	}
}

// Enabled reports whether the handler handles records at the given level.
// It checks the level against the spec for the current component.
func (h *filteringHandler) Enabled(ctx context.Context, level slog.Level) bool {
	spec := h.ctl.spec.Load()
	return level >= spec.LevelFor(h.component).ToSlog()
}

// Handle delegates to the inner handler if the record should be logged.
func (h *filteringHandler) Handle(ctx context.Context, r slog.Record) error {
	if !h.Enabled(ctx, r.Level) {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

// WithAttrs returns a new Handler with the given attributes added.
// A "component" attribute sets the component used for filtering.
func (h *filteringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newHandler := &filteringHandler{
		inner:     h.inner.WithAttrs(attrs),
		ctl:       h.ctl,
		component: h.component,
	}

	for _, attr := range attrs {
		if attr.Key == componentKey {
			newHandler.component = attr.Value.String()
			break
		}
	}

	return newHandler
}

// WithGroup returns a new Handler with the given group appended to the receiver's groups.
func (h *filteringHandler) WithGroup(name string) slog.Handler {
	return &filteringHandler{
		inner:     h.inner.WithGroup(name),
		ctl:       h.ctl,
		component: h.component,
	}
}
