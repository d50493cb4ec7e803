package method

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/cyrus/internal/logger"
)

// Host keeps at most one method active. Switching deactivates the current
// method before the next one is activated, and a switch requested while an
// activation is still running cancels that activation first.
type Host struct {
	log logrus.FieldLogger

	// switchMu serializes Switch and Close end to end.
	switchMu sync.Mutex

	mu      sync.Mutex
	methods map[Kind]Method
	order   []Kind
	active  Method
	pending context.CancelFunc
}

func NewHost(log logrus.FieldLogger, methods ...Method) *Host {
	h := &Host{
		log:     logger.OrDiscard(log).WithField("component", "method"),
		methods: make(map[Kind]Method),
	}
	for _, m := range methods {
		h.Register(m)
	}
	return h
}

// Register adds m to the catalogue, replacing a method of the same kind.
func (h *Host) Register(m Method) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.methods[m.Kind()]; !exists {
		h.order = append(h.order, m.Kind())
	}
	h.methods[m.Kind()] = m
}

// Catalogue describes every registered method in registration order.
func (h *Host) Catalogue() []Presentation {
	h.mu.Lock()
	methods := make([]Method, 0, len(h.order))
	for _, k := range h.order {
		methods = append(methods, h.methods[k])
	}
	h.mu.Unlock()

	out := make([]Presentation, 0, len(methods))
	for _, m := range methods {
		out = append(out, m.Present())
	}
	return out
}

func (h *Host) Method(kind Kind) (Method, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.methods[kind]
	return m, ok
}

// Active returns the active method, or nil.
func (h *Host) Active() Method {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

// Switch makes kind the active method. Disabled and unknown kinds are
// refused without touching the current method.
func (h *Host) Switch(ctx context.Context, kind Kind) error {
	m, ok := h.Method(kind)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMethod, kind)
	}
	if m.Present().Disabled {
		return fmt.Errorf("%w: %s", ErrMethodDisabled, kind)
	}

	h.preempt()
	h.switchMu.Lock()
	defer h.switchMu.Unlock()

	actx, cancel := context.WithCancel(ctx)
	defer cancel()

	h.mu.Lock()
	prev := h.active
	h.active = nil
	h.pending = cancel
	h.mu.Unlock()

	if prev != nil {
		h.deactivate(ctx, prev)
	}

	log := h.log.WithField("method", kind)
	log.Debug("activating")
	if err := m.Activate(actx); err != nil {
		h.deactivate(ctx, m)
		h.clearPending()
		return fmt.Errorf("activate %s: %w", kind, err)
	}

	h.mu.Lock()
	h.active = m
	h.pending = nil
	h.mu.Unlock()
	return nil
}

// Deactivate deactivates the active method, if any.
func (h *Host) Deactivate(ctx context.Context) {
	h.preempt()
	h.switchMu.Lock()
	defer h.switchMu.Unlock()

	h.mu.Lock()
	prev := h.active
	h.active = nil
	h.mu.Unlock()

	if prev != nil {
		h.deactivate(ctx, prev)
	}
}

// Submit hands input to the active method.
func (h *Host) Submit(ctx context.Context, input string) error {
	active := h.Active()
	if active == nil {
		return ErrNotActive
	}
	s, ok := active.(Submitter)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoInput, active.Kind())
	}
	return s.Submit(ctx, input)
}

// preempt cancels an activation in flight so the caller does not wait
// behind it.
func (h *Host) preempt() {
	h.mu.Lock()
	cancel := h.pending
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (h *Host) clearPending() {
	h.mu.Lock()
	h.pending = nil
	h.mu.Unlock()
}

func (h *Host) deactivate(ctx context.Context, m Method) {
	if err := m.Deactivate(ctx); err != nil {
		h.log.WithError(err).WithField("method", m.Kind()).Warn("deactivate failed")
	}
}
