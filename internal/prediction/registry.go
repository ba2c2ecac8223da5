package prediction

import (
	"fmt"
	"reflect"

	"github.com/yohamta/donburi"

	"driftpursuit/prediction/internal/history"
	"driftpursuit/prediction/internal/tick"
)

// Handler is the per-kind capability table the detector and replayer dispatch
// through, so one pass over the registry covers every predicted component.
type Handler interface {
	Kind() string
	// ApplyConfirmed writes an authoritative value onto a confirmed entity.
	ApplyConfirmed(confirmed *donburi.Entry, value any) error
	// Compare reports whether value disagrees with the prediction recorded at t.
	// found is false when no prediction exists for t.
	Compare(predicted *donburi.Entry, t tick.Tick, value any) (mismatch, found bool, err error)
	// Predicted returns the prediction recorded at t for diagnostics.
	Predicted(predicted *donburi.Entry, t tick.Tick) (any, bool)
	// Restore copies the confirmed component onto the predicted entity and
	// rewrites the history from t.
	Restore(predicted, confirmed *donburi.Entry, t tick.Tick) error
	// Snapshot records the predicted component at t.
	Snapshot(predicted *donburi.Entry, t tick.Tick) error
	// Attach adds an empty history to a predicted entity.
	Attach(predicted *donburi.Entry)
	// ClearHistory forgets the predicted entity's history.
	ClearHistory(predicted *donburi.Entry)
}

// Registry maps component kinds to their handlers.
type Registry struct {
	depth    int
	handlers map[string]Handler
	order    []Handler
}

// NewRegistry creates a registry whose histories keep depth ticks.
func NewRegistry(depth int) *Registry {
	return &Registry{depth: depth, handlers: make(map[string]Handler)}
}

// Register adds the predicted component ct under kind. equal defines
// structural equality; nil falls back to reflect.DeepEqual.
func Register[C any](r *Registry, kind string, ct *donburi.ComponentType[C], equal func(a, b C) bool) error {
	if r == nil {
		return fmt.Errorf("register %q: nil registry", kind)
	}
	if kind == "" || ct == nil {
		return fmt.Errorf("register %q: kind and component type are required", kind)
	}
	if _, exists := r.handlers[kind]; exists {
		return fmt.Errorf("register %q: kind already registered", kind)
	}
	if equal == nil {
		equal = func(a, b C) bool { return reflect.DeepEqual(a, b) }
	}
	h := &componentHandler[C]{
		kind:    kind,
		ct:      ct,
		history: donburi.NewComponentType[history.History[C]](),
		equal:   equal,
		depth:   r.depth,
	}
	r.handlers[kind] = h
	r.order = append(r.order, h)
	return nil
}

// Handler looks up the handler for kind.
func (r *Registry) Handler(kind string) (Handler, bool) {
	h, ok := r.handlers[kind]
	return h, ok
}

// Handlers returns the handlers in registration order.
func (r *Registry) Handlers() []Handler { return r.order }

// Attach gives a newly predicted entity an empty history for every kind.
func (r *Registry) Attach(predicted *donburi.Entry) {
	for _, h := range r.order {
		h.Attach(predicted)
	}
}

// Record snapshots every predicted component of every mapped entity at t.
// Forward simulation and replay both record through here.
func (r *Registry) Record(world donburi.World, mapper EntityMapper, t tick.Tick) error {
	var firstErr error
	for _, pair := range mapper.Pairs() {
		if !world.Valid(pair.Predicted) {
			continue
		}
		entry := world.Entry(pair.Predicted)
		for _, h := range r.order {
			if err := h.Snapshot(entry, t); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("record %s at tick %d: %w", h.Kind(), t, err)
			}
		}
	}
	return firstErr
}

// ClearHistories drops every recorded prediction, used after a hard resync.
func (r *Registry) ClearHistories(world donburi.World, mapper EntityMapper) {
	for _, pair := range mapper.Pairs() {
		if !world.Valid(pair.Predicted) {
			continue
		}
		entry := world.Entry(pair.Predicted)
		for _, h := range r.order {
			h.ClearHistory(entry)
		}
	}
}

type componentHandler[C any] struct {
	kind    string
	ct      *donburi.ComponentType[C]
	history *donburi.ComponentType[history.History[C]]
	equal   func(a, b C) bool
	depth   int
}

func (h *componentHandler[C]) Kind() string { return h.kind }

func (h *componentHandler[C]) cast(value any) (C, error) {
	typed, ok := value.(C)
	if !ok {
		var zero C
		return zero, fmt.Errorf("%s: expected %T, got %T", h.kind, zero, value)
	}
	return typed, nil
}

func (h *componentHandler[C]) ApplyConfirmed(confirmed *donburi.Entry, value any) error {
	typed, err := h.cast(value)
	if err != nil {
		return err
	}
	if confirmed.HasComponent(h.ct) {
		h.ct.Set(confirmed, &typed)
		return nil
	}
	donburi.Add(confirmed, h.ct, &typed)
	return nil
}

func (h *componentHandler[C]) historyOf(entry *donburi.Entry) *history.History[C] {
	if !entry.HasComponent(h.history) {
		return nil
	}
	return h.history.Get(entry)
}

func (h *componentHandler[C]) Compare(predicted *donburi.Entry, t tick.Tick, value any) (bool, bool, error) {
	typed, err := h.cast(value)
	if err != nil {
		return false, false, err
	}
	hist := h.historyOf(predicted)
	if hist == nil {
		return false, false, nil
	}
	state, ok := hist.Get(t)
	if !ok {
		return false, false, nil
	}
	if !state.Present() {
		//1.- We predicted the component gone but the server still has it.
		return true, true, nil
	}
	return !h.equal(state.Value, typed), true, nil
}

func (h *componentHandler[C]) Predicted(predicted *donburi.Entry, t tick.Tick) (any, bool) {
	hist := h.historyOf(predicted)
	if hist == nil {
		return nil, false
	}
	return hist.Value(t)
}

func (h *componentHandler[C]) Restore(predicted, confirmed *donburi.Entry, t tick.Tick) error {
	hist := h.historyOf(predicted)
	if hist == nil {
		h.Attach(predicted)
		hist = h.historyOf(predicted)
	}
	hist.TruncateAfter(t)

	if confirmed == nil || !confirmed.HasComponent(h.ct) {
		//1.- The server has no such component: drop ours and remember the removal.
		if predicted.HasComponent(h.ct) {
			donburi.Remove[C](predicted, h.ct)
		}
		if _, ok := hist.Newest(); !ok {
			return nil
		}
		return hist.Push(t, history.State[C]{Kind: history.Removed})
	}

	//2.- Copy the authoritative value and make it the prediction for t.
	value := *h.ct.Get(confirmed)
	if predicted.HasComponent(h.ct) {
		h.ct.Set(predicted, &value)
	} else {
		donburi.Add(predicted, h.ct, &value)
	}
	return hist.Push(t, history.State[C]{Kind: history.Updated, Value: value})
}

func (h *componentHandler[C]) Snapshot(predicted *donburi.Entry, t tick.Tick) error {
	hist := h.historyOf(predicted)
	if hist == nil {
		return nil
	}
	_, last, hasLast := hist.Latest()
	if !predicted.HasComponent(h.ct) {
		if hasLast && last.Present() {
			return hist.Push(t, history.State[C]{Kind: history.Removed})
		}
		return nil
	}
	kind := history.Updated
	if !hasLast || !last.Present() {
		kind = history.Added
	}
	return hist.Push(t, history.State[C]{Kind: kind, Value: *h.ct.Get(predicted)})
}

func (h *componentHandler[C]) Attach(predicted *donburi.Entry) {
	if predicted.HasComponent(h.history) {
		return
	}
	donburi.Add(predicted, h.history, history.New[C](h.depth))
}

func (h *componentHandler[C]) ClearHistory(predicted *donburi.Entry) {
	if hist := h.historyOf(predicted); hist != nil {
		hist.Clear()
	}
}
