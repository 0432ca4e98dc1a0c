// Package hook dispatches lifecycle handlers for actions. Handlers are
// registered per (action type, trigger) and come in two kinds: native
// (compiled) and declarative (rule-bound). For a given trigger all native
// handlers run before any declarative handler, so compiled setup logic can
// populate state the rules depend on.
//
// Dispatch is idempotent per (action id, trigger): a processed marker is
// taken before handlers run, which is what makes duplicate delivery of the
// same token safe. Handler failures are logged and never abort the
// remaining handlers or the pipeline stage.
package hook

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/latticehq/lattice/pkg/action"
)

// Kind orders handlers within a trigger: native before declarative.
type Kind int

const (
	KindNative Kind = iota
	KindDeclarative
)

// Context carries one dispatch. Handlers must treat Action as read-only
// and return changes through Result.
type Context struct {
	Tenant  action.TenantID
	Trigger action.Trigger
	Action  *action.Action
}

// Result is a handler's requested effect on the pipeline. Zero value
// means "no opinion".
type Result struct {
	// StatusOverride requests a status for the action. When several
	// handlers set one, the last write wins.
	StatusOverride *action.Status
	// FollowUps are actions to create after dispatch completes.
	FollowUps []action.CreateAction
	// Reject discards the action (verifier drops it, creator fails the
	// request).
	Reject bool
	// Note is attached to audit logging.
	Note string
}

func (r *Result) merge(other Result) {
	if other.StatusOverride != nil {
		r.StatusOverride = other.StatusOverride
	}
	r.FollowUps = append(r.FollowUps, other.FollowUps...)
	if other.Reject {
		r.Reject = true
	}
	if other.Note != "" {
		r.Note = other.Note
	}
}

// Handler processes one dispatch.
type Handler interface {
	Name() string
	Handle(ctx context.Context, hc *Context) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc struct {
	HandlerName string
	Fn          func(ctx context.Context, hc *Context) (Result, error)
}

func (h HandlerFunc) Name() string { return h.HandlerName }

func (h HandlerFunc) Handle(ctx context.Context, hc *Context) (Result, error) {
	return h.Fn(ctx, hc)
}

type handlerKey struct {
	typ     string
	trigger action.Trigger
}

type registration struct {
	kind    Kind
	handler Handler
}

// Dispatcher is the (type, trigger) handler registry.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[handlerKey][]registration

	markers MarkerStore
	log     *slog.Logger
}

func NewDispatcher(markers MarkerStore, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		handlers: make(map[handlerKey][]registration),
		markers:  markers,
		log:      log,
	}
}

// Register binds h to (typ, trigger). Within a trigger, handlers of the
// same kind run in registration order; native handlers always run before
// declarative ones regardless of registration order.
func (d *Dispatcher) Register(typ string, trigger action.Trigger, kind Kind, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := handlerKey{typ: typ, trigger: trigger}
	regs := d.handlers[key]
	reg := registration{kind: kind, handler: h}
	if kind == KindNative {
		// Insert before the first declarative handler.
		i := 0
		for i < len(regs) && regs[i].kind == KindNative {
			i++
		}
		regs = append(regs[:i], append([]registration{reg}, regs[i:]...)...)
	} else {
		regs = append(regs, reg)
	}
	d.handlers[key] = regs
}

// Dispatch runs the handlers bound to the action's base type and trigger,
// in order. It returns the merged result, or a zero result when the
// (action id, trigger) pair was already processed.
func (d *Dispatcher) Dispatch(ctx context.Context, hc *Context) (Result, error) {
	first, err := d.markers.Mark(ctx, hc.Tenant, hc.Action.ID, hc.Trigger)
	if err != nil {
		return Result{}, fmt.Errorf("hook: marker check: %w", err)
	}
	if !first {
		d.log.Debug("hook dispatch skipped, already processed",
			"action_id", hc.Action.ID, "trigger", hc.Trigger)
		return Result{}, nil
	}

	d.mu.RLock()
	regs := d.handlers[handlerKey{typ: hc.Action.Type, trigger: hc.Trigger}]
	d.mu.RUnlock()

	var merged Result
	for _, reg := range regs {
		res, err := d.run(ctx, reg.handler, hc)
		if err != nil {
			// Side-effect failures never compromise durability of an
			// already validated action.
			d.log.Error("hook handler failed",
				"handler", reg.handler.Name(), "action_id", hc.Action.ID,
				"trigger", hc.Trigger, "error", err)
			continue
		}
		merged.merge(res)
	}
	return merged, nil
}

// run isolates one handler call, converting panics into errors.
func (d *Dispatcher) run(ctx context.Context, h Handler, hc *Context) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook: handler %s panicked: %v", h.Name(), r)
		}
	}()
	return h.Handle(ctx, hc)
}
