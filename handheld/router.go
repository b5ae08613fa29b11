package handheld

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Router resolves the active ReaderBackend and dispatches generic operations
// to it. It is the only place that knows which vendor adapter is in use.
type Router struct {
	backends map[BackendKind]ReaderBackend
	order    []BackendKind // registration order
	selected BackendKind
	mu       sync.RWMutex
	log      zerolog.Logger
}

// NewRouter creates a Router with the given backends. Nil backends and
// duplicate kinds are skipped.
//
// Example:
//
//	router := handheld.NewRouter(logger, csl.New(sdk, logger), chainway.New(r6, logger))
//	_ = router.Select(handheld.BackendCSL)
func NewRouter(logger zerolog.Logger, backends ...ReaderBackend) *Router {
	r := &Router{
		backends: make(map[BackendKind]ReaderBackend),
		log:      logger.With().Str("component", "router").Logger(),
	}
	for _, b := range backends {
		if err := r.Register(b); err != nil {
			r.log.Warn().Err(err).Msg("Skipping backend")
		}
	}
	return r
}

// Register adds a backend. Registering a second backend of the same kind fails.
func (r *Router) Register(b ReaderBackend) error {
	if b == nil {
		return fmt.Errorf("backend cannot be nil")
	}
	kind := b.Kind()
	if kind == BackendNone {
		return fmt.Errorf("backend reports no kind")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.backends[kind]; exists {
		return fmt.Errorf("backend %s already registered", kind)
	}
	r.backends[kind] = b
	r.order = append(r.order, kind)
	r.log.Debug().Stringer("backend", kind).Msg("Backend registered")
	return nil
}

// Select makes kind the active backend. BackendNone clears the selection.
func (r *Router) Select(kind BackendKind) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if kind != BackendNone {
		if _, ok := r.backends[kind]; !ok {
			return &HandheldError{Code: ErrCodeUnknownBackend, Op: OpSelectBackend, Message: "backend " + kind.String() + " not registered"}
		}
	}
	if r.selected != kind {
		r.log.Info().Stringer("from", r.selected).Stringer("to", kind).Msg("Backend selected")
	}
	r.selected = kind
	return nil
}

// Selected returns the selected backend kind.
func (r *Router) Selected() BackendKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.selected
}

// Backend returns the registered backend of the given kind.
func (r *Router) Backend(kind BackendKind) (ReaderBackend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[kind]
	return b, ok
}

// Active returns the selected backend or ErrNoBackendSelected.
func (r *Router) Active() (ReaderBackend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.selected == BackendNone {
		return nil, ErrNoBackendSelected
	}
	b, ok := r.backends[r.selected]
	if !ok {
		return nil, ErrUnknownBackend
	}
	return b, nil
}

// Supports reports whether the active backend can perform op. It returns
// ErrNoBackendSelected when nothing is selected, and an explicit unsupported
// error (logged) when the capability is missing.
func (r *Router) Supports(op Op) error {
	b, err := r.Active()
	if err != nil {
		return withOp(ErrNoBackendSelected, op)
	}
	if !b.Supports(op) {
		r.log.Warn().Stringer("backend", b.Kind()).Str("op", string(op)).Msg("Operation not supported, skipped")
		return NewUnsupportedError(op, b.Kind())
	}
	return nil
}

// Dispatch runs fn against the active backend. No backend call is made when
// no backend is selected. Unsupported operations are logged as explicit
// no-ops and their error is returned to the caller.
func (r *Router) Dispatch(op Op, fn func(ReaderBackend) error) error {
	b, err := r.Active()
	if err != nil {
		return withOp(ErrNoBackendSelected, op)
	}
	return r.DispatchTo(b, op, fn)
}

// DispatchTo runs fn against b whether or not b is still selected. Connect
// attempts use it to stay on the backend they started on.
func (r *Router) DispatchTo(b ReaderBackend, op Op, fn func(ReaderBackend) error) error {
	err := fn(b)
	switch {
	case err == nil:
		r.log.Debug().Stringer("backend", b.Kind()).Str("op", string(op)).Msg("Dispatched")
	case IsUnsupported(err):
		r.log.Warn().Stringer("backend", b.Kind()).Str("op", string(op)).Msg("Operation not supported, skipped")
	default:
		r.log.Error().Err(err).Stringer("backend", b.Kind()).Str("op", string(op)).Msg("Backend call failed")
	}
	return err
}

// Kinds returns the registered backend kinds in registration order.
func (r *Router) Kinds() []BackendKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]BackendKind, len(r.order))
	copy(kinds, r.order)
	return kinds
}
