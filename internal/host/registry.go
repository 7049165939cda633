package host

import (
	"errors"
	"slices"
	"sync"

	"github.com/keithlinneman/linnemanlabs-addons/internal/xerrors"
)

var (
	ErrUnknownPoint  = errors.New("extension point is not defined")
	ErrNotRegistered = errors.New("extension point is not registered")
	ErrDefined       = errors.New("extension point is already defined")
)

// Registry is an in-process stand-in for the host UI toolkit: extension
// points are first defined, then registered to become visible.
type Registry struct {
	mu         sync.RWMutex
	defined    map[Handle]Descriptor
	registered map[Handle]Descriptor
	mode       Mode

	// OnChange is called outside the lock after every registration change.
	OnChange func(registered int)
}

func NewRegistry(mode Mode) *Registry {
	return &Registry{
		defined:    map[Handle]Descriptor{},
		registered: map[Handle]Descriptor{},
		mode:       mode,
	}
}

// Define adds or replaces the definition of d.ID and returns its handle.
func (r *Registry) Define(d Descriptor) (Handle, error) {
	if err := d.Validate(); err != nil {
		return "", err
	}
	h := Handle(d.ID)
	r.mu.Lock()
	r.defined[h] = d
	r.mu.Unlock()
	return h, nil
}

// DefineNew adds d only if d.ID is not defined yet. The check and the
// insert happen under one lock; an existing definition yields ErrDefined.
func (r *Registry) DefineNew(d Descriptor) (Handle, error) {
	if err := d.Validate(); err != nil {
		return "", err
	}
	h := Handle(d.ID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defined[h]; ok {
		return "", xerrors.Wrapf(ErrDefined, "define %s", h)
	}
	r.defined[h] = d
	return h, nil
}

// Points returns every defined handle, sorted.
func (r *Registry) Points() []Handle {
	r.mu.RLock()
	out := make([]Handle, 0, len(r.defined))
	for h := range r.defined {
		out = append(out, h)
	}
	r.mu.RUnlock()
	slices.Sort(out)
	return out
}

// Descriptor returns the current definition of h.
func (r *Registry) Descriptor(h Handle) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defined[h]
	return d, ok
}

// Register makes h visible using d, which replaces the stored definition.
// Registering an already registered point re-applies its placement.
func (r *Registry) Register(h Handle, d Descriptor) error {
	if string(h) != d.ID {
		return xerrors.Newf("descriptor %s does not match handle %s", d.ID, h)
	}
	if err := d.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	if _, ok := r.defined[h]; !ok {
		r.mu.Unlock()
		return xerrors.Wrapf(ErrUnknownPoint, "register %s", h)
	}
	r.defined[h] = d
	r.registered[h] = d
	n := len(r.registered)
	r.mu.Unlock()
	r.changed(n)
	return nil
}

// Unregister hides h. Returns ErrNotRegistered if it was not visible.
func (r *Registry) Unregister(h Handle) error {
	r.mu.Lock()
	if _, ok := r.registered[h]; !ok {
		r.mu.Unlock()
		return xerrors.Wrapf(ErrNotRegistered, "unregister %s", h)
	}
	delete(r.registered, h)
	n := len(r.registered)
	r.mu.Unlock()
	r.changed(n)
	return nil
}

// Forget drops the definition of h, unregistering it first if needed.
func (r *Registry) Forget(h Handle) {
	r.mu.Lock()
	_, wasRegistered := r.registered[h]
	delete(r.registered, h)
	delete(r.defined, h)
	n := len(r.registered)
	r.mu.Unlock()
	if wasRegistered {
		r.changed(n)
	}
}

// IsRegistered reports whether h is visible.
func (r *Registry) IsRegistered(h Handle) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.registered[h]
	return ok
}

// Registered returns visible descriptors ordered by category, order, id.
func (r *Registry) Registered() []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.registered))
	for _, d := range r.registered {
		out = append(out, d)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b Descriptor) int {
		switch {
		case a.Category != b.Category:
			if a.Category < b.Category {
				return -1
			}
			return 1
		case a.Order != b.Order:
			return a.Order - b.Order
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// Placement returns the current placement mode.
func (r *Registry) Placement() Mode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mode
}

// SetPlacement changes the mode used for future placements. Existing
// registrations are not moved; callers re-place them.
func (r *Registry) SetPlacement(m Mode) {
	r.mu.Lock()
	r.mode = m
	r.mu.Unlock()
}

func (r *Registry) changed(n int) {
	if r.OnChange != nil {
		r.OnChange(n)
	}
}
