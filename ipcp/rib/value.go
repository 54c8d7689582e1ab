package rib

import (
	"fmt"
	"strings"
	"sync"
)

// NewValueObject returns an object holding a T that supports reading, creating (which replaces the value) and
// writing, both locally and remotely. Remote values are decoded with the daemon's encoder.
// caps are applied afterwards and may override any of these.
func NewValueObject[T any](class, name string, value T, caps ...Capability) *Object {
	base := []Capability{
		WithLocal(OpRead, func(o *Object, _ LocalRequest) (any, error) {
			return o.Value(), nil
		}),
		WithLocal(OpCreate, setLocal[T]),
		WithLocal(OpWrite, setLocal[T]),
		WithRemote(OpRead, func(o *Object, r *Remote) error {
			return r.Reply(0, "", o.Value())
		}),
		WithRemote(OpCreate, setRemote[T]),
		WithRemote(OpWrite, setRemote[T]),
	}
	return NewObject(class, name, value, append(base, caps...)...)
}

func setLocal[T any](o *Object, req LocalRequest) (any, error) {
	if req.Target.Name != "" && req.Target.Name != o.name {
		// delegated create of a child this object does not know how to make
		return nil, errNotAllowed(req.Op, o)
	}
	v, ok := req.Value.(T)
	if !ok {
		return nil, Errorf(CodeInvalidArguments, "%s holds a %T, not a %T", o.name, *new(T), req.Value)
	}
	o.SetValue(v)
	return nil, nil
}

func setRemote[T any](o *Object, r *Remote) error {
	if t := r.Target(); t.Name != "" && t.Name != o.name {
		return errNotAllowed(OpCreate, o)
	}
	var v T
	if err := r.Decode(&v); err != nil {
		return err
	}
	o.SetValue(v)
	return r.Reply(0, "", nil)
}

// NewSetObject returns an object whose children are value objects holding a T, named by key.
//
// Creating a child that does not exist (locally or remotely, by addressing the child's name) adds it; creating or
// writing the set itself with a []T (or a single T) adds or updates every element, and a write also removes
// children missing from the slice. Reading the set returns a []T of its children, ordered by name.
// Children support reading, updating and deletion.
func NewSetObject[T any](class, name, childClass string, key func(T) string, caps ...Capability) *Object {
	s := &set[T]{childClass: childClass, key: key}
	base := []Capability{
		WithLocal(OpRead, func(o *Object, _ LocalRequest) (any, error) {
			return s.elements(o), nil
		}),
		WithLocal(OpCreate, func(o *Object, req LocalRequest) (any, error) {
			return nil, s.create(o, req.Target, req.Value, false)
		}),
		WithLocal(OpWrite, func(o *Object, req LocalRequest) (any, error) {
			return nil, s.create(o, req.Target, req.Value, true)
		}),
		WithRemote(OpRead, func(o *Object, r *Remote) error {
			return r.Reply(0, "", s.elements(o))
		}),
		WithRemote(OpCreate, func(o *Object, r *Remote) error {
			v, err := s.decode(r)
			if err != nil {
				return err
			}
			if err := s.create(o, r.Target(), v, false); err != nil {
				return err
			}
			return r.Reply(0, "", nil)
		}),
		WithRemote(OpWrite, func(o *Object, r *Remote) error {
			v, err := s.decode(r)
			if err != nil {
				return err
			}
			if err := s.create(o, r.Target(), v, true); err != nil {
				return err
			}
			return r.Reply(0, "", nil)
		}),
	}
	return NewObject(class, name, nil, append(base, caps...)...)
}

// SetElements returns the values held by the children of a set object.
func SetElements[T any](o *Object) []T {
	var out []T
	for _, c := range o.Children() {
		if v, ok := c.Value().(T); ok {
			out = append(out, v)
		}
	}
	return out
}

type set[T any] struct {
	childClass string
	key        func(T) string
	mu         sync.Mutex // serializes put
}

func (s *set[T]) elements(o *Object) []T {
	return SetElements[T](o)
}

// decode accepts either a []T or a single T.
func (s *set[T]) decode(r *Remote) (any, error) {
	var many []T
	if err := r.Decode(&many); err == nil {
		return many, nil
	}
	var one T
	if err := r.Decode(&one); err != nil {
		return nil, err
	}
	return one, nil
}

// create adds or updates elements. If replace, children absent from a []T value are removed.
func (s *set[T]) create(o *Object, t Target, value any, replace bool) error {
	d := o.Daemon()
	if d == nil {
		return Errorf(CodeInternal, "%s is not part of a RIB", o.name)
	}
	if t.Name != "" && t.Name != o.name {
		// delegated create of a single child
		v, ok := value.(T)
		if !ok {
			return Errorf(CodeInvalidArguments, "%s holds %T elements, not %T", o.name, *new(T), value)
		}
		if !strings.HasPrefix(t.Name, o.name+"/") || strings.Contains(t.Name[len(o.name)+1:], "/") {
			return Errorf(CodeInvalidArguments, "%s is not a direct child of %s", t.Name, o.name)
		}
		return s.put(d, t.Name, v)
	}
	var elems []T
	switch v := value.(type) {
	case []T:
		elems = v
	case T:
		elems = []T{v}
	default:
		return Errorf(CodeInvalidArguments, "%s holds %T elements, not %T", o.name, *new(T), value)
	}
	keep := make(map[string]bool, len(elems))
	for _, e := range elems {
		name := ChildName(o.name, s.key(e))
		keep[name] = true
		if err := s.put(d, name, e); err != nil {
			return err
		}
	}
	if replace {
		for _, c := range o.Children() {
			if !keep[c.name] {
				if err := d.RemoveObject(c.name); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (s *set[T]) put(d *Daemon, name string, v T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, found := d.Object(name); found {
		c.SetValue(v)
		return nil
	}
	if err := d.AddObject(NewValueObject(s.childClass, name, v, Removable())); err != nil {
		return fmt.Errorf("failed to add %s: %w", name, err)
	}
	return nil
}
