package rib

import (
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/google/btree"
	"github.com/rflandau/rina/ipcp/cdap"
)

// Operation is one of the six object operations (plus CANCELREAD) a RIB object may support.
type Operation uint8

const (
	OpCreate Operation = iota
	OpDelete
	OpRead
	OpCancelRead
	OpWrite
	OpStart
	OpStop
)

func (op Operation) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpDelete:
		return "delete"
	case OpRead:
		return "read"
	case OpCancelRead:
		return "cancelread"
	case OpWrite:
		return "write"
	case OpStart:
		return "start"
	case OpStop:
		return "stop"
	}
	return "operation(" + strconv.Itoa(int(op)) + ")"
}

// Opcode returns the CDAP request opcode of the operation.
func (op Operation) Opcode() cdap.Opcode {
	switch op {
	case OpCreate:
		return cdap.Create
	case OpDelete:
		return cdap.Delete
	case OpRead:
		return cdap.Read
	case OpCancelRead:
		return cdap.CancelRead
	case OpWrite:
		return cdap.Write
	case OpStart:
		return cdap.Start
	case OpStop:
		return cdap.Stop
	}
	return 0
}

// OperationOf returns the operation a CDAP request opcode performs.
func OperationOf(op cdap.Opcode) (Operation, bool) {
	switch op {
	case cdap.Create:
		return OpCreate, true
	case cdap.Delete:
		return OpDelete, true
	case cdap.Read:
		return OpRead, true
	case cdap.CancelRead:
		return OpCancelRead, true
	case cdap.Write:
		return OpWrite, true
	case cdap.Start:
		return OpStart, true
	case cdap.Stop:
		return OpStop, true
	}
	return 0, false
}

// Target identifies an object: by name, by instance, or both.
// Class, if set, must match the object's class.
type Target struct {
	Class    string
	Name     string
	Instance int64
}

func (t Target) String() string {
	switch {
	case t.Name != "" && t.Instance != 0:
		return fmt.Sprintf("%s#%d", t.Name, t.Instance)
	case t.Name != "":
		return t.Name
	default:
		return "#" + strconv.FormatInt(t.Instance, 10)
	}
}

// TargetOf returns the target a CDAP message addresses.
func TargetOf(msg *cdap.Message) Target {
	return Target{Class: msg.ObjClass, Name: msg.ObjName, Instance: msg.ObjInst}
}

// LocalRequest is an operation invoked by this process on an object.
// Target is the object the caller addressed; it differs from the receiving object when a CREATE of an absent
// object is delegated to its parent.
type LocalRequest struct {
	Op     Operation
	Target Target
	Value  any
}

// LocalHandler performs a local operation on o. Reads return the value read; other operations typically return nil.
type LocalHandler func(o *Object, req LocalRequest) (any, error)

// RemoteHandler performs an operation a peer requested on o.
// The handler answers the peer itself (see Remote.Reply). If it returns an error instead, the daemon answers with a
// negative response built from the error (when the request carried an invoke id).
type RemoteHandler func(o *Object, r *Remote) error

// Capability adds a supported operation (or other behaviour) to an object at construction.
type Capability func(*Object)

// WithLocal makes o support op when invoked through the daemon's local API.
func WithLocal(op Operation, h LocalHandler) Capability {
	return func(o *Object) { o.local[op] = h }
}

// WithRemote makes o support op when requested by a peer.
func WithRemote(op Operation, h RemoteHandler) Capability {
	return func(o *Object) { o.remote[op] = h }
}

// Removable lets o be deleted, locally or by a peer. Deleting o removes it (and its subtree) from the RIB.
func Removable() Capability {
	return func(o *Object) {
		o.local[OpDelete] = func(o *Object, _ LocalRequest) (any, error) {
			return nil, o.remove()
		}
		o.remote[OpDelete] = func(o *Object, r *Remote) error {
			if err := o.remove(); err != nil {
				return err
			}
			return r.Reply(0, "", nil)
		}
	}
}

// child is the btree item for an object's children, ordered by name.
type child struct {
	name string
	obj  *Object
}

func (c child) Less(than btree.Item) bool {
	return c.name < than.(child).name
}

// Object is a node of the RIB tree.
// Its supported operations are fixed at construction; every other operation fails with ErrOperationNotAllowed.
type Object struct {
	class    string
	name     string
	instance int64
	local    map[Operation]LocalHandler
	remote   map[Operation]RemoteHandler

	d *Daemon // set when the object is added

	mu       sync.RWMutex
	value    any
	parent   *Object
	children *btree.BTree
}

// NewObject returns an object that is not yet part of any RIB (see Daemon.AddObject).
// name is the full path of the object; instance 0 asks the daemon to assign one.
func NewObject(class, name string, value any, caps ...Capability) *Object {
	o := &Object{
		class:    class,
		name:     name,
		value:    value,
		local:    make(map[Operation]LocalHandler),
		remote:   make(map[Operation]RemoteHandler),
		children: btree.New(8),
	}
	for _, c := range caps {
		c(o)
	}
	return o
}

// WithInstance fixes the object's instance number rather than letting the daemon assign one.
func WithInstance(instance int64) Capability {
	return func(o *Object) { o.instance = instance }
}

//#region getters

func (o *Object) Class() string { return o.class }
func (o *Object) Name() string  { return o.name }

// Instance returns the object's instance number (assigned when it is added to a RIB).
func (o *Object) Instance() int64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.instance
}

// Daemon returns the daemon the object belongs to (nil if it was never added).
func (o *Object) Daemon() *Daemon {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.d
}

// Value returns the object's current value.
func (o *Object) Value() any {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.value
}

// SetValue replaces the object's value.
func (o *Object) SetValue(v any) {
	o.mu.Lock()
	o.value = v
	o.mu.Unlock()
}

// Update replaces the object's value with f(current value), atomically.
func (o *Object) Update(f func(any) any) {
	o.mu.Lock()
	o.value = f(o.value)
	o.mu.Unlock()
}

// Parent returns the object's parent (nil for the root or a detached object).
func (o *Object) Parent() *Object {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.parent
}

// Children returns the object's children ordered by name.
func (o *Object) Children() []*Object {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*Object, 0, o.children.Len())
	o.children.Ascend(func(i btree.Item) bool {
		out = append(out, i.(child).obj)
		return true
	})
	return out
}

// Supports reports whether o handles op locally and remotely.
func (o *Object) Supports(op Operation) (local, remote bool) {
	_, local = o.local[op]
	_, remote = o.remote[op]
	return
}

//#endregion getters

// ValueAs returns the object's value as a T.
func ValueAs[T any](o *Object) (T, bool) {
	v, ok := o.Value().(T)
	return v, ok
}

// parentName returns the name of the object that owns name ("" for the root).
func parentName(name string) string {
	if name == "/" || name == "" {
		return ""
	}
	return path.Dir(name)
}

// ChildName returns the full name of the child called leaf under parent.
// leaf is escaped so that it always names a direct child, even if it holds a "/" or is a dot segment.
func ChildName(parent, leaf string) string {
	leaf = url.PathEscape(leaf)
	if leaf == "." || leaf == ".." {
		leaf = strings.ReplaceAll(leaf, ".", "%2E")
	}
	return path.Join(parent, leaf)
}

func (o *Object) addChild(c *Object) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.children.Has(child{name: c.name}) {
		return false
	}
	o.children.ReplaceOrInsert(child{name: c.name, obj: c})
	return true
}

func (o *Object) removeChild(name string) {
	o.mu.Lock()
	o.children.Delete(child{name: name})
	o.mu.Unlock()
}

// remove detaches o (and its subtree) from its daemon.
func (o *Object) remove() error {
	d := o.Daemon()
	if d == nil {
		return Errorf(CodeInternal, "%s is not part of a RIB", o.name)
	}
	return d.RemoveObject(o.name)
}

// performLocal performs op on o on behalf of this process.
func (o *Object) performLocal(req LocalRequest) (any, error) {
	h, found := o.local[req.Op]
	if !found {
		return nil, errNotAllowed(req.Op, o)
	}
	return h(o, req)
}

// performRemote performs op on o on behalf of a peer.
func (o *Object) performRemote(op Operation, r *Remote) error {
	h, found := o.remote[op]
	if !found {
		return errNotAllowed(op, o)
	}
	return h(o, r)
}
