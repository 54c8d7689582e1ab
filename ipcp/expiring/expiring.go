// Package expiring introduces tables with the ability to prune their own elements.
//
// The IPC process uses them for state that must not outlive a protocol deadline: N-1 flow allocations
// an enrollment is waiting on and watchdog reads that have not been answered yet.
package expiring

import (
	"sync"
	"time"
)

// wrapped value with an expiration timer attached
type timedV[value_t any] struct {
	val value_t
	exp *time.Timer // expiring timer to clear this value out of the table
}

// A Table is a map whose elements prune themselves after their duration elapses.
// Expiry invokes the cleanup functions given at Store time; explicit removal (Delete, LoadAndDelete) does not.
//
// NOTE: Tables should only be passed by reference due to underlying mutex use.
//
// NOTE: accessing elements AT their expiration time is, by its very nature, a race.
// If a timer has not expired, then its associated data is guaranteed to not have been pruned. The inverse is not guaranteed.
// LoadAndDelete is the arbiter: exactly one of LoadAndDelete and expiry observes a given element.
type Table[key_t comparable, value_t any] struct {
	mu sync.Mutex
	m  map[key_t]*timedV[value_t]
}

// New returns an empty table.
func New[key_t comparable, value_t any]() *Table[key_t, value_t] {
	return &Table[key_t, value_t]{m: make(map[key_t]*timedV[value_t])}
}

// Store saves the given k/v and sets them to expire after the given time.
// If a value was previously associated to this key, it will be overwritten and its timer reset (the prior value's cleanups never run).
// cleanup functions will be called in given order after the key is deleted from the table due to expiry.
func (tbl *Table[key_t, value_t]) Store(key key_t, value value_t, expire time.Duration, cleanup ...func(key_t, value_t)) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	if tbl.m == nil {
		tbl.m = make(map[key_t]*timedV[value_t])
	}
	// stop existing timer (if applicable)
	if prior, found := tbl.m[key]; found {
		prior.exp.Stop()
	}
	tv := &timedV[value_t]{val: value}
	tv.exp = time.AfterFunc(expire, func() {
		// if the time expires, remove ourself (unless we have been replaced in the interim)
		tbl.mu.Lock()
		if cur, found := tbl.m[key]; !found || cur != tv {
			tbl.mu.Unlock()
			return
		}
		delete(tbl.m, key)
		tbl.mu.Unlock()
		// execute additional clean up functions
		for _, f := range cleanup {
			f(key, value)
		}
	})
	tbl.m[key] = tv
}

// Load fetches the value associated to the given key if available.
func (tbl *Table[key_t, value_t]) Load(key key_t) (value value_t, found bool) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	tv, found := tbl.m[key]
	if !found {
		return value, false
	}
	return tv.val, true
}

// LoadAndDelete fetches and removes the value associated to the given key, stopping its timer.
// If found is true, the element's cleanup functions are guaranteed to never run.
func (tbl *Table[key_t, value_t]) LoadAndDelete(key key_t) (value value_t, found bool) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	tv, found := tbl.m[key]
	if !found {
		return value, false
	}
	tv.exp.Stop()
	delete(tbl.m, key)
	return tv.val, true
}

// Delete destroys a key in the map and stops its timer (if found).
// Ineffectual if key is not found.
func (tbl *Table[key_t, value_t]) Delete(key key_t) (found bool) {
	_, found = tbl.LoadAndDelete(key)
	return found
}

// Refresh refreshes the given key (if it exists) with the given duration.
func (tbl *Table[key_t, value_t]) Refresh(key key_t, expire time.Duration) (found bool) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	tv, found := tbl.m[key]
	if !found {
		return false
	}
	if alreadyExpired := !tv.exp.Stop(); alreadyExpired {
		return false
	}
	tv.exp.Reset(expire)
	return true
}

// Len returns the number of unexpired elements.
func (tbl *Table[key_t, value_t]) Len() int {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	return len(tbl.m)
}

// RangeLocked calls f on each k/v in the table until f returns false.
// The table is locked for the duration; f must not call back into it.
func (tbl *Table[key_t, value_t]) RangeLocked(f func(key_t, value_t) bool) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	for k, tv := range tbl.m {
		if !f(k, tv.val) {
			return
		}
	}
}
