package expiring_test

import (
	"maps"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Pallinder/go-randomdata"
	. "github.com/rflandau/rina/internal/testsupport"
	"github.com/rflandau/rina/ipcp/expiring"
)

func TestTable(t *testing.T) {
	t.Run("prune on timeout", func(t *testing.T) {
		tbl := expiring.New[int, float64]()

		k, timeout := 0, 5*time.Millisecond
		tbl.Store(k, 1.1, timeout)
		time.Sleep(timeout + 2*time.Millisecond)
		if v, found := tbl.Load(k); found {
			t.Errorf("k/v %d/%v should have expired, but was found", k, v)
		}

		k, timeout = -650493712, 20*time.Millisecond
		tbl.Store(k, 1.1, timeout)
		time.Sleep(timeout + 2*time.Millisecond)
		if v, found := tbl.Load(k); found {
			t.Errorf("k/v %d/%v should have expired, but was found", k, v)
		}
		if tbl.Len() != 0 {
			t.Error("table is not empty", ExpectedActual(0, tbl.Len()))
		}
	})

	t.Run("no prune prior to timeout", func(t *testing.T) {
		tbl := expiring.New[string, bool]()

		tests := []struct {
			k    string
			v    bool
			time time.Duration
		}{
			{"normal.DIF", true, 150 * time.Millisecond},
			{"shim-eth-vlan", true, 30 * time.Millisecond},
			{"backbone.DIF", false, 60 * time.Millisecond},
		}

		for i, tt := range tests {
			t.Run(strconv.FormatInt(int64(i), 10), func(t *testing.T) {
				tbl.Store(tt.k, tt.v, tt.time)
				checkLoad(t, tbl, tt.k, true, tt.v)
				// unclear how much time has elapsed since original store, so sleep conservatively
				time.Sleep(tt.time / 2)
				checkLoad(t, tbl, tt.k, true, tt.v)
				time.Sleep(tt.time/2 + 5*time.Millisecond)
				checkLoad(t, tbl, tt.k, false, tt.v)
			})
		}
	})

	t.Run("reset timer on new store", func(t *testing.T) {
		tbl := expiring.New[int32, string]()
		var (
			key int32 = 7
			val       = randomdata.SillyName()
		)

		tbl.Store(key, val, 5*time.Millisecond)
		checkLoad(t, tbl, key, true, val)
		tbl.Store(key, val, 40*time.Millisecond)
		time.Sleep(10 * time.Millisecond)
		checkLoad(t, tbl, key, true, val)
		time.Sleep(35 * time.Millisecond)
		checkLoad(t, tbl, key, false, val)
	})

	t.Run("overwrite does not run prior cleanup", func(t *testing.T) {
		tbl := expiring.New[string, int]()
		var fired atomic.Int32
		tbl.Store("neighbor", 1, 5*time.Millisecond, func(string, int) { fired.Add(1) })
		tbl.Store("neighbor", 2, time.Second)
		time.Sleep(15 * time.Millisecond)
		if fired.Load() != 0 {
			t.Fatal("cleanup of the replaced value ran", ExpectedActual(int32(0), fired.Load()))
		}
		checkLoad(t, tbl, "neighbor", true, 2)
	})

	t.Run("delete elements", func(t *testing.T) {
		tbl := expiring.New[string, string]()
		// insert and delete a key
		key, val := "b.IPCP", "normal.DIF"
		tbl.Store(key, val, 40*time.Millisecond)
		if !tbl.Delete(key) {
			t.Fatalf("failed to delete key='%v': not found", key)
		}
		checkLoad(t, tbl, key, false, val)
		// delete a key that does not exist
		if tbl.Delete("c.IPCP") {
			t.Fatal("successfully deleted non-existent key")
		}
	})

	t.Run("load and delete suppresses cleanup", func(t *testing.T) {
		tbl := expiring.New[uint64, string]()
		var fired atomic.Int32
		tbl.Store(99, "pending", 10*time.Millisecond, func(uint64, string) { fired.Add(1) })
		v, found := tbl.LoadAndDelete(99)
		if !found || v != "pending" {
			t.Fatal("failed to claim value", ExpectedActual("pending", v))
		}
		if _, found := tbl.LoadAndDelete(99); found {
			t.Fatal("claimed the same value twice")
		}
		time.Sleep(20 * time.Millisecond)
		if fired.Load() != 0 {
			t.Fatal("cleanup ran after the value was claimed")
		}
	})

	t.Run("refresh", func(t *testing.T) {
		var (
			k = struct{ a int }{32}
			v = 3.14
		)

		tbl := expiring.New[struct{ a int }, float64]()
		tbl.Store(k, v, 20*time.Millisecond)
		time.Sleep(10 * time.Millisecond)
		checkLoad(t, tbl, k, true, v)
		// reset it before it expires
		if !tbl.Refresh(k, 40*time.Millisecond) {
			t.Fatal("failed to refresh value prior to original expiry: not found")
		}
		time.Sleep(30 * time.Millisecond)
		checkLoad(t, tbl, k, true, v)
		time.Sleep(15 * time.Millisecond)
		checkLoad(t, tbl, k, false, v)
		// refresh a non-existent key
		if tbl.Refresh(struct{ a int }{1}, 10000000) {
			t.Fatal("successfully refreshed non-existent key")
		}
	})

	t.Run("additional clean up functions", func(t *testing.T) {
		var (
			cleanupBuf         = []int{}
			expectedCleanupBuf = []int{1, -1, -2, 2, -1, -2, 3, -1, -2}
			mu                 sync.Mutex
		)
		record := func(n int) func(k, v int) {
			return func(k, v int) {
				mu.Lock()
				defer mu.Unlock()
				cleanupBuf = append(cleanupBuf, n, k, v)
			}
		}
		tbl := expiring.New[int, int]()
		tbl.Store(-1, -2, 20*time.Millisecond, record(1), record(2), record(3))
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		defer mu.Unlock()
		if slices.Compare(cleanupBuf, expectedCleanupBuf) != 0 {
			t.Fatal("clean up functions did not execute properly", ExpectedActual(expectedCleanupBuf, cleanupBuf))
		}
	})

	t.Run("zero value", func(t *testing.T) {
		var tbl expiring.Table[string, int]
		tbl.Store("a", 1, time.Second)
		checkLoad(t, &tbl, "a", true, 1)
	})
}

func TestTable_RangeLocked(t *testing.T) {
	in := map[string]int{
		"a.IPCP": 1,
		"b.IPCP": -2,
		"c.IPCP": 1000,
		"d.IPCP": 11,
	}
	t.Run("all items", func(t *testing.T) {
		tbl := expiring.New[string, int]()
		for k, v := range in {
			tbl.Store(k, v, 3*time.Second)
		}

		out := make(map[string]int)
		tbl.RangeLocked(func(s string, i int) bool {
			out[s] = i
			return true
		})

		if !maps.Equal(in, out) {
			t.Fatal("input and output maps do not match", ExpectedActual(in, out))
		}
	})
	t.Run("early exit", func(t *testing.T) {
		tbl := expiring.New[string, int]()
		for k, v := range in {
			tbl.Store(k, v, 3*time.Second)
		}

		// early exit after 2 calls
		var callCount uint
		out := make(map[string]int)
		tbl.RangeLocked(func(s string, i int) bool {
			out[s] = i
			callCount += 1
			return callCount < 2
		})

		if len(out) != int(callCount) || callCount != 2 {
			t.Fatal("incorrect range call counts.", ExpectedActual(2, len(out)))
		}
	})
}

// tests the load returns the expected value and found state.
// Value is only checked if an element was found.
func checkLoad[key_t comparable, val_t comparable](t *testing.T, tbl *expiring.Table[key_t, val_t], key key_t, expectedFound bool, expectedVal val_t) {
	t.Helper()
	v, found := tbl.Load(key)
	if found != expectedFound {
		t.Error("incorrect found", ExpectedActual(expectedFound, found))
	}
	if found && (v != expectedVal) { // only check value if one was actually found
		t.Error("incorrect value retrieved", ExpectedActual(expectedVal, v))
	}
}
