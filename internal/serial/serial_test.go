package serial_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/rflandau/rina/internal/testsupport"

	"github.com/rflandau/rina/internal/serial"
)

func TestQueue(t *testing.T) {
	t.Run("in order", func(t *testing.T) {
		var (
			q   serial.Queue
			got []int
		)
		for i := range 10 {
			q.Do(func() { got = append(got, i) })
		}
		if len(got) != 10 {
			t.Fatal(ExpectedActual(10, len(got)))
		}
		for i, v := range got {
			if v != i {
				t.Fatal("tasks ran out of order", ExpectedActual(i, v))
			}
		}
	})
	t.Run("reentrant", func(t *testing.T) {
		var (
			q     serial.Queue
			order []string
		)
		q.Do(func() {
			order = append(order, "outer start")
			q.Do(func() { order = append(order, "inner") })
			order = append(order, "outer end")
		})
		want := []string{"outer start", "outer end", "inner"}
		if len(order) != len(want) {
			t.Fatal(ExpectedActual(want, order))
		}
		for i := range want {
			if order[i] != want[i] {
				t.Fatal(ExpectedActual(want, order))
			}
		}
		if q.Len() != 0 {
			t.Fatal("queue was not drained", ExpectedActual(0, q.Len()))
		}
	})
	t.Run("no interleaving", func(t *testing.T) {
		var (
			q       serial.Queue
			inside  atomic.Int32
			counter int
			wg      sync.WaitGroup
		)
		for range 50 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				q.Do(func() {
					if inside.Add(1) != 1 {
						t.Error("two tasks ran concurrently")
					}
					counter++
					inside.Add(-1)
				})
			}()
		}
		wg.Wait()
		// the last drainer may still be running queued tasks after every Do returned
		WaitFor(t, time.Second, "all tasks to run", func() bool {
			done := make(chan int, 1)
			q.Do(func() { done <- counter })
			select {
			case c := <-done:
				return c == 50
			default:
				return false
			}
		})
	})
	t.Run("panic does not wedge", func(t *testing.T) {
		var q serial.Queue
		func() {
			defer func() { _ = recover() }()
			q.Do(func() { panic("boom") })
		}()
		var ran bool
		q.Do(func() { ran = true })
		if !ran {
			t.Fatal("queue stopped running tasks after a panic")
		}
	})
}
