package enrollment

import (
	"sync"
	"time"

	"github.com/rflandau/rina/internal/misc"
	"github.com/rflandau/rina/ipcp"
	"github.com/rflandau/rina/ipcp/cdap"
	"github.com/rflandau/rina/ipcp/expiring"
	"github.com/rflandau/rina/ipcp/rib"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

const (
	WatchdogName  = "/dif/management/watchdog"
	WatchdogClass = "watchdog timer"
)

// rttWeight is the weight of the newest sample in the moving average of a neighbor's RTT.
const rttWeight = 8

// Watchdog keeps checking that enrolled neighbors are alive.
// Every period it READs the watchdog object of each enrolled neighbor it has not heard from for a period.
// Neighbors silent for longer than the dead interval are declared dead.
type Watchdog struct {
	t    *Task
	log  zerolog.Logger
	smpl zerolog.Logger // per-period chatter

	outstanding *expiring.Table[string, time.Time] // neighbor -> when its READ was sent
	running     atomic.Bool

	mu   sync.Mutex // guards done
	done chan struct{}
	wg   sync.WaitGroup
}

func newWatchdog(t *Task) (*Watchdog, error) {
	l := t.log.With().Str("sublogger", "watchdog").Logger()
	w := &Watchdog{
		t:           t,
		log:         l,
		smpl:        l.Sample(&zerolog.Sometimes).With().Str("sampled", "sometimes").Logger(),
		outstanding: expiring.New[string, time.Time](),
	}
	if err := t.d.AddObject(rib.NewObject(WatchdogClass, WatchdogName, nil, rib.WithRemote(rib.OpRead, w.remoteRead))); err != nil {
		return nil, err
	}
	return w, nil
}

// Start runs the watchdog until Stop is called. Starting a running watchdog does nothing.
// The first check comes after a random fraction of the period so members do not probe each other in lockstep.
func (w *Watchdog) Start() {
	if !w.running.CompareAndSwap(false, true) {
		return
	}
	done := make(chan struct{})
	w.mu.Lock()
	w.done = done
	w.mu.Unlock()

	period := w.t.watchdogPeriod
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		wait := misc.Jitter(period)
		for {
			select {
			case <-done:
				w.log.Debug().Msg("watchdog shutting down...")
				return
			case <-time.After(wait):
				w.tick(time.Now())
			}
			wait = period
		}
	}()
	w.log.Info().Dur("period", period).Dur("dead interval", w.t.deadInterval).Msg("watchdog started")
}

// Stop halts the watchdog and waits for its goroutine to exit.
func (w *Watchdog) Stop() {
	if !w.running.CompareAndSwap(true, false) {
		return
	}
	w.mu.Lock()
	close(w.done)
	w.mu.Unlock()
	w.wg.Wait()
}

// Running reports whether the watchdog was started and not stopped.
func (w *Watchdog) Running() bool {
	return w.running.Load()
}

// tick checks every enrolled neighbor once.
func (w *Watchdog) tick(now time.Time) {
	target := rib.Target{Class: WatchdogClass, Name: WatchdogName}
	for _, n := range w.t.neighbors.List() {
		if !n.Enrolled || n.UnderlyingPort == 0 {
			continue
		}
		last := n.lastHeard()
		if !last.IsZero() && now.Sub(last) > w.t.deadInterval {
			w.t.declareDead(n)
			continue
		}
		if !last.IsZero() && last.Add(w.t.watchdogPeriod).After(now) {
			continue // heard from recently enough
		}
		if _, found := w.outstanding.Load(n.Key()); found {
			continue
		}
		w.outstanding.Store(n.Key(), now, w.t.watchdogPeriod)
		if _, err := w.t.d.SendRequest(n.UnderlyingPort, cdap.Read, target, nil, w.response(n.Key())); err != nil {
			w.outstanding.Delete(n.Key())
			w.log.Warn().Err(err).Str("neighbor", n.Key()).Msg("failed to send watchdog READ")
			continue
		}
		w.smpl.Debug().Str("neighbor", n.Key()).Int32("port", n.UnderlyingPort).Msg("sent watchdog READ")
	}
}

// response handles the READ_R of the watchdog READ sent to neighbor.
// Responses arriving after the next period are dropped; the READ is retried instead.
func (w *Watchdog) response(neighbor string) rib.ResponseHandler {
	return rib.ResponseHandlerFunc(func(msg *cdap.Message, _ cdap.Descriptor) {
		sent, found := w.outstanding.LoadAndDelete(neighbor)
		if !found {
			return
		}
		if msg.Result != 0 {
			w.log.Warn().Str("neighbor", neighbor).Int32("result", msg.Result).Str("reason", msg.ResultReason).
				Msg("watchdog READ failed")
			return
		}
		rtt := time.Since(sent)
		var addr ipcp.Address
		if !msg.ObjValue.IsZero() {
			if err := w.t.d.DecodeValue(msg.ObjValue, &addr); err != nil {
				w.log.Debug().Err(err).Str("neighbor", neighbor).Msg("undecodable watchdog READ_R")
			}
		}
		w.t.neighbors.Update(neighbor, func(n *Neighbor) {
			n.LastHeardFrom = time.Now().UnixMilli()
			if n.AverageRTT == 0 {
				n.AverageRTT = rtt
			} else {
				n.AverageRTT += (rtt - n.AverageRTT) / rttWeight
			}
			if addr != 0 {
				n.Address = addr
			}
		})
		w.smpl.Debug().Str("neighbor", neighbor).Dur("rtt", rtt).Msg("watchdog READ answered")
	})
}

// remoteRead answers a neighbor's watchdog READ with our address. Being asked counts as hearing from it.
func (w *Watchdog) remoteRead(_ *rib.Object, r *rib.Remote) error {
	if peer := r.Session.Dst.ProcessName; peer != "" {
		w.t.neighbors.Update(peer, func(n *Neighbor) { n.LastHeardFrom = time.Now().UnixMilli() })
	}
	return r.Reply(0, "", w.t.Address())
}
