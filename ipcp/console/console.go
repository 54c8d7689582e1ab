// Package console serves a read-only HTTP view of an IPC process: its RIB objects and its CDAP sessions.
// A Console is an http.Handler; Start additionally serves it on its own listener.
// Client reads the same resources from a remote console.
package console

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"
	"github.com/rflandau/rina/ipcp/cdap"
	"github.com/rflandau/rina/ipcp/rib"
	"github.com/rs/zerolog"
)

const (
	_API_NAME    = "IPC process console"
	_API_VERSION = "1.0.0"
)

// shutdownTimeout bounds how long Stop waits for in-flight requests.
const shutdownTimeout = 2 * time.Second

// A Console exposes a RIB daemon and a session manager over HTTP.
type Console struct {
	log      *zerolog.Logger
	d        *rib.Daemon
	sessions *cdap.Manager
	addr     netip.AddrPort

	api huma.API
	mux *http.ServeMux

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// New returns a console over d and sessions, optionally modified with opts.
func New(d *rib.Daemon, sessions *cdap.Manager, opts ...ConsoleOption) (*Console, error) {
	if d == nil || sessions == nil {
		return nil, errors.New("a RIB daemon and a session manager are required")
	}
	c := &Console{d: d, sessions: sessions, mux: http.NewServeMux()}

	for _, opt := range opts {
		opt(c)
	}

	if c.log == nil {
		l := zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}).With().
			Str("sublogger", "console").
			Timestamp().
			Caller().
			Logger().Level(zerolog.WarnLevel)
		c.log = &l
	}

	c.api = humago.New(c.mux, huma.DefaultConfig(_API_NAME, _API_VERSION))
	c.buildEndpoints()

	c.log.Debug().Func(c.Zerolog).Msg("console created")
	return c, nil
}

// ServeHTTP serves the console's API.
func (c *Console) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.mux.ServeHTTP(w, r)
}

// Addr returns the address the console listens on, once started.
// An unspecified port is replaced by the one the system picked.
func (c *Console) Addr() netip.AddrPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener != nil {
		if ta, ok := c.listener.Addr().(*net.TCPAddr); ok {
			return ta.AddrPort()
		}
	}
	return c.addr
}

// Start serves the console on the address given by WithAddress.
// Ineffectual if already serving.
func (c *Console) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.server != nil {
		return nil
	}
	if !c.addr.IsValid() {
		return errors.New("console has no address to listen on")
	}
	l, err := net.Listen("tcp", c.addr.String())
	if err != nil {
		return err
	}
	c.listener = l
	c.server = &http.Server{Handler: c.mux, ReadHeaderTimeout: 5 * time.Second}
	go func(srv *http.Server) {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.log.Warn().Err(err).Msg("console stopped serving")
		}
	}(c.server)
	c.log.Info().Str("address", l.Addr().String()).Msg("listening...")
	return nil
}

// Stop shuts the listener down, waiting briefly for in-flight requests.
// Ineffectual if not serving.
func (c *Console) Stop() error {
	c.mu.Lock()
	srv := c.server
	c.server, c.listener = nil, nil
	c.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(ctx)
	c.log.Info().AnErr("shutdown error", err).Msg("killed http server")
	return err
}

// Zerolog attaches the console's state to the event.
// Intended to be given to *zerolog.Event.Func().
func (c *Console) Zerolog(e *zerolog.Event) {
	c.mu.Lock()
	serving := c.server != nil
	c.mu.Unlock()
	e.Str("address", c.addr.String()).Bool("serving", serving)
}
