package console

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rflandau/rina/ipcp"
	"resty.dev/v3"
)

var ErrNotFound = errors.New("no such object")

// Client reads the resources of a remote console.
type Client struct {
	cli *resty.Client
}

// NewClient returns a client of the console at baseURL, which should be of the form "http://<ip>:<port>".
func NewClient(baseURL string) *Client {
	return &Client{cli: resty.New().SetBaseURL(strings.TrimSuffix(baseURL, "/"))}
}

// Close releases the client's connections.
func (c *Client) Close() error {
	return c.cli.Close()
}

// Objects returns every object of the remote RIB, in pre-order.
func (c *Client) Objects(ctx context.Context) ([]ObjectInfo, error) {
	if ctx == nil {
		return nil, ipcp.ErrNilCtx
	}
	var out []ObjectInfo
	res, err := c.cli.R().
		SetContext(ctx).
		SetExpectResponseContentType(ContentType).
		SetResult(&out).
		Get(EPObjects)
	if err := check(res, err); err != nil {
		return nil, err
	}
	return out, nil
}

// Object returns the remote object called name.
// Returns ErrNotFound if there is none.
func (c *Client) Object(ctx context.Context, name string) (ObjectInfo, error) {
	if ctx == nil {
		return ObjectInfo{}, ipcp.ErrNilCtx
	}
	var out ObjectInfo
	res, err := c.cli.R().
		SetContext(ctx).
		SetQueryParam("name", name).
		SetExpectResponseContentType(ContentType).
		SetResult(&out).
		Get(EPObject)
	if err := check(res, err); err != nil {
		if res != nil && res.StatusCode() == http.StatusNotFound {
			return ObjectInfo{}, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return ObjectInfo{}, err
	}
	return out, nil
}

// Sessions returns the remote process's CDAP sessions.
func (c *Client) Sessions(ctx context.Context) ([]SessionInfo, error) {
	if ctx == nil {
		return nil, ipcp.ErrNilCtx
	}
	var out []SessionInfo
	res, err := c.cli.R().
		SetContext(ctx).
		SetExpectResponseContentType(ContentType).
		SetResult(&out).
		Get(EPSessions)
	if err := check(res, err); err != nil {
		return nil, err
	}
	return out, nil
}

// check folds a failed request and an unsuccessful status into one error.
func check(res *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if res.IsError() {
		return fmt.Errorf("console answered %d: %s", res.StatusCode(), strings.TrimSpace(res.String()))
	}
	return nil
}
