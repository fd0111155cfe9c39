package tkweb

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/cockroachdb/errors"
	"github.com/peterbourgon/unixtransport"

	"github.com/tracekit/tracekit"
)

// HTTPClient is what the Client needs from an HTTP client.
type HTTPClient interface {
	Do(*http.Request) (*http.Response, error)
}

var _ HTTPClient = (*http.Client)(nil)

// NewHTTPClient returns an http.Client whose transport also understands
// http+unix:// and https+unix:// URIs, so a daemon listening on a Unix socket
// is addressable like any other.
func NewHTTPClient() *http.Client {
	transport := &http.Transport{}
	unixtransport.Register(transport)
	return &http.Client{Transport: transport}
}

// Client drives a remote Server.
type Client struct {
	client HTTPClient
	uri    string
}

// NewClient returns a Client for the server at remoteURI.
func NewClient(client HTTPClient, remoteURI string) *Client {
	return &Client{
		client: client,
		uri:    remoteURI,
	}
}

// do issues one request and decodes the response into out, if non-nil. Error
// responses are rehydrated into the error kind the status code maps from.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.uri+path, rd)
	if err != nil {
		return errors.Wrap(err, "create HTTP request")
	}
	req.Header.Set("content-type", "application/json; charset=utf-8")

	res, err := c.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "execute HTTP request")
	}
	defer func() {
		io.Copy(io.Discard, res.Body) //nolint:errcheck
		res.Body.Close()
	}()

	if res.StatusCode >= 400 {
		var data errorData
		json.NewDecoder(res.Body).Decode(&data) //nolint:errcheck
		if data.Error == "" {
			data.Error = http.StatusText(res.StatusCode)
		}
		return errors.Wrap(kindFor(res.StatusCode), data.Error)
	}

	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return errors.Wrap(err, "decode response")
		}
	}
	return nil
}

// kindFor is the client-side inverse of statusFor. Codes that map from more
// than one kind come back as the most likely one.
func kindFor(status int) error {
	switch status {
	case http.StatusNotFound:
		return tracekit.ErrNotFound
	case http.StatusBadRequest:
		return tracekit.ErrInvalidArgument
	case http.StatusConflict:
		return tracekit.ErrBusy
	case http.StatusServiceUnavailable:
		return tracekit.ErrNoDevice
	case http.StatusInsufficientStorage:
		return tracekit.ErrOutOfMemory
	default:
		return errors.Newf("HTTP response %d %s", status, http.StatusText(status))
	}
}

//
//
//

// Create creates a session, assigning transport in the same call when
// non-empty.
func (c *Client) Create(ctx context.Context, name, transport string) error {
	return c.do(ctx, "POST", "/sessions", CreateData{Name: name, Transport: transport}, nil)
}

// List describes every session.
func (c *Client) List(ctx context.Context) ([]tracekit.SessionInfo, error) {
	var infos []tracekit.SessionInfo
	if err := c.do(ctx, "GET", "/sessions", nil, &infos); err != nil {
		return nil, err
	}
	return infos, nil
}

// Info describes one session.
func (c *Client) Info(ctx context.Context, name string) (tracekit.SessionInfo, error) {
	var info tracekit.SessionInfo
	if err := c.do(ctx, "GET", "/sessions/"+url.PathEscape(name), nil, &info); err != nil {
		return tracekit.SessionInfo{}, err
	}
	return info, nil
}

// SetTransport assigns a transport to a pending session.
func (c *Client) SetTransport(ctx context.Context, name, transport string) error {
	return c.do(ctx, "PUT", "/sessions/"+url.PathEscape(name)+"/transport", TransportData{Transport: transport}, nil)
}

// SetChannel applies a partial update to one channel of a pending session.
func (c *Client) SetChannel(ctx context.Context, name, channel string, update ChannelUpdate) error {
	return c.do(ctx, "PUT", "/sessions/"+url.PathEscape(name)+"/channels/"+url.PathEscape(channel), update, nil)
}

// Allocate allocates a pending session's buffers and activates it.
func (c *Client) Allocate(ctx context.Context, name string) error {
	return c.do(ctx, "POST", "/sessions/"+url.PathEscape(name)+"/allocate", nil, nil)
}

// Start enables capture on an allocated session.
func (c *Client) Start(ctx context.Context, name string) error {
	return c.do(ctx, "POST", "/sessions/"+url.PathEscape(name)+"/start", nil, nil)
}

// Stop disables capture on an allocated session.
func (c *Client) Stop(ctx context.Context, name string) error {
	return c.do(ctx, "POST", "/sessions/"+url.PathEscape(name)+"/stop", nil, nil)
}

// Filter sends a filter administration message on behalf of a session.
// Message is "default-accept" or "default-reject".
func (c *Client) Filter(ctx context.Context, name, message string) error {
	return c.do(ctx, "POST", "/sessions/"+url.PathEscape(name)+"/filter", FilterData{Message: message}, nil)
}

// Destroy removes a session.
func (c *Client) Destroy(ctx context.Context, name string) error {
	return c.do(ctx, "DELETE", "/sessions/"+url.PathEscape(name), nil, nil)
}

// Transports lists the registered transport names.
func (c *Client) Transports(ctx context.Context) ([]string, error) {
	var names []string
	if err := c.do(ctx, "GET", "/transports", nil, &names); err != nil {
		return nil, err
	}
	return names, nil
}
