// Package client talks to lpjs_dispatchd on behalf of the lpjs command and
// the compute node agent. Every request is sent on a fresh connection
// sealed with the shared cluster key; the signed text reply ends when the
// daemon closes the connection or sends EOT.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/xinlaoda/lpjs/internal/auth"
	"github.com/xinlaoda/lpjs/internal/job"
	"github.com/xinlaoda/lpjs/internal/wire"
)

const defaultTimeout = 30 * time.Second

// ErrNoReply is returned when the daemon closes the connection without
// answering, which is how it rejects unauthorized requests.
var ErrNoReply = errors.New("client: connection closed without reply")

// Client sends requests to one dispatcher.
type Client struct {
	addr     string
	key      []byte
	uid, gid uint32
	timeout  time.Duration
	verifier *auth.Verifier
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds each request, dial included.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// New creates a client for the daemon at addr. Requests carry the real
// uid and gid of the calling process.
func New(addr string, key []byte, skew time.Duration, opts ...Option) *Client {
	c := &Client{
		addr:     addr,
		key:      key,
		uid:      uint32(os.Getuid()),
		gid:      uint32(os.Getgid()),
		timeout:  defaultTimeout,
		verifier: auth.NewVerifier(key, skew, nil),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// UID returns the uid sealed into requests.
func (c *Client) UID() uint32 { return c.uid }

// Dial opens a connection to the daemon and sends req on it. The caller
// owns the returned connection and reader.
func (c *Client) Dial(ctx context.Context, req wire.Request) (net.Conn, *wire.Reader, error) {
	d := net.Dialer{Timeout: c.timeout}
	nc, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to %s: %w", c.addr, err)
	}
	nc.SetWriteDeadline(time.Now().Add(c.timeout))
	if err := c.Send(nc, req); err != nil {
		nc.Close()
		return nil, nil, err
	}
	nc.SetWriteDeadline(time.Time{})
	return nc, wire.NewReader(nc), nil
}

// Send seals req and writes it to w.
func (c *Client) Send(w io.Writer, req wire.Request) error {
	frame := auth.Seal(c.key, c.uid, c.gid, wire.Encode(req))
	if err := wire.WriteFrame(w, frame); err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	return nil
}

// ReadReply reads one signed frame and returns its payload.
func (c *Client) ReadReply(r *wire.Reader) ([]byte, error) {
	frame, err := wire.ReadFrame(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrNoReply
		}
		return nil, fmt.Errorf("read reply: %w", err)
	}
	cred, err := c.verifier.Open(frame)
	if err != nil {
		return nil, fmt.Errorf("verify reply: %w", err)
	}
	return cred.Payload, nil
}

// Do sends req and collects the text reply. A trailing EOT is stripped.
func (c *Client) Do(ctx context.Context, req wire.Request) (string, error) {
	nc, r, err := c.Dial(ctx, req)
	if err != nil {
		return "", err
	}
	defer nc.Close()

	stop := context.AfterFunc(ctx, func() { nc.SetReadDeadline(time.Now()) })
	defer stop()
	nc.SetReadDeadline(time.Now().Add(c.timeout))

	var sb strings.Builder
	for {
		payload, err := c.ReadReply(r)
		if errors.Is(err, ErrNoReply) && sb.Len() > 0 {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", err
		}
		sb.Write(payload)
		if strings.HasSuffix(sb.String(), string(wire.EOT)) {
			break
		}
	}
	return strings.TrimSuffix(sb.String(), string(wire.EOT)), nil
}

// Nodes returns the node status table.
func (c *Client) Nodes(ctx context.Context) (string, error) {
	return c.Do(ctx, wire.NodeStatus{})
}

// Jobs returns the job status table.
func (c *Client) Jobs(ctx context.Context) (string, error) {
	return c.Do(ctx, wire.JobStatus{})
}

// Submit spools tmpl.JobCount copies of script.
func (c *Client) Submit(ctx context.Context, tmpl *job.Job, script string) (string, error) {
	if err := tmpl.Validate(); err != nil {
		return "", err
	}
	if strings.IndexByte(script, 0) >= 0 {
		return "", errors.New("script contains NUL bytes")
	}
	return c.Do(ctx, wire.Submit{Job: tmpl, Script: script})
}

// Cancel removes a pending job or asks its node to stop it.
func (c *Client) Cancel(ctx context.Context, id uint64) (string, error) {
	return c.Do(ctx, wire.Cancel{JobID: id})
}

// Pause holds a pending job.
func (c *Client) Pause(ctx context.Context, id uint64) (string, error) {
	return c.Do(ctx, wire.Pause{JobID: id})
}

// Resume releases a held job.
func (c *Client) Resume(ctx context.Context, id uint64) (string, error) {
	return c.Do(ctx, wire.Resume{JobID: id})
}
