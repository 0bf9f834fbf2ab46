package server

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/xinlaoda/lpjs/internal/auth"
	"github.com/xinlaoda/lpjs/internal/node"
	"github.com/xinlaoda/lpjs/internal/wire"
)

// conn is an accepted connection. Reads happen on one goroutine at a time
// (first the request reader, then the node reader after a checkin); writes
// come from the loop.
type conn struct {
	id     node.ConnID
	nc     net.Conn
	r      *wire.Reader
	remote string

	mu     sync.Mutex
	closed bool
}

func newConn(id node.ConnID, nc net.Conn) *conn {
	return &conn{
		id:     id,
		nc:     nc,
		r:      wire.NewReader(nc),
		remote: nc.RemoteAddr().String(),
	}
}

func (c *conn) write(frame []byte, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	c.nc.SetWriteDeadline(time.Now().Add(timeout))
	return wire.WriteFrame(c.nc, frame)
}

func (c *conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.nc.Close()
	}
}

// readRequest reads the single request a fresh connection carries and
// hands it to the loop. Connections that fail authentication are dropped
// without a reply.
func (s *Server) readRequest(ctx context.Context, c *conn) {
	c.nc.SetReadDeadline(time.Now().Add(s.cfg.IOTimeout))
	frame, err := wire.ReadFrame(c.r)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			s.log.Debug("read request", "remote", c.remote, "error", err)
		}
		c.close()
		return
	}
	c.nc.SetReadDeadline(time.Time{})

	cred, err := s.verifier.Open(frame)
	if err != nil {
		s.log.Warn("rejected credential", "remote", c.remote, "error", err)
		c.close()
		return
	}
	req, err := wire.Decode(cred.Payload)
	if err != nil {
		s.log.Warn("bad request", "remote", c.remote, "uid", cred.UID, "error", err)
		c.close()
		return
	}

	select {
	case s.inbound <- event{conn: c, cred: cred, req: req}:
	case <-ctx.Done():
		c.close()
	}
}

// readNode reads messages from a checked-in agent until the connection
// fails, then reports the failure to the loop.
func (s *Server) readNode(ctx context.Context, c *conn) {
	for {
		frame, err := wire.ReadFrame(c.r)
		if err != nil {
			select {
			case s.nodeEvents <- event{conn: c, err: err}:
			case <-ctx.Done():
			}
			return
		}

		cred, err := s.verifier.Open(frame)
		if err != nil {
			s.log.Warn("rejected credential on node connection", "remote", c.remote, "error", err)
			continue
		}
		req, err := wire.Decode(cred.Payload)
		if err != nil {
			s.log.Warn("bad request on node connection", "remote", c.remote, "error", err)
			continue
		}

		select {
		case s.nodeEvents <- event{conn: c, cred: cred, req: req}:
		case <-ctx.Done():
			return
		}
	}
}

// replyChunk bounds the text sealed into one reply frame, leaving room for
// the credential fields around it.
const replyChunk = wire.MaxFrame - 1024

// reply sends signed text to a client. Text too long for one frame goes
// out as several frames, which the client concatenates.
func (s *Server) reply(c *conn, text string) error {
	for _, part := range splitReply(text, replyChunk) {
		if err := c.write(auth.Seal(s.key, s.uid, s.gid, []byte(part)), s.cfg.IOTimeout); err != nil {
			return err
		}
	}
	return nil
}

// splitReply cuts text into pieces of at most size bytes, breaking after a
// newline when one is available.
func splitReply(text string, size int) []string {
	if len(text) <= size {
		return []string{text}
	}
	var parts []string
	for len(text) > size {
		cut := strings.LastIndexByte(text[:size], '\n') + 1
		if cut == 0 {
			cut = size
		}
		parts = append(parts, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}

// replyClose sends text and closes the connection.
func (s *Server) replyClose(c *conn, text string) {
	if err := s.reply(c, text); err != nil {
		s.log.Warn("reply failed", "remote", c.remote, "error", err)
	}
	c.close()
}

// sendAgent sends a request to a node agent.
func (s *Server) sendAgent(c *conn, req wire.AgentRequest) error {
	return c.write(auth.Seal(s.key, s.uid, s.gid, wire.EncodeAgent(req)), s.cfg.IOTimeout)
}

// dropNode takes the node on c out of service and closes c.
func (s *Server) dropNode(c *conn) {
	if n := s.nodes.Release(c.id); n != nil {
		s.log.Warn("node connection lost", "hostname", n.Hostname, "remote", c.remote)
	}
	delete(s.conns, c.id)
	c.close()
}
