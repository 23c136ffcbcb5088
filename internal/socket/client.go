package socket

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/tomb.v1"
)

// handshake is the first frame a client must send.
type handshake struct {
	Name       string      `json:"name"`
	Interval   string      `json:"interval"`
	FormatType string      `json:"format_type"`
	Format     interface{} `json:"format"`
}

var requiredHandshakeKeys = []string{"name", "interval", "format_type", "format"}

// parseHandshake decodes and validates the first frame, returning the
// names of any unrecognized extra keys alongside the parsed handshake.
func parseHandshake(raw []byte) (handshake, []string, error) {
	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return handshake{}, nil, fmt.Errorf("malformed handshake JSON: %w", err)
	}
	for _, k := range requiredHandshakeKeys {
		if _, ok := generic[k]; !ok {
			return handshake{}, nil, fmt.Errorf("missing required key %q", k)
		}
	}
	var extras []string
	known := map[string]bool{"name": true, "interval": true, "format_type": true, "format": true}
	for k := range generic {
		if !known[k] {
			extras = append(extras, k)
		}
	}
	var hs handshake
	if err := json.Unmarshal(raw, &hs); err != nil {
		return handshake{}, nil, fmt.Errorf("malformed handshake JSON: %w", err)
	}
	if !validInterval(hs.Interval) {
		return handshake{}, nil, fmt.Errorf("invalid interval %q", hs.Interval)
	}
	hs.Interval = strings.ToUpper(hs.Interval)
	return hs, extras, nil
}

// client is one connected, handshaken subscriber.
type client struct {
	name     string
	interval string
	format   Formatter

	conn net.Conn
	mu   sync.Mutex // guards writes, since fan-out and the read loop share conn

	t *tomb.Tomb
}

func newClient(conn net.Conn, hs handshake, format Formatter) *client {
	return &client{
		name:     hs.Name,
		interval: hs.Interval,
		format:   format,
		conn:     conn,
		t:        new(tomb.Tomb),
	}
}

// send frames and writes payload, serialized against concurrent fan-out
// writers and the handshake's one-shot initial send.
func (c *client) send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return writeFrame(c.conn, payload)
}

// readLoop consumes post-handshake frames, honoring the single supported
// command ("disconnect") and logging-and-ignoring anything else, until the
// connection closes, or the client sends "disconnect" or a zero-length
// frame (end of stream).
func (c *client) readLoop(logger *zap.Logger) {
	defer c.t.Done()
	r := bufio.NewReader(c.conn)
	for {
		frame, err := readFrame(r)
		if err != nil {
			c.t.Kill(err)
			return
		}
		if len(frame) == 0 {
			c.t.Kill(nil)
			return
		}
		cmd := strings.TrimSpace(string(frame))
		switch cmd {
		case "disconnect":
			c.t.Kill(nil)
			return
		default:
			logger.Warn("ignoring unrecognized client command", zap.String("client", c.name), zap.String("command", cmd))
		}
	}
}
