package socket

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"os"
	"sync"

	"github.com/rkallin/mprisbridge/internal/metadata"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// ActiveMetadataFunc supplies the snapshot sent to a client immediately
// after a successful handshake.
type ActiveMetadataFunc func() metadata.Dict

// Server accepts client connections on a Unix-domain socket, negotiates
// their subscription via the JSON handshake, and fans out metadata updates
// by event-class interval.
type Server struct {
	path       string
	fs         afero.Fs
	logger     *zap.Logger
	activeFunc ActiveMetadataFunc

	listener net.Listener

	mu       sync.Mutex
	clients  map[string]*client          // name -> client
	byInterval map[string][]string       // interval -> ordered client names
}

// New constructs a Server bound to a Unix socket at path. The socket file
// is created lazily by Listen; fs is used for stale-file removal so tests
// can exercise that step against an in-memory filesystem.
func New(path string, fs afero.Fs, logger *zap.Logger, activeFunc ActiveMetadataFunc) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if activeFunc == nil {
		activeFunc = func() metadata.Dict { return metadata.Dict{} }
	}
	return &Server{
		path: path, fs: fs, logger: logger, activeFunc: activeFunc,
		clients: make(map[string]*client), byInterval: make(map[string][]string),
	}
}

// Listen removes any stale socket file and begins accepting connections.
// It returns once the listener is bound; call Serve to run the accept loop.
func (s *Server) Listen() error {
	if exists, _ := afero.Exists(s.fs, s.path); exists {
		if err := s.fs.Remove(s.path); err != nil {
			return err
		}
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return err
	}
	s.listener = ln
	return nil
}

// Serve runs the accept loop until the listener is closed by Shutdown.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	r := bufio.NewReader(conn)
	frame, err := readFrame(r)
	if err != nil {
		conn.Close()
		return
	}
	if len(frame) == 0 {
		// A zero-length body is end-of-stream, not a malformed handshake.
		conn.Close()
		return
	}
	hs, extras, err := parseHandshake(frame)
	if err != nil {
		s.sendError(conn, err.Error())
		conn.Close()
		return
	}
	if len(extras) > 0 {
		s.sendWarning(conn, extras)
	}
	format, err := compileFormat(hs.FormatType, hs.Format)
	if err != nil {
		s.sendError(conn, err.Error())
		conn.Close()
		return
	}

	c := newClient(conn, hs, format)
	s.register(c)
	s.logger.Info("client connected", zap.String("client", c.name), zap.String("interval", c.interval))

	initial, ferr := c.format.Format(metadata.RewriteKeysForWire(s.activeFunc()))
	if ferr == nil {
		_ = c.send(initial)
	}

	c.readLoop(s.logger)
	s.unregister(c.name)
	conn.Close()
	s.logger.Info("client disconnected", zap.String("client", c.name))
}

func (s *Server) sendError(conn net.Conn, msg string) {
	payload, _ := json.Marshal(map[string]string{"Error": msg})
	_ = writeFrame(conn, payload)
}

func (s *Server) sendWarning(conn net.Conn, extras []string) {
	payload, _ := json.Marshal(map[string][]string{"Warning": extras})
	_ = writeFrame(conn, payload)
}

func (s *Server) register(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.name] = c
	s.byInterval[c.interval] = append(s.byInterval[c.interval], c.name)
}

func (s *Server) unregister(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[name]
	if !ok {
		return
	}
	delete(s.clients, name)
	names := s.byInterval[c.interval]
	for i, n := range names {
		if n == name {
			s.byInterval[c.interval] = append(names[:i:i], names[i+1:]...)
			break
		}
	}
}

// snapshot returns the (client, interval) list for a fan-out pass without
// holding the server lock during sends; later arrivals are not included.
func (s *Server) snapshot(interval string) []*client {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := s.byInterval[interval]
	out := make([]*client, 0, len(names))
	for _, n := range names {
		if c, ok := s.clients[n]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Broadcast fans out md (already in internal ':'-separated key form) to
// every client subscribed to interval, and to no other interval. extras are
// merged into the dictionary before the per-client format renders it.
func (s *Server) Broadcast(interval string, md metadata.Dict, extras metadata.Dict) {
	s.broadcastOne(interval, md, extras)
}

func (s *Server) broadcastOne(interval string, md metadata.Dict, extras metadata.Dict) {
	clients := s.snapshot(interval)
	if len(clients) == 0 {
		return
	}
	merged := md.Merge(extras)
	wire := metadata.RewriteKeysForWire(merged)
	for _, c := range clients {
		payload, err := c.format.Format(wire)
		if err != nil {
			s.logger.Warn("format failed, dropping frame for client", zap.String("client", c.name), zap.Error(err))
			continue
		}
		if err := c.send(payload); err != nil {
			s.logger.Info("client write failed, removing", zap.String("client", c.name), zap.Error(err))
			s.unregister(c.name)
			c.conn.Close()
		}
	}
}

// Shutdown broadcasts a shutdown warning, closes every client connection,
// closes the listener, and removes the socket file.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	all := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		all = append(all, c)
	}
	s.mu.Unlock()

	payload, _ := json.Marshal(map[string]string{"Warning": "Server is shutting down"})
	for _, c := range all {
		_ = c.send(payload)
		c.conn.Close()
	}

	var lnErr error
	if s.listener != nil {
		lnErr = s.listener.Close()
	}
	rmErr := s.fs.Remove(s.path)
	if os.IsNotExist(rmErr) {
		rmErr = nil
	}
	if lnErr != nil {
		return lnErr
	}
	return rmErr
}
