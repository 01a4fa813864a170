package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"minidis/internal/config"
	"minidis/internal/handler"
	"minidis/internal/metrics"
	"minidis/internal/protocol"
	"minidis/internal/rdb"
	"minidis/internal/replication"
	"minidis/internal/storage"
)

const shutdownGrace = 5 * time.Second

// Server accepts client connections and dispatches their commands
// against the shared keyspace. Depending on configuration it runs as a
// primary fanning writes out to replicas, or as a replica applying its
// primary's command stream.
type Server struct {
	cfg       *config.Config
	store     *storage.Store
	repl      *replication.State
	broadcast *replication.Broadcast
	handler   *handler.CommandHandler

	listener     net.Listener
	connections  sync.Map
	connIDs      atomic.Int64
	wg           sync.WaitGroup
	mu           sync.Mutex
	isShutdown   bool
	shutdownChan chan struct{}
	log          *logrus.Entry
}

// New builds a server from cfg, hydrating the keyspace from the
// configured snapshot file. A malformed snapshot is fatal here; a
// missing one is an empty keyspace.
func New(cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := logrus.WithField("component", "server")
	store := storage.NewStore()

	if path := cfg.SnapshotPath(); path != "" {
		entries, err := rdb.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 {
			loaded := make(map[string]storage.Entry, len(entries))
			for _, e := range entries {
				loaded[e.Key] = storage.Entry{Value: e.Value, ExpiresMS: e.ExpiresMS}
			}
			store.BulkLoad(loaded)
			log.WithFields(logrus.Fields{"path": path, "keys": len(entries)}).Info("snapshot loaded")
		}
	}

	var repl *replication.State
	if cfg.IsReplica() {
		repl = replication.NewReplica()
	} else {
		repl = replication.NewPrimary()
	}
	log.WithField("role", repl.Role()).Info("replication role")

	return &Server{
		cfg:          cfg,
		store:        store,
		repl:         repl,
		broadcast:    replication.NewBroadcast(),
		handler:      handler.NewCommandHandler(store, repl, cfg),
		shutdownChan: make(chan struct{}),
		log:          log,
	}, nil
}

// Listen binds the TCP listener.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}
	s.listener = listener
	s.log.WithField("addr", listener.Addr().String()).Info("listening")
	return nil
}

// Port returns the bound port. Valid after Listen.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Serve runs the server until ctx is cancelled or Shutdown is called.
// On a replica it performs the primary handshake first; a handshake
// failure is returned as a fatal error.
func (s *Server) Serve(ctx context.Context) error {
	if s.cfg.IsReplica() {
		if err := s.syncWithPrimary(); err != nil {
			return fmt.Errorf("replica sync: %w", err)
		}
	}

	s.wg.Add(1)
	go s.acceptLoop()

	select {
	case <-ctx.Done():
	case <-s.shutdownChan:
	}
	s.Shutdown()
	return nil
}

// Start is Listen followed by Serve.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		sock, err := s.listener.Accept()
		if err != nil {
			if s.shuttingDown() {
				return
			}
			s.log.WithError(err).Warn("accept failed")
			continue
		}

		metrics.ConnectionsAccepted.Inc()
		s.wg.Add(1)
		go s.serveConn(sock)
	}
}

func (s *Server) serveConn(sock net.Conn) {
	defer s.wg.Done()

	id := s.connIDs.Add(1)
	s.connections.Store(id, sock)
	metrics.ConnectionsActive.Inc()
	defer func() {
		s.connections.Delete(id)
		metrics.ConnectionsActive.Dec()
		sock.Close()
	}()

	s.serveClient(newConn(sock, nil))
}

// serveClient runs one client connection's read/dispatch loop: parse
// as many complete frames as arrive, dispatch each in order, write its
// reply before touching the next. Any parse or protocol failure ends
// just this connection.
func (s *Server) serveClient(c *conn) {
	log := s.log.WithField("peer", c.remoteAddr())

	for {
		f, _, err := c.next()
		if err != nil {
			if err != io.EOF && !s.shuttingDown() {
				log.WithError(err).Warn("closing connection")
			}
			return
		}

		req, err := handler.NewRequest(f)
		if err != nil {
			log.WithError(err).Warn("closing connection")
			return
		}

		if req.Name == "PSYNC" {
			s.serveReplicaWriter(c, log)
			return
		}

		reply := s.handler.Execute(req, true)
		if len(reply) > 0 {
			if err := c.write(reply); err != nil {
				log.WithError(err).Warn("write failed, closing connection")
				return
			}
		}

		s.fanout(req, reply)
	}
}

// fanout republishes a committed write's original frame to every
// replica writer. Only the primary fans out, and only after the
// mutation succeeded.
func (s *Server) fanout(req *handler.Request, reply []byte) {
	if s.repl.Role() != replication.RolePrimary || !handler.IsWriteCommand(req.Name) {
		return
	}
	if len(reply) > 0 && reply[0] == '-' {
		return
	}

	s.broadcast.Publish(req.Raw)
	s.repl.AdvancePrimary(int64(len(req.Raw.Encode())))
	metrics.ReplicatedFrames.Inc()
}

// serveReplicaWriter answers PSYNC: FULLRESYNC, the snapshot payload,
// then every broadcast frame in order until the peer or the server
// goes away. The connection stops reading commands for good.
func (s *Server) serveReplicaWriter(c *conn, log *logrus.Entry) {
	// Subscribe before the resync reply goes out: a write committing
	// between the snapshot transfer and the subscription would
	// otherwise reach neither.
	sub := s.broadcast.Subscribe()
	defer sub.Cancel()

	resync := fmt.Sprintf("FULLRESYNC %s %d", s.repl.ReplicationID(), s.repl.PrimaryOffset())
	if err := c.write(protocol.EncodeSimpleString(resync)); err != nil {
		log.WithError(err).Warn("full resync reply failed")
		return
	}
	if err := c.write(protocol.Snapshot(rdb.EmptySnapshot()).Encode()); err != nil {
		log.WithError(err).Warn("snapshot transfer failed")
		return
	}
	log.Info("replica online")

	for {
		select {
		case f, ok := <-sub.C:
			if !ok {
				log.Warn("replica dropped on broadcast overflow")
				return
			}
			if err := c.write(f.Encode()); err != nil {
				log.WithError(err).Info("replica disconnected")
				return
			}
		case <-s.shutdownChan:
			return
		}
	}
}

func (s *Server) shuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isShutdown
}

// Shutdown stops the listener and every connection, then waits for
// the connection tasks with a grace period. Safe to call more than
// once.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.isShutdown {
		s.mu.Unlock()
		return
	}
	s.isShutdown = true
	s.mu.Unlock()

	close(s.shutdownChan)
	if s.listener != nil {
		s.listener.Close()
	}
	s.connections.Range(func(_, value interface{}) bool {
		if sock, ok := value.(net.Conn); ok {
			sock.Close()
		}
		return true
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("shutdown complete")
	case <-time.After(shutdownGrace):
		s.log.Warn("shutdown grace period expired")
	}
}
