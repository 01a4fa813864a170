package server

import (
	"fmt"
	"io"

	"minidis/internal/handler"
	"minidis/internal/rdb"
	"minidis/internal/replication"
	"minidis/internal/storage"
)

// syncWithPrimary runs the replication handshake, hydrates the
// keyspace from the snapshot transfer, and hands the retained
// connection to the inbound stream loop.
func (s *Server) syncWithPrimary() error {
	addr, err := s.cfg.PrimaryAddr()
	if err != nil {
		return err
	}

	result, err := replication.Handshake(addr, s.cfg.Port)
	if err != nil {
		return err
	}

	entries, err := rdb.Parse(result.Snapshot)
	if err != nil {
		result.Conn.Close()
		return fmt.Errorf("initial snapshot: %w", err)
	}
	if len(entries) > 0 {
		loaded := make(map[string]storage.Entry, len(entries))
		for _, e := range entries {
			loaded[e.Key] = storage.Entry{Value: e.Value, ExpiresMS: e.ExpiresMS}
		}
		s.store.BulkLoad(loaded)
	}
	s.log.WithFields(map[string]interface{}{
		"primary": addr,
		"keys":    len(entries),
	}).Info("initial sync complete")

	id := s.connIDs.Add(1)
	s.connections.Store(id, result.Conn)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.connections.Delete(id)
			result.Conn.Close()
		}()
		s.serveReplicaLink(newConn(result.Conn, result.Residual))
	}()
	return nil
}

// serveReplicaLink applies the primary's command stream in receive
// order with replies suppressed, advancing the replica offset by the
// exact byte length of each consumed frame. REPLCONF GETACK is the
// one command answered on this link, and its reply carries the offset
// as of before the GETACK frame itself.
func (s *Server) serveReplicaLink(c *conn) {
	log := s.log.WithField("link", "primary")

	for {
		f, consumed, err := c.next()
		if err != nil {
			if err == io.EOF || s.shuttingDown() {
				log.Info("primary link closed")
			} else {
				log.WithError(err).Warn("primary link failed")
			}
			return
		}

		req, err := handler.NewRequest(f)
		if err != nil {
			log.WithError(err).Warn("dropping primary link")
			return
		}

		reply := s.handler.Execute(req, false)
		if len(reply) > 0 {
			if err := c.write(reply); err != nil {
				log.WithError(err).Warn("ack write failed")
				return
			}
		}

		s.repl.AdvanceReplica(int64(consumed))
	}
}
