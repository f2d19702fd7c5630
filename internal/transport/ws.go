package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/tidewave/tidewave/internal/session"
)

// sinkDepth is the per-connection output buffer in frames. At a 20 ms
// cadence this absorbs about 2.5 s of consumer backlog before frames drop.
const sinkDepth = 128

// SessionFactory builds a session wired to the given sink. The transport
// owns the sink so it can pump the session's output to the connection.
type SessionFactory func(sink session.Sink) (*session.Session, error)

// Server accepts websocket connections and runs one session per connection.
type Server struct {
	manager *session.Manager
	factory SessionFactory
	log     *slog.Logger
}

// NewServer creates a websocket server that registers its sessions with the
// given manager.
func NewServer(manager *session.Manager, factory SessionFactory, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{manager: manager, factory: factory, log: log}
}

// Handler returns the HTTP handler serving the media endpoint:
//
//	GET /ws — upgrade to websocket; binary messages are audio packets,
//	          text messages are control JSON
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	return mux
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		s.log.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "session ended")

	sink := session.NewChannelSink(sinkDepth)
	sess, err := s.factory(sink)
	if err != nil {
		s.log.Error("session construction failed", "error", err)
		conn.Close(websocket.StatusInternalError, "session unavailable")
		return
	}
	// The manager closes sessions it ran; this covers the rejection paths
	// below where the session never starts. Close is idempotent.
	defer sess.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := s.manager.Add(ctx, sess); err != nil {
		s.log.Warn("session rejected", "session_id", sess.ID(), "error", err)
		conn.Close(websocket.StatusTryAgainLater, "at capacity")
		return
	}
	defer s.manager.Remove(sess.ID())

	s.log.Info("connection established",
		"session_id", sess.ID(), "remote", r.RemoteAddr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx, conn, sess) })
	g.Go(func() error { return s.writeLoop(gctx, conn, sink) })

	err = g.Wait()
	switch {
	case err == nil,
		errors.Is(err, context.Canceled),
		websocket.CloseStatus(err) == websocket.StatusNormalClosure,
		websocket.CloseStatus(err) == websocket.StatusGoingAway:
		s.log.Info("connection closed", "session_id", sess.ID())
		conn.Close(websocket.StatusNormalClosure, "bye")
	default:
		s.log.Warn("connection failed", "session_id", sess.ID(), "error", err)
	}
}

// readLoop feeds inbound messages into the session: binary audio packets to
// Ingest, text control messages to their handlers.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		switch typ {
		case websocket.MessageBinary:
			p, err := ParsePacket(data)
			if err != nil {
				// A malformed packet is the sender's problem, not a reason
				// to kill the stream.
				s.log.Debug("dropping malformed packet",
					"session_id", sess.ID(), "size", len(data))
				continue
			}
			sess.Ingest(p)
		case websocket.MessageText:
			var msg controlMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				s.log.Debug("dropping malformed control message",
					"session_id", sess.ID(), "error", err)
				continue
			}
			if msg.Type == controlAgentSpeaking {
				sess.SetAgentSpeaking(msg.Speaking)
			}
		}
	}
}

// writeLoop pumps the session's output to the connection in the order the
// sink produced it.
func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, sink *session.ChannelSink) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item := <-sink.C:
			switch {
			case item.Frame != nil:
				if err := conn.Write(ctx, websocket.MessageBinary, EncodeFrame(*item.Frame)); err != nil {
					return fmt.Errorf("write frame: %w", err)
				}
			case item.Event != nil:
				data, err := json.Marshal(newEventMessage(*item.Event))
				if err != nil {
					return fmt.Errorf("marshal event: %w", err)
				}
				if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
					return fmt.Errorf("write event: %w", err)
				}
			}
		}
	}
}
