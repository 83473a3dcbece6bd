// Package server exposes the review WebSocket endpoints plus the
// operational HTTP surface (health, readiness, metrics).
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mnemovox/mnemovox/internal/backend"
	"github.com/mnemovox/mnemovox/internal/config"
	"github.com/mnemovox/mnemovox/internal/health"
	"github.com/mnemovox/mnemovox/internal/history"
	"github.com/mnemovox/mnemovox/internal/observe"
	"github.com/mnemovox/mnemovox/internal/pipeline"
	"github.com/mnemovox/mnemovox/internal/protocol"
	"github.com/mnemovox/mnemovox/internal/session"
	"github.com/mnemovox/mnemovox/pkg/provider/vad"
)

const (
	// writeTimeout bounds each outbound WebSocket frame.
	writeTimeout = 10 * time.Second

	// shutdownTimeout bounds graceful HTTP shutdown.
	shutdownTimeout = 10 * time.Second

	// pingInterval is how often each connection is pinged. Inference keeps
	// the read loop busy for seconds at a time, so pings run on their own
	// goroutine.
	pingInterval = 20 * time.Second

	// defaultHistoryLimit caps GET /api/history when no limit is given.
	defaultHistoryLimit = 20
)

// Config assembles a Server.
type Config struct {
	// Cfg is the loaded application configuration. Required.
	Cfg *config.Config

	// Pipeline supplies the assembled providers and stores. Required.
	Pipeline *pipeline.Pipeline

	Logger  *slog.Logger
	Metrics *observe.Metrics

	// Version is reported by the health endpoints.
	Version string

	// AllowedOrigins are WebSocket origin patterns passed to the upgrade
	// handshake. Empty restricts upgrades to same-origin requests.
	AllowedOrigins []string
}

// Server serves the review WebSocket and operational endpoints.
type Server struct {
	cfg  Config
	log  *slog.Logger
	met  *observe.Metrics
	http *http.Server
}

// New builds the server and its routes. Call [Server.Run] to serve.
func New(cfg Config) (*Server, error) {
	if cfg.Cfg == nil || cfg.Pipeline == nil {
		return nil, errors.New("server: Cfg and Pipeline are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	s := &Server{
		cfg: cfg,
		log: cfg.Logger,
		met: cfg.Metrics,
	}

	mux := http.NewServeMux()
	health.New(cfg.Version, cfg.Pipeline.Checkers()...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/decks", s.handleDecks)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /ws/review", s.handleReview(false))
	mux.HandleFunc("GET /ws/review/stream", s.handleReview(true))

	s.http = &http.Server{
		Addr:    cfg.Cfg.Server.ListenAddr,
		Handler: observe.Middleware(cfg.Metrics, cfg.Logger)(mux),
	}
	return s, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.log.Info("server listening", "addr", s.http.Addr)
		var err error
		if tls := s.cfg.Cfg.Server.TLS; tls != nil {
			err = s.http.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = s.http.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("server: listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// handleReview upgrades the connection and runs one session over it. The
// streaming variant closes answer turns from detector silence instead of
// waiting for end_audio messages.
func (s *Server) handleReview(streaming bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: s.cfg.AllowedOrigins,
		})
		if err != nil {
			s.log.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
			return
		}
		defer conn.Close(websocket.StatusInternalError, "session aborted")

		cfg := s.cfg.Cfg
		maxBuffer := cfg.Audio.MaxBufferBytes
		// Leave headroom for frame overhead beyond the audio buffer cap.
		conn.SetReadLimit(int64(maxBuffer) + 4096)

		// Detectors carry hysteresis per stream: one instance for the
		// vad_status probes, a second for streaming turn detection.
		detector, err := s.cfg.Pipeline.NewDetector()
		if err != nil {
			s.log.Error("failed to create detector", "error", err)
			conn.Close(websocket.StatusInternalError, "session setup failed")
			return
		}
		var turnDetector vad.Detector
		if streaming {
			if turnDetector, err = s.cfg.Pipeline.NewDetector(); err != nil {
				s.log.Error("failed to create detector", "error", err)
				conn.Close(websocket.StatusInternalError, "session setup failed")
				return
			}
		}

		sender := &wsSender{conn: conn}
		sess, err := session.New(session.Config{
			Send:           sender,
			Cards:          s.cfg.Pipeline.Backend,
			Transcriber:    s.cfg.Pipeline.Transcriber,
			Synthesizer:    s.cfg.Pipeline.Synthesizer,
			Generator:      s.cfg.Pipeline.Generator,
			Detector:       detector,
			TurnDetector:   turnDetector,
			History:        s.cfg.Pipeline.History,
			Metrics:        s.met,
			Logger:         s.log,
			DefaultMode:    session.ParseMode(string(cfg.Session.DefaultMode), session.ModeOral),
			CardLimit:      cfg.Session.CardLimit,
			SampleRate:     cfg.Audio.SampleRate,
			Language:       cfg.Session.Language,
			MaxBuffer:      maxBuffer,
			Streaming:      streaming,
			SilenceCeiling: time.Duration(cfg.Audio.SilenceCeilingMs) * time.Millisecond,
			MinSpeech:      time.Duration(cfg.Audio.MinSpeechMs) * time.Millisecond,
		})
		if err != nil {
			s.log.Error("failed to create session", "error", err)
			conn.Close(websocket.StatusInternalError, "session setup failed")
			return
		}

		s.log.Info("connection opened",
			"session_id", sess.ID(),
			"remote", r.RemoteAddr,
			"streaming", streaming,
		)
		s.serveSession(r.Context(), conn, sender, sess)
	}
}

// serveSession runs the read loop until the client disconnects, delivery
// fails, or the session reaches a terminal state.
func (s *Server) serveSession(ctx context.Context, conn *websocket.Conn, sender *wsSender, sess *session.Session) {
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		sess.Close(closeCtx)
		conn.Close(websocket.StatusNormalClosure, "")
		s.log.Info("connection closed", "session_id", sess.ID())
	}()

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go keepalive(pingCtx, conn, pingInterval)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || ctx.Err() != nil {
				return
			}
			s.log.Warn("read failed", "session_id", sess.ID(), "error", err)
			return
		}

		if typ == websocket.MessageBinary {
			err = sess.HandleAudio(ctx, data)
		} else {
			err = s.dispatch(ctx, sender, sess, data)
		}
		if err != nil {
			s.log.Warn("session aborted", "session_id", sess.ID(), "error", err)
			return
		}
		if sess.Ended() {
			return
		}
	}
}

// keepalive pings the peer at interval until ctx is cancelled or a ping goes
// unanswered. The read loop blocks on inference for seconds at a time, so
// control frames need their own goroutine.
func keepalive(ctx context.Context, conn *websocket.Conn, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// dispatch decodes one text frame and hands it to the session. Malformed
// and unknown messages are reported to the client and absorbed.
func (s *Server) dispatch(ctx context.Context, sender *wsSender, sess *session.Session, data []byte) error {
	msg, err := protocol.DecodeInbound(data)
	if err != nil {
		reason := "invalid message"
		if errors.Is(err, protocol.ErrUnknownType) {
			reason = "unknown message type"
		}
		s.log.Warn("rejected message", "session_id", sess.ID(), "error", err)
		return sender.Send(ctx, protocol.NewError(reason))
	}
	return sess.Handle(ctx, msg)
}

// handleDecks proxies the card source's deck list so clients can offer a
// deck picker before start_session.
func (s *Server) handleDecks(w http.ResponseWriter, r *http.Request) {
	decks, err := s.cfg.Pipeline.Backend.Decks(r.Context())
	if err != nil {
		s.log.Warn("deck listing failed", "error", err)
		http.Error(w, "card source unavailable", http.StatusBadGateway)
		return
	}
	if decks == nil {
		decks = []backend.Deck{}
	}
	writeJSON(w, map[string]any{"decks": decks})
}

// handleHistory returns recent session summaries, newest first.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	sums, err := s.cfg.Pipeline.History.Recent(r.Context(), limit)
	if err != nil {
		s.log.Warn("history listing failed", "error", err)
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	if sums == nil {
		sums = []history.Summary{}
	}
	writeJSON(w, map[string]any{"sessions": sums})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

// wsSender delivers session messages as JSON text frames.
type wsSender struct {
	conn *websocket.Conn
}

func (w *wsSender) Send(ctx context.Context, msg any) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, w.conn, msg)
}

var _ session.Sender = (*wsSender)(nil)
