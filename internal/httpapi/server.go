package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/ent0n29/gradescanner/internal/config"
	"github.com/ent0n29/gradescanner/internal/observability"
	"github.com/ent0n29/gradescanner/internal/protocol"
	"github.com/ent0n29/gradescanner/internal/roster"
	"github.com/ent0n29/gradescanner/internal/scan"
	"github.com/ent0n29/gradescanner/internal/session"
	"github.com/ent0n29/gradescanner/internal/workflow"
)

// Scanner is the scan pipeline as seen by the transport.
type Scanner interface {
	Open(kioskID string) (*session.Session, workflow.Snapshot)
	State(sessionID string) (*session.Session, protocol.SessionSnapshot, error)
	ApplyIntent(ctx context.Context, sessionID, action string, value int) (workflow.Result, error)
	RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error
	CaptureInterval() time.Duration
	Roster() *roster.Roster
}

// Info describes how the pipeline was assembled, for readiness and setup
// reporting.
type Info struct {
	RecognizerMode string
	RosterSource   string
}

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	scanner  Scanner
	metrics  *observability.Metrics
	info     Info
	log      *logrus.Entry
	upgrader websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, scanner Scanner, metrics *observability.Metrics, info Info, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		scanner:  scanner,
		metrics:  metrics,
		info:     info,
		log:      log.WithField("component", "httpapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only the kiosk page served from the same origin may drive
				// the camera session unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.log))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/roster", s.handleRoster)
	r.Get("/v1/setup/status", s.handleSetupStatus)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Route("/v1/scan/session", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Get("/ws", s.handleSessionWS)
		r.Get("/{id}", s.handleGetSession)
		r.Post("/{id}/intents", s.handleIntent)
		r.Post("/{id}/end", s.handleEndSession)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.scanner == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"recognizer_mode": s.info.RecognizerMode,
		"roster_source":   s.info.RosterSource,
		"roster_size":     s.scanner.Roster().Len(),
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleRoster(w http.ResponseWriter, _ *http.Request) {
	if s.scanner == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "scanner not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"users": s.scanner.Roster().Users()})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if s.scanner == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "scanner not configured")
		return
	}
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.KioskID = strings.TrimSpace(req.KioskID)
	if req.KioskID == "" {
		req.KioskID = "default"
	}

	sess, snap := s.scanner.Open(req.KioskID)
	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:         sess.ID,
		KioskID:           sess.KioskID,
		Status:            sess.Status,
		StartedAt:         sess.StartedAt,
		LastActivityAt:    sess.LastActivityAt,
		InactivityTTLMS:   s.sessions.InactivityTimeout().Milliseconds(),
		CaptureIntervalMS: s.scanner.CaptureInterval().Milliseconds(),
		Snapshot:          scan.ToProtocol(sess.ID, snap),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if s.scanner == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "scanner not configured")
		return
	}
	sess, snap, err := s.scanner.State(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, session.StateResponse{Session: sess, Snapshot: snap})
}

func (s *Server) handleIntent(w http.ResponseWriter, r *http.Request) {
	if s.scanner == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "scanner not configured")
		return
	}
	id := chi.URLParam(r, "id")
	var req session.IntentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.Action = strings.TrimSpace(req.Action)
	if !protocol.IsIntentAction(req.Action) {
		respondError(w, http.StatusBadRequest, "invalid_action", "unknown intent action "+req.Action)
		return
	}

	res, err := s.scanner.ApplyIntent(r.Context(), id, req.Action, req.Value)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrNotFound):
		respondError(w, http.StatusNotFound, "session_not_active", err.Error())
		return
	default:
		respondError(w, http.StatusInternalServerError, "intent_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, session.IntentResponse{
		Outcome:  string(res.Outcome),
		Snapshot: scan.ToProtocol(id, res.Snapshot),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(id, session.EndReasonClient)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if s.scanner == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "scanner not configured")
		return
	}

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if sess.Status != session.StatusActive {
		respondError(w, http.StatusGone, "session_ended", "session has ended")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.countSessionEvent("ws_connected")
	log := s.log.WithField("session_id", sessionID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 64)
	outbound := make(chan any, 64)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		// The pipeline ending (session ended or replaced) closes the socket.
		defer cancel()
		if err := s.scanner.RunConnection(ctx, sess, inbound, outbound); err != nil {
			log.WithError(err).Warn("scan connection ended with error")
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				s.drainOutbound(conn, outbound)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				_ = conn.Close()
				return
			case msg := <-outbound:
				if err := s.writeMessage(conn, msg); err != nil {
					s.countSessionEvent("ws_write_error")
					cancel()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(4 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			errEvent := protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Retryable: false,
				Detail:    err.Error(),
			}
			select {
			case outbound <- errEvent:
				s.metrics.ObserveOutboundMessage(string(protocol.TypeErrorEvent), "queued")
			default:
				// Keep websocket writes single-threaded; drop if outbound queue is saturated.
				s.metrics.ObserveOutboundMessage(string(protocol.TypeErrorEvent), "drop_full")
			}
			continue
		}
		if !belongsTo(parsed, sessionID) {
			continue
		}

		if t, ok := messageTypeOf(parsed); ok {
			s.countWSMessage("inbound", t)
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	s.countSessionEvent("ws_disconnected")
}

// drainOutbound flushes messages queued before the connection was torn down,
// such as the final session_ended event.
func (s *Server) drainOutbound(conn *websocket.Conn, outbound <-chan any) {
	for {
		select {
		case msg := <-outbound:
			if err := s.writeMessage(conn, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Server) writeMessage(conn *websocket.Conn, msg any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(msg); err != nil {
		return err
	}
	if t, ok := messageTypeOf(msg); ok {
		s.countWSMessage("outbound", t)
	}
	return nil
}

func (s *Server) countSessionEvent(event string) {
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues(event).Inc()
	}
}

func (s *Server) countWSMessage(direction string, t protocol.MessageType) {
	if s.metrics != nil {
		s.metrics.WSMessages.WithLabelValues(direction, string(t)).Inc()
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func belongsTo(msg any, sessionID string) bool {
	switch m := msg.(type) {
	case protocol.ClientFrame:
		return m.SessionID == sessionID
	case protocol.ClientIntent:
		return m.SessionID == sessionID
	default:
		return false
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientFrame:
		return m.Type, true
	case protocol.ClientIntent:
		return m.Type, true
	case protocol.SessionSnapshot:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
