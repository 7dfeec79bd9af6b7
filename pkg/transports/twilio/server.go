package twilio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	twilioclient "github.com/twilio/twilio-go/client"

	"github.com/harunnryd/haven/pkg/errorsx"
	"github.com/harunnryd/haven/pkg/logging"
	"github.com/harunnryd/haven/pkg/redact"
	"github.com/harunnryd/haven/pkg/transports"
	"github.com/harunnryd/haven/pkg/worker"
)

type Config struct {
	ServerAddr         string   `mapstructure:"server_addr"`
	PublicURL          string   `mapstructure:"public_url"`
	AuthToken          string   `mapstructure:"auth_token"`
	AccountSID         string   `mapstructure:"account_sid"`
	FromNumber         string   `mapstructure:"from_number"`
	VoicePath          string   `mapstructure:"voice_path"`
	WebsocketPath      string   `mapstructure:"ws_path"`
	StatusCallbackPath string   `mapstructure:"status_callback_path"`
	ValidateSignature  bool     `mapstructure:"validate_signature"`
	AllowAnyOrigin     bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
	Identity           string   `mapstructure:"identity"`

	Logger *slog.Logger `mapstructure:"-"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/voice"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/ws"
	}
	if c.StatusCallbackPath == "" {
		c.StatusCallbackPath = "/status"
	}
	if c.Identity == "" {
		c.Identity = "safety-agent"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// RoomName is the job room for a phone call.
func RoomName(callSID string) string { return "call-" + callSID }

// Server accepts Twilio Media Streams and turns each call into a job.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
	log      *slog.Logger

	mu     sync.Mutex
	rooms  map[string]*callRoom
	submit worker.SubmitFunc

	draining atomic.Bool
}

func NewServer(cfg Config) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		log:   logging.NewComponentLogger(cfg.Logger, "twilio"),
		rooms: make(map[string]*callRoom),
	}
	s.upgrader.CheckOrigin = s.checkOrigin
	return s
}

func (s *Server) Name() string { return "twilio" }

func (s *Server) ReadyFields() map[string]any {
	return map[string]any{
		"webhook_url":         s.voiceWebhookURL(),
		"status_callback_url": s.statusCallbackURL(),
	}
}

// Handler returns the HTTP routes. Calls that start are handed to submit.
func (s *Server) Handler(submit worker.SubmitFunc) http.Handler {
	s.mu.Lock()
	s.submit = submit
	s.mu.Unlock()
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Post(s.cfg.VoicePath, s.handleVoice)
	r.Get(s.cfg.WebsocketPath, s.handleStream)
	r.Post(s.cfg.StatusCallbackPath, s.handleStatusCallback)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

func (s *Server) Run(ctx context.Context, submit worker.SubmitFunc) error {
	server := &http.Server{
		Addr:              s.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           s.Handler(submit),
	}
	go func() {
		<-ctx.Done()
		s.draining.Store(true)
		_ = server.Close()
		s.closeAll()
	}()
	s.log.Info("listening for calls", "addr", s.cfg.ServerAddr, "voice_webhook", s.voiceWebhookURL())
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) closeAll() {
	s.mu.Lock()
	rooms := make([]*callRoom, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.mu.Unlock()
	for _, r := range rooms {
		r.shutdown("server_closed")
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var room *callRoom
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		evt, err := parseEvent(msg)
		if err != nil {
			continue
		}
		switch evt.Event {
		case "start":
			if evt.Start == nil || room != nil {
				continue
			}
			room = newCallRoom(evt.Start, conn, s.log)
			if !s.startCall(room) {
				return
			}
		case "media":
			if room != nil && evt.Media != nil {
				room.receive(evt.Media.Payload)
			}
		case "stop":
			if room != nil {
				room.shutdown("completed")
			}
			return
		}
	}
	if room != nil {
		room.shutdown("transport_closed")
	}
}

func (s *Server) startCall(room *callRoom) bool {
	s.mu.Lock()
	submit := s.submit
	if old := s.rooms[room.callSID]; old != nil {
		s.mu.Unlock()
		old.shutdown("reconnected")
		s.mu.Lock()
	}
	s.rooms[room.callSID] = room
	s.mu.Unlock()
	room.mu.Lock()
	room.onClose = func() { s.forget(room) }
	room.mu.Unlock()

	s.log.Info("call started", "call_sid", room.callSID, "from", redact.Phone(room.from))
	if submit == nil {
		room.shutdown("no_dispatcher")
		return false
	}
	err := submit(worker.JobRequest{
		Room:      room.Name(),
		Identity:  s.cfg.Identity,
		Source:    worker.SourceTwilio,
		Connector: room,
		Meta:      map[string]string{"call_sid": room.callSID, "stream_sid": room.streamSID},
	})
	if err != nil {
		s.log.Warn("call refused", "call_sid", room.callSID, "error", err, "reason", errorsx.Reason(err))
		room.shutdown("refused")
		return false
	}
	return true
}

func (s *Server) forget(room *callRoom) {
	s.mu.Lock()
	if s.rooms[room.callSID] == room {
		delete(s.rooms, room.callSID)
	}
	s.mu.Unlock()
}

func (s *Server) room(callSID string) *callRoom {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms[callSID]
}

func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	if s.cfg.ValidateSignature && !s.validateTwilioRequest(r) {
		s.log.Warn("invalid signature", "path", r.URL.Path, "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	twiml := `<Response><Connect><Stream url="` + xmlEscape(s.websocketURL(r)) + `"/></Connect></Response>`
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(twiml))
}

func (s *Server) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if s.cfg.ValidateSignature && !s.validateTwilioRequest(r) {
		s.log.Warn("invalid signature", "path", r.URL.Path, "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	callSID := r.FormValue("CallSid")
	status := r.FormValue("CallStatus")
	s.log.Info("call status", "call_sid", callSID, "status", status)
	if reason := normalizeCallEndReason(status); reason != "" && callSID != "" {
		if room := s.room(callSID); room != nil {
			room.shutdown(reason)
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) websocketURL(r *http.Request) string {
	if s.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(s.cfg.PublicURL) + s.cfg.WebsocketPath
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(s.cfg.ServerAddr, ":")
	}
	return "wss://" + host + s.cfg.WebsocketPath
}

func (s *Server) voiceWebhookURL() string { return publicURL(s.cfg, s.cfg.VoicePath) }

func (s *Server) statusCallbackURL() string { return publicURL(s.cfg, s.cfg.StatusCallbackPath) }

func publicURL(cfg Config, path string) string {
	if cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(cfg.PublicURL) + path
	}
	addr := cfg.ServerAddr
	if addr == "" {
		addr = ":8080"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + path
}

func (s *Server) validateTwilioRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" || s.cfg.AuthToken == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(s.cfg.AuthToken)
	return validator.ValidateBody(s.requestURL(r), body, signature)
}

func (s *Server) requestURL(r *http.Request) string {
	if s.cfg.PublicURL != "" {
		return strings.TrimRight(s.cfg.PublicURL, "/") + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(s.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimRight(strings.TrimSpace(r.Header.Get("Origin")), "/")
	if origin == "" {
		return true
	}
	originHost := strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
	for _, allowed := range s.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

func xmlEscape(in string) string {
	return strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	).Replace(in)
}

// normalizeCallEndReason maps a Twilio call status to an end reason. Statuses
// of a live call map to "".
func normalizeCallEndReason(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "queued", "ringing", "in-progress", "inprogress", "initiated":
		return ""
	case "completed", "hangup":
		return "completed"
	case "busy":
		return "busy"
	case "no-answer", "no_answer", "noanswer":
		return "no_answer"
	case "failed", "canceled", "cancelled":
		return "failed"
	default:
		return "unknown"
	}
}

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}

var _ worker.Dispatcher = (*Server)(nil)
var _ transports.ReadyReporter = (*Server)(nil)
