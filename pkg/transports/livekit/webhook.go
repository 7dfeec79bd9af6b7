package livekit

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/webhook"

	"github.com/harunnryd/haven/pkg/errorsx"
	"github.com/harunnryd/haven/pkg/worker"
)

const (
	eventRoomStarted       = "room_started"
	eventParticipantJoined = "participant_joined"
)

type WebhookConfig struct {
	Addr       string `mapstructure:"addr"`
	Path       string `mapstructure:"path"`
	RoomPrefix string `mapstructure:"room_prefix"`
	Identity   string `mapstructure:"identity"`
}

func (c WebhookConfig) withDefaults() WebhookConfig {
	if c.Addr == "" {
		c.Addr = ":8081"
	}
	if c.Path == "" {
		c.Path = "/livekit/webhook"
	}
	if c.Identity == "" {
		c.Identity = "safety-agent"
	}
	return c
}

// WebhookDispatcher turns LiveKit room and participant webhooks into jobs.
type WebhookDispatcher struct {
	cfg    WebhookConfig
	client *Client
	keys   auth.KeyProvider
	log    *slog.Logger
	server *http.Server
	submit worker.SubmitFunc
}

func NewWebhookDispatcher(client *Client, cfg WebhookConfig) *WebhookDispatcher {
	cfg = cfg.withDefaults()
	return &WebhookDispatcher{
		cfg:    cfg,
		client: client,
		keys:   auth.NewSimpleKeyProvider(client.cfg.APIKey, client.cfg.APISecret),
		log:    client.log.With("dispatcher", "livekit_webhook"),
	}
}

func (d *WebhookDispatcher) Name() string { return "livekit_webhook" }

func (d *WebhookDispatcher) ReadyFields() map[string]any {
	return map[string]any{"livekit_webhook": d.cfg.Addr + d.cfg.Path}
}

// Handler routes webhook deliveries to submit.
func (d *WebhookDispatcher) Handler(submit worker.SubmitFunc) http.Handler {
	d.submit = submit
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Post(d.cfg.Path, d.handleWebhook)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

func (d *WebhookDispatcher) Run(ctx context.Context, submit worker.SubmitFunc) error {
	d.server = &http.Server{
		Addr:              d.cfg.Addr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           d.Handler(submit),
	}
	go func() {
		<-ctx.Done()
		_ = d.server.Close()
	}()
	d.log.Info("listening for webhooks", "addr", d.cfg.Addr, "path", d.cfg.Path)
	if err := d.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (d *WebhookDispatcher) handleWebhook(w http.ResponseWriter, r *http.Request) {
	event, err := webhook.ReceiveWebhookEvent(r, d.keys)
	if err != nil {
		d.log.Warn("webhook rejected", "error", err, "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	room, ok := d.roomFor(event)
	if !ok {
		w.WriteHeader(http.StatusOK)
		return
	}
	err = d.submit(worker.JobRequest{
		Room:      room,
		Identity:  d.cfg.Identity,
		Source:    worker.SourceLiveKit,
		Connector: d.client.Connector(room, d.cfg.Identity),
		Meta:      map[string]string{"event": event.GetEvent(), "event_id": event.GetId()},
	})
	switch {
	case err == nil:
		d.log.Info("job dispatched", "room", room, "event", event.GetEvent())
	case errorsx.HasReason(err, errorsx.ReasonJobDuplicate):
		d.log.Debug("room already has an agent", "room", room)
	case errors.Is(err, worker.ErrDraining):
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	default:
		d.log.Error("dispatch failed", "room", room, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// roomFor picks the room an event should start an agent in. Only a user
// joining or a room starting dispatches; agents joining never do.
func (d *WebhookDispatcher) roomFor(event *livekit.WebhookEvent) (string, bool) {
	name := event.GetRoom().GetName()
	if name == "" || !strings.HasPrefix(name, d.cfg.RoomPrefix) {
		return "", false
	}
	switch event.GetEvent() {
	case eventRoomStarted:
		return name, true
	case eventParticipantJoined:
		p := event.GetParticipant()
		if p.GetKind() == livekit.ParticipantInfo_AGENT || p.GetIdentity() == d.cfg.Identity {
			return "", false
		}
		return name, true
	default:
		return "", false
	}
}
