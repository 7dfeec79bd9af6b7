package livekit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	media "github.com/livekit/media-sdk"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	lkmedia "github.com/livekit/server-sdk-go/v2/pkg/media"
	"github.com/pion/webrtc/v4"

	"github.com/harunnryd/haven/pkg/audio"
	"github.com/harunnryd/haven/pkg/frames"
	"github.com/harunnryd/haven/pkg/logging"
	"github.com/harunnryd/haven/pkg/transports"
)

type Config struct {
	URL       string
	APIKey    string
	APISecret string
	// InputRate is the rate remote audio is decoded to.
	InputRate int
	// OutputRate is the rate of the published agent track. Frames at other
	// rates are resampled.
	OutputRate int
	TrackName  string
	Metadata   string
	Logger     *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.InputRate == 0 {
		c.InputRate = 16000
	}
	if c.OutputRate == 0 {
		c.OutputRate = 24000
	}
	if c.TrackName == "" {
		c.TrackName = "agent-voice"
	}
	return c
}

func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("livekit url is required")
	}
	if c.APIKey == "" || c.APISecret == "" {
		return errors.New("livekit api key and secret are required")
	}
	return nil
}

// Client joins LiveKit rooms as an agent participant.
type Client struct {
	cfg Config
	log *slog.Logger
}

func NewClient(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{cfg: cfg, log: logging.NewComponentLogger(cfg.Logger, "livekit")}, nil
}

func (c *Client) Tokens() *Tokens {
	return &Tokens{APIKey: c.cfg.APIKey, APISecret: c.cfg.APISecret}
}

// Connector returns a connector that joins room under identity.
func (c *Client) Connector(room, identity string) transports.Connector {
	return transports.ConnectorFunc(func(ctx context.Context, mode transports.AutoSubscribe) (transports.Room, error) {
		return c.connect(ctx, room, identity, mode)
	})
}

func (c *Client) connect(ctx context.Context, name, identity string, mode transports.AutoSubscribe) (transports.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r := newRoom(name, mode, c.cfg, c.log.With("room", name))
	info := lksdk.ConnectInfo{
		APIKey:              c.cfg.APIKey,
		APISecret:           c.cfg.APISecret,
		RoomName:            name,
		ParticipantIdentity: identity,
		ParticipantName:     identity,
		ParticipantKind:     lksdk.ParticipantAgent,
		ParticipantMetadata: c.cfg.Metadata,
	}

	type result struct {
		room *lksdk.Room
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		lk, err := lksdk.ConnectToRoom(c.cfg.URL, info, r.callback(), lksdk.WithAutoSubscribe(false))
		resCh <- result{lk, err}
	}()
	var res result
	select {
	case res = <-resCh:
	case <-ctx.Done():
		go func() {
			if late := <-resCh; late.room != nil {
				late.room.Disconnect()
			}
		}()
		return nil, ctx.Err()
	}
	if res.err != nil {
		return nil, fmt.Errorf("join room %s: %w", name, res.err)
	}
	if err := r.attach(res.room); err != nil {
		res.room.Disconnect()
		return nil, err
	}
	r.log.Info("joined room", "identity", identity, "auto_subscribe", mode.String())
	return r, nil
}

// Room is a joined LiveKit room. Remote microphone audio is decoded to PCM16
// and merged into one stream; agent speech goes out on a single PCM track.
type Room struct {
	name string
	mode transports.AutoSubscribe
	cfg  Config
	log  *slog.Logger

	audioCh chan frames.AudioFrame
	done    chan struct{}
	pts     *frames.PTSGen

	mu      sync.Mutex
	lk      *lksdk.Room
	track   *lkmedia.PCMLocalTrack
	remotes map[string]*lkmedia.PCMRemoteTrack
	closed  bool
}

func newRoom(name string, mode transports.AutoSubscribe, cfg Config, log *slog.Logger) *Room {
	return &Room{
		name:    name,
		mode:    mode,
		cfg:     cfg,
		log:     log,
		audioCh: make(chan frames.AudioFrame, 256),
		done:    make(chan struct{}),
		pts:     frames.NewPTSGen(),
		remotes: make(map[string]*lkmedia.PCMRemoteTrack),
	}
}

func (r *Room) callback() *lksdk.RoomCallback {
	return &lksdk.RoomCallback{
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackPublished: func(pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				r.maybeSubscribe(pub, rp)
			},
			OnTrackSubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				r.handleTrack(track, pub, rp)
			},
			OnTrackUnsubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				r.dropTrack(pub.SID())
			},
		},
		OnParticipantConnected: func(rp *lksdk.RemoteParticipant) {
			r.log.Info("participant joined", "participant", rp.Identity())
		},
		OnParticipantDisconnected: func(rp *lksdk.RemoteParticipant) {
			r.log.Info("participant left", "participant", rp.Identity())
		},
		OnReconnecting: func() {
			r.log.Warn("connection lost, reconnecting")
		},
		OnReconnected: func() {
			r.log.Info("reconnected")
		},
		OnDisconnected: func() {
			r.log.Info("disconnected from room")
			r.shutdown()
		},
	}
}

func (r *Room) attach(lk *lksdk.Room) error {
	track, err := lkmedia.NewPCMLocalTrack(r.cfg.OutputRate, 1, nil)
	if err != nil {
		return fmt.Errorf("create agent track: %w", err)
	}
	if _, err := lk.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{
		Name:   r.cfg.TrackName,
		Source: livekit.TrackSource_MICROPHONE,
	}); err != nil {
		track.Close()
		return fmt.Errorf("publish agent track: %w", err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		track.Close()
		return transports.ErrRoomClosed
	}
	r.lk = lk
	r.track = track
	r.mu.Unlock()

	// Tracks published before we joined never fire OnTrackPublished.
	for _, rp := range lk.GetRemoteParticipants() {
		for _, pub := range rp.TrackPublications() {
			if remote, ok := pub.(*lksdk.RemoteTrackPublication); ok {
				r.maybeSubscribe(remote, rp)
			}
		}
	}
	return nil
}

func (r *Room) maybeSubscribe(pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	if !wants(r.mode, pub.Kind(), pub.Source()) {
		return
	}
	if err := pub.SetSubscribed(true); err != nil {
		r.log.Warn("subscribe failed", "participant", rp.Identity(), "track", pub.SID(), "error", err)
		return
	}
	r.log.Debug("subscribed", "participant", rp.Identity(), "track", pub.SID(), "kind", string(pub.Kind()))
}

// wants reports whether a publication matches the subscribe mode. Only
// microphone audio is used as user speech.
func wants(mode transports.AutoSubscribe, kind lksdk.TrackKind, source livekit.TrackSource) bool {
	switch kind {
	case lksdk.TrackKindAudio:
		return mode.WantsAudio() && (source == livekit.TrackSource_MICROPHONE || source == livekit.TrackSource_UNKNOWN)
	case lksdk.TrackKindVideo:
		return mode.WantsVideo()
	default:
		return false
	}
}

func (r *Room) handleTrack(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	var writer media.PCM16Writer = newPCMWriter(r, rp.Identity())
	remote, err := lkmedia.NewPCMRemoteTrack(track, writer, lkmedia.WithTargetSampleRate(r.cfg.InputRate))
	if err != nil {
		r.log.Error("decode remote track failed", "participant", rp.Identity(), "error", err)
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		remote.Close()
		return
	}
	if old, ok := r.remotes[pub.SID()]; ok {
		old.Close()
	}
	r.remotes[pub.SID()] = remote
	r.mu.Unlock()
	r.log.Info("receiving audio", "participant", rp.Identity(), "codec", track.Codec().MimeType)
}

func (r *Room) dropTrack(sid string) {
	r.mu.Lock()
	remote, ok := r.remotes[sid]
	delete(r.remotes, sid)
	r.mu.Unlock()
	if ok {
		remote.Close()
	}
}

// deliver hands a decoded frame to the consumer. A full buffer drops the
// frame rather than stall the decoder.
func (r *Room) deliver(f frames.AudioFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.audioCh <- f:
	default:
		r.log.Warn("inbound audio buffer full, dropping frame")
	}
}

func (r *Room) Name() string { return r.name }

func (r *Room) Audio() <-chan frames.AudioFrame { return r.audioCh }

func (r *Room) Done() <-chan struct{} { return r.done }

func (r *Room) PublishAudio(f frames.AudioFrame) error {
	r.mu.Lock()
	track, closed := r.track, r.closed
	r.mu.Unlock()
	if closed {
		return transports.ErrRoomClosed
	}
	if track == nil {
		return errors.New("agent track not published")
	}
	payload := f.RawPayload()
	if f.Rate() != 0 && f.Rate() != r.cfg.OutputRate {
		payload = audio.ResampleBytes(payload, f.Rate(), r.cfg.OutputRate)
	}
	return track.WriteSample(media.PCM16Sample(audio.BytesToInt16(payload)))
}

func (r *Room) ClearAudio() error {
	r.mu.Lock()
	track := r.track
	r.mu.Unlock()
	if track != nil {
		track.ClearQueue()
	}
	return nil
}

func (r *Room) Disconnect() error {
	r.mu.Lock()
	lk := r.lk
	r.mu.Unlock()
	if lk != nil {
		lk.Disconnect()
	}
	r.shutdown()
	return nil
}

func (r *Room) shutdown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	remotes := r.remotes
	r.remotes = nil
	track := r.track
	close(r.audioCh)
	r.mu.Unlock()

	for _, remote := range remotes {
		remote.Close()
	}
	if track != nil {
		track.Close()
	}
	close(r.done)
}

// pcmWriter receives decoded samples for one participant.
type pcmWriter struct {
	room     *Room
	identity string
	rate     int
	started  time.Time
}

func newPCMWriter(room *Room, identity string) *pcmWriter {
	return &pcmWriter{room: room, identity: identity, rate: room.cfg.InputRate, started: time.Now()}
}

func (w *pcmWriter) String() string { return "haven-pcm:" + w.identity }

func (w *pcmWriter) SampleRate() int { return w.rate }

func (w *pcmWriter) WriteSample(sample media.PCM16Sample) error {
	if len(sample) == 0 {
		return nil
	}
	meta := map[string]string{frames.MetaSource: "livekit", frames.MetaParticipant: w.identity}
	d := time.Duration(len(sample)) * time.Second / time.Duration(w.rate)
	w.room.deliver(frames.NewAudioFrame(w.identity, w.room.pts.Advance(w.identity, d), audio.Int16ToBytes([]int16(sample)), w.rate, 1, meta))
	return nil
}

func (w *pcmWriter) Close() error {
	w.room.log.Debug("remote audio ended", "participant", w.identity, "duration", time.Since(w.started))
	return nil
}

var _ transports.Room = (*Room)(nil)
