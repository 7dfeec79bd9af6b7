package transports

import (
	"context"
	"errors"

	"github.com/harunnryd/haven/pkg/frames"
)

var ErrRoomClosed = errors.New("room closed")

// AutoSubscribe selects which remote tracks a room subscribes to on join.
type AutoSubscribe int

const (
	SubscribeAll AutoSubscribe = iota
	SubscribeNone
	SubscribeAudioOnly
	SubscribeVideoOnly
)

func (a AutoSubscribe) String() string {
	switch a {
	case SubscribeAll:
		return "subscribe_all"
	case SubscribeNone:
		return "subscribe_none"
	case SubscribeAudioOnly:
		return "audio_only"
	case SubscribeVideoOnly:
		return "video_only"
	default:
		return "unknown"
	}
}

// WantsAudio reports whether audio tracks should be subscribed.
func (a AutoSubscribe) WantsAudio() bool {
	return a == SubscribeAll || a == SubscribeAudioOnly
}

// WantsVideo reports whether video tracks should be subscribed.
func (a AutoSubscribe) WantsVideo() bool {
	return a == SubscribeAll || a == SubscribeVideoOnly
}

// Room is one joined real-time session: a WebRTC room or a phone call.
// Implementations own their network lifecycle.
type Room interface {
	Name() string
	// Audio yields mono PCM16 frames from remote participants. It closes
	// when the room disconnects.
	Audio() <-chan frames.AudioFrame
	// PublishAudio queues agent speech for playout.
	PublishAudio(frame frames.AudioFrame) error
	// ClearAudio drops agent speech that is queued but not yet played.
	ClearAudio() error
	Disconnect() error
	Done() <-chan struct{}
}

// Connector joins the room a job was dispatched for.
type Connector interface {
	Connect(ctx context.Context, mode AutoSubscribe) (Room, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, mode AutoSubscribe) (Room, error)

func (f ConnectorFunc) Connect(ctx context.Context, mode AutoSubscribe) (Room, error) {
	return f(ctx, mode)
}

// OutboundDialer places outbound phone calls.
type OutboundDialer interface {
	Dial(ctx context.Context, to, from, url string) (callSID string, err error)
}

// ReadyReporter exposes readiness metadata such as webhook URLs. Used for
// informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
