package livekit

import (
	"errors"
	"time"

	"github.com/livekit/protocol/auth"
)

const DefaultTokenTTL = 6 * time.Hour

// Tokens mints room join tokens for clients such as the mobile app.
type Tokens struct {
	APIKey    string
	APISecret string
}

type TokenRequest struct {
	Room     string
	Identity string
	Name     string
	Metadata string
	TTL      time.Duration
}

func (t *Tokens) Mint(req TokenRequest) (string, error) {
	if t.APIKey == "" || t.APISecret == "" {
		return "", errors.New("livekit api key and secret are required")
	}
	if req.Room == "" || req.Identity == "" {
		return "", errors.New("room and identity are required")
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	at := auth.NewAccessToken(t.APIKey, t.APISecret).
		AddGrant(&auth.VideoGrant{RoomJoin: true, Room: req.Room}).
		SetIdentity(req.Identity).
		SetValidFor(ttl)
	if req.Name != "" {
		at.SetName(req.Name)
	}
	if req.Metadata != "" {
		at.SetMetadata(req.Metadata)
	}
	return at.ToJWT()
}
