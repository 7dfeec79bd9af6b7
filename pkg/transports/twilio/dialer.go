package twilio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/harunnryd/haven/pkg/logging"
	"github.com/harunnryd/haven/pkg/redact"
	"github.com/harunnryd/haven/pkg/transports"
)

type callCreator interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
}

type DialOptions struct {
	SendDigits string
	// Timeout is how long Twilio lets the phone ring, in seconds.
	Timeout int
}

// Dialer places outbound check-in calls through the Twilio REST API. The
// answered call is pointed at the server's /voice webhook.
type Dialer struct {
	cfg    Config
	client callCreator
	log    *slog.Logger
}

func NewDialer(cfg Config) *Dialer {
	cfg = cfg.withDefaults()
	return &Dialer{cfg: cfg, log: logging.NewComponentLogger(cfg.Logger, "twilio_dialer")}
}

// Dial calls to from the given number. Empty from uses the configured
// number and empty url uses the voice webhook.
func (d *Dialer) Dial(ctx context.Context, to, from, url string) (string, error) {
	return d.DialWithOptions(ctx, to, from, url, DialOptions{})
}

func (d *Dialer) DialWithOptions(ctx context.Context, to, from, url string, opts DialOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if from == "" {
		from = d.cfg.FromNumber
	}
	if to == "" || from == "" {
		return "", errors.New("to/from required")
	}
	if d.cfg.AccountSID == "" || d.cfg.AuthToken == "" {
		return "", errors.New("missing twilio credentials")
	}
	if url == "" {
		url = publicURL(d.cfg, d.cfg.VoicePath)
	}
	client := d.client
	if client == nil {
		rest := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: d.cfg.AccountSID,
			Password: d.cfg.AuthToken,
		})
		client = rest.Api
	}
	params := &api.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetUrl(url)
	params.SetStatusCallback(publicURL(d.cfg, d.cfg.StatusCallbackPath))
	params.SetStatusCallbackEvent([]string{"completed"})
	if strings.TrimSpace(opts.SendDigits) != "" {
		params.SetSendDigits(opts.SendDigits)
	}
	if opts.Timeout > 0 {
		params.SetTimeout(opts.Timeout)
	}
	resp, err := client.CreateCall(params)
	if err != nil {
		d.log.Error("dial failed", "to", redact.Phone(to), "error", err)
		return "", err
	}
	if resp == nil || resp.Sid == nil {
		return "", fmt.Errorf("missing call sid")
	}
	d.log.Info("call placed", "to", redact.Phone(to), "call_sid", *resp.Sid)
	return *resp.Sid, nil
}

var _ transports.OutboundDialer = (*Dialer)(nil)
