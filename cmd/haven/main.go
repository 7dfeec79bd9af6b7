package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harunnryd/haven/pkg/redact"
	"github.com/harunnryd/haven/pkg/transports/livekit"
	"github.com/harunnryd/haven/pkg/transports/twilio"
	"github.com/harunnryd/haven/pkg/worker"
)

var version = "dev"

var configPath string

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "haven",
		Short:        "Haven safety voice assistant",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	root.AddCommand(startCmd(), connectCmd(), dialCmd(), tokenCmd(), versionCmd())
	return root
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the worker with every configured dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()

			var dispatchers []worker.Dispatcher
			lkCfg := a.cfg.LiveKit
			if lkCfg.Webhook.Enabled || len(lkCfg.Rooms) > 0 {
				client, err := a.livekitClient()
				if err != nil {
					return err
				}
				if lkCfg.Webhook.Enabled {
					dispatchers = append(dispatchers, livekit.NewWebhookDispatcher(client, a.cfg.WebhookConfig()))
				}
				if len(lkCfg.Rooms) > 0 {
					dispatchers = append(dispatchers, &worker.StaticDispatcher{
						Rooms:     lkCfg.Rooms,
						Identity:  lkCfg.Identity,
						Source:    worker.SourceLiveKit,
						Connector: client.Connector,
					})
				}
			}
			if a.cfg.Twilio.Enabled {
				tw := a.cfg.TwilioServerConfig()
				tw.Logger = a.log
				dispatchers = append(dispatchers, twilio.NewServer(tw))
			}
			if len(dispatchers) == 0 {
				return errors.New("no dispatchers configured: enable livekit.webhook, list livekit.rooms or enable twilio")
			}

			ctx, cancel := signalContext()
			defer cancel()
			return a.runWorker(ctx, dispatchers)
		},
	}
}

func connectCmd() *cobra.Command {
	var room string
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Join one LiveKit room directly",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()
			client, err := a.livekitClient()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			return a.runWorker(ctx, []worker.Dispatcher{&worker.StaticDispatcher{
				Rooms:     []string{room},
				Identity:  a.cfg.LiveKit.Identity,
				Source:    worker.SourceLiveKit,
				Connector: client.Connector,
			}})
		},
	}
	cmd.Flags().StringVar(&room, "room", "", "room name")
	_ = cmd.MarkFlagRequired("room")
	return cmd
}

func dialCmd() *cobra.Command {
	var to, from, url, digits string
	var timeout int
	cmd := &cobra.Command{
		Use:   "dial",
		Short: "Place an outbound check-in call",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()
			tw := a.cfg.TwilioServerConfig()
			tw.Logger = a.log
			ctx, cancel := signalContext()
			defer cancel()
			sid, err := twilio.NewDialer(tw).DialWithOptions(ctx, to, from, url, twilio.DialOptions{
				SendDigits: digits,
				Timeout:    timeout,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sid)
			a.log.Info("call placed", "call_sid", sid, "to", redact.Phone(to))
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "destination number in E.164")
	cmd.Flags().StringVar(&from, "from", "", "caller id, defaults to twilio.from_number")
	cmd.Flags().StringVar(&url, "url", "", "voice webhook url, defaults to the public voice url")
	cmd.Flags().StringVar(&digits, "digits", "", "digits to send once answered")
	cmd.Flags().IntVar(&timeout, "timeout", 0, "seconds to ring before giving up")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func tokenCmd() *cobra.Command {
	var room, identity, name string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a LiveKit join token",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()
			tokens := &livekit.Tokens{APIKey: a.cfg.LiveKit.APIKey, APISecret: a.cfg.LiveKit.APISecret}
			if ttl == 0 {
				ttl = a.cfg.LiveKit.TokenTTL
			}
			token, err := tokens.Mint(livekit.TokenRequest{
				Room:     room,
				Identity: identity,
				Name:     name,
				TTL:      ttl,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&room, "room", "", "room name")
	cmd.Flags().StringVar(&identity, "identity", "", "participant identity")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime, defaults to livekit.token_ttl")
	_ = cmd.MarkFlagRequired("room")
	_ = cmd.MarkFlagRequired("identity")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "haven %s\n", version)
		},
	}
}
