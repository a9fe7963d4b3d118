package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mcdev12/openchess/go/internal/config"
	"github.com/mcdev12/openchess/go/internal/peer/pionrtc"
	"github.com/mcdev12/openchess/go/internal/relay"
	"github.com/mcdev12/openchess/go/internal/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type options struct {
	configPath string
	relayURL   string
	userID     string
	minutes    int
	debug      bool
}

func newRootCmd() *cobra.Command {
	var opts options

	root := &cobra.Command{
		Use:           "openchess",
		Short:         "Play chess peer to peer through a relay",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			setupLogging(cfg.Log)
			if err := play(cmd.Context(), cfg, cmd.InOrStdin(), cmd.OutOrStdout()); err != nil {
				log.Error().Err(err).Msg("session failed")
				return err
			}
			return nil
		},
	}

	root.Flags().StringVarP(&opts.configPath, "config", "c", os.Getenv("CHESS_CONFIG"), "YAML config file")
	root.Flags().StringVar(&opts.relayURL, "relay", "", "relay websocket URL (e.g. ws://127.0.0.1:5000/ws)")
	root.Flags().StringVar(&opts.userID, "id", "", "identity to register (default: random)")
	root.Flags().IntVarP(&opts.minutes, "time", "t", 0, "time control in minutes")
	root.Flags().BoolVar(&opts.debug, "debug", false, "debug logging")
	return root
}

// loadConfig applies flags over the config file and environment.
func loadConfig(opts options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.relayURL != "" {
		cfg.Client.RelayURL = opts.relayURL
	}
	if opts.userID != "" {
		cfg.Client.UserID = opts.userID
	}
	if opts.minutes < 0 {
		return nil, fmt.Errorf("invalid time control %d", opts.minutes)
	}
	if opts.minutes > 0 {
		cfg.Client.TimeControl = time.Duration(opts.minutes) * time.Minute
	}
	if opts.debug {
		cfg.Log.Level = zerolog.DebugLevel.String()
	}
	return cfg, nil
}

func play(ctx context.Context, cfg *config.Config, in io.Reader, stdout io.Writer) error {
	id := cfg.Client.UserID
	if id == "" {
		id = session.NewIdentity()
	}

	clientConfig := relay.DefaultClientConfig()
	clientConfig.URL = cfg.Client.RelayURL
	clientConfig.UserID = id
	clientConfig.PingInterval = cfg.Client.PingInterval
	client := relay.NewClient(clientConfig)

	rtcConfig := pionrtc.DefaultConfig()
	rtcConfig.ICEServers = cfg.Client.ICEServers
	rtcConfig.IncludeLoopback = cfg.Client.LoopbackCandidates
	transport := pionrtc.NewTransport(rtcConfig)

	out := newConsole(stdout)
	sess := session.New(id, client, transport,
		session.WithConfig(session.Config{
			TimeControl:        cfg.Client.TimeControl,
			TickInterval:       cfg.Client.TickInterval,
			NegotiationTimeout: cfg.Client.NegotiationTimeout,
		}),
		session.WithObserver(out),
		session.WithPrompt(out),
	)
	out.session = sess
	client.SetHandler(sess)

	runDone := make(chan error, 1)
	go func() {
		runDone <- sess.Run(ctx)
	}()

	if err := client.Connect(ctx); err != nil {
		disconnect(sess)
		<-runDone
		return fmt.Errorf("connect to relay %s: %w", clientConfig.URL, err)
	}
	out.printf("connected to %s as %s", clientConfig.URL, id)
	out.printf("type 'help' for commands")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			<-runDone
			return nil
		case err := <-runDone:
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		case line, ok := <-lines:
			if !ok {
				disconnect(sess)
				<-runDone
				return nil
			}
			err := out.exec(ctx, line)
			if errors.Is(err, errQuit) {
				disconnect(sess)
				<-runDone
				return nil
			}
			if err != nil {
				out.printf("error: %v", err)
			}
		}
	}
}

func disconnect(sess *session.Session) {
	if err := sess.Disconnect(context.Background()); err != nil {
		log.Warn().Err(err).Msg("disconnect failed")
	}
}

func setupLogging(cfg config.LogConfig) {
	if cfg.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}
