// Command vapi-relay accepts telephony WebSocket connections and relays their
// audio to and from Vapi.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	mozlog "github.com/mozilla-services/go-mozlogrus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	vapirelay "github.com/agentplexus/vapi-relay"
	"github.com/agentplexus/vapi-relay/config"
	"github.com/agentplexus/vapi-relay/provision"
	"github.com/agentplexus/vapi-relay/relay"
	"github.com/agentplexus/vapi-relay/server"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "vapi-relay: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		port       int
		encoding   string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "vapi-relay",
		Short: "Relay telephony WebSocket audio to Vapi",
		Long: `Accepts WebSocket connections from a telephony client, creates a Vapi call
for each one and relays audio and control messages in both directions.

Environment:
  VAPI_API_KEY        (required) Vapi private API key
  VAPI_ASSISTANT_ID   (required) assistant to start for every call
  PORT                listen port (default 8766)
  RELAY_ENCODING      raw | stream-action (default raw)
  LOG_LEVEL           logrus level (default info)
  ENV                 set to "production" for mozlog JSON output

Variables are also read from a .env file in the working directory.`,
		Version:       vapirelay.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if cmd.Flags().Changed("encoding") {
				cfg.Encoding = encoding
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			if cfg.DotEnvLoaded {
				logger.Info(".env file loaded")
			} else {
				logger.Warn("no .env file found, using environment only")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "optional YAML config file")
	cmd.Flags().IntVarP(&port, "port", "p", vapirelay.DefaultPort, "listen port")
	cmd.Flags().StringVar(&encoding, "encoding", vapirelay.EncodingRaw, "encoding of Vapi audio sent to the telephony side (raw, stream-action)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")

	return cmd
}

func newLogger(cfg *config.Config) (*logrus.Logger, error) {
	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, &config.ConfigError{Key: config.EnvLogLevel, Err: err}
	}
	logger.SetLevel(level)

	if cfg.Production() {
		logger.Formatter = &mozlog.MozLogFormatter{
			LoggerName: "vapi-relay",
		}
	}
	return logger, nil
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	opts := []provision.Option{
		provision.WithAPIKey(cfg.APIKey),
		provision.WithLogger(logger),
		provision.WithRetries(cfg.ProvisionRetries),
		provision.WithTimeout(cfg.ProvisionTimeout),
	}
	if cfg.APIBaseURL != "" {
		opts = append(opts, provision.WithBaseURL(cfg.APIBaseURL))
	}
	prov, err := provision.New(opts...)
	if err != nil {
		return err
	}

	encoder, err := relay.EncoderFor(cfg.Encoding, cfg.SampleRate)
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Provisioner:      prov,
		APIKey:           cfg.APIKey,
		AssistantID:      cfg.AssistantID,
		Encoder:          encoder,
		HandshakeTimeout: cfg.HandshakeTimeout,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"provider":     prov.Name(),
		"port":         cfg.Port,
		"assistant-id": cfg.AssistantID,
		"encoding":     encoder.Name(),
	}).Info("bridging telephony and Vapi")
	return srv.ListenAndServe(ctx, cfg.Addr())
}
