package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	largemsg "github.com/glimte/mmate-largemsg"
	"github.com/glimte/mmate-largemsg/config"
	"github.com/glimte/mmate-largemsg/contracts"
	"github.com/glimte/mmate-largemsg/health"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool

	rootCmd := &cobra.Command{
		Use:   "largemsg",
		Short: "Send, receive and clean up claim-check messages",
		Long: `largemsg talks to a RabbitMQ work queue whose large payloads live in S3.
Configuration is read from the environment; run "largemsg env" for the list.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	logger := func() *slog.Logger {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}

	rootCmd.AddCommand(
		newSendCmd(logger),
		newReceiveCmd(logger),
		newSweepCmd(logger),
		newHealthCmd(logger),
		newEnvCmd(),
	)
	return rootCmd
}

// connect loads the configuration and builds a client. The sweeper stays
// off unless a command starts it.
func connect(ctx context.Context, logger *slog.Logger) (*largemsg.Client, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	cfg.LargeMessage.SweepInterval = 0

	client, err := largemsg.NewClient(ctx, cfg, largemsg.WithLogger(logger))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create client: %w", err)
	}
	return client, cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newSendCmd(logger func() *slog.Logger) *cobra.Command {
	var props []string

	cmd := &cobra.Command{
		Use:   "send [file]",
		Short: "Send a file, or stdin, as one message",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			properties, err := parseProperties(props)
			if err != nil {
				return err
			}

			var body []byte
			if len(args) == 1 {
				body, err = os.ReadFile(args[0])
			} else {
				body, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return fmt.Errorf("failed to read body: %w", err)
			}

			ctx, cancel := signalContext()
			defer cancel()

			client, _, err := connect(ctx, logger())
			if err != nil {
				return err
			}
			defer client.Close()

			env, err := client.Send(ctx, body, properties)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s (%d bytes, offloaded: %t)\n",
				env.MessageID, len(body), env.IsBlobBacked())
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&props, "property", "p", nil, "Application property as key=value (repeatable)")
	return cmd
}

func newReceiveCmd(logger func() *slog.Logger) *cobra.Command {
	var (
		maxCount int
		timeout  time.Duration
		complete bool
		outDir   string
	)

	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Receive and print messages",
		Long:  "Receive up to --max messages. Without --complete they are abandoned and redelivered later.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			client, _, err := connect(ctx, logger())
			if err != nil {
				return err
			}
			defer client.Close()

			envs, err := client.Receive(ctx, maxCount, timeout)
			if err != nil {
				return err
			}

			out := json.NewEncoder(cmd.OutOrStdout())
			for _, env := range envs {
				if outDir != "" {
					path := fmt.Sprintf("%s/%s", strings.TrimRight(outDir, "/"), env.MessageID)
					if err := os.WriteFile(path, env.Body, 0o644); err != nil {
						return fmt.Errorf("failed to write body: %w", err)
					}
				}
				if err := out.Encode(summarize(env)); err != nil {
					return err
				}
			}

			sub := client.Subscriber()
			var errs []error
			for _, env := range envs {
				if complete {
					errs = append(errs, sub.Complete(ctx, env))
				} else {
					errs = append(errs, sub.Abandon(ctx, env))
				}
			}
			if complete {
				client.Cleaner().DeleteBatch(ctx, envs)
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().IntVarP(&maxCount, "max", "n", 10, "Maximum number of messages")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 5*time.Second, "How long to wait for messages")
	cmd.Flags().BoolVar(&complete, "complete", false, "Complete received messages and delete their blobs")
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "Directory to write message bodies to")
	return cmd
}

func newSweepCmd(logger func() *slog.Logger) *cobra.Command {
	var (
		watch      bool
		interval   time.Duration
		healthAddr string
	)

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete blobs whose expiry has passed",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			log := logger()
			client, _, err := connect(ctx, log)
			if err != nil {
				return err
			}
			defer client.Close()

			if !watch {
				deleted, err := client.Cleaner().Sweep(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d expired blobs\n", deleted)
				return nil
			}

			if healthAddr != "" {
				srv := healthServer(healthAddr, client.Health())
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Error("health server stopped", "error", err)
					}
				}()
				defer srv.Close()
				log.Info("serving health", "addr", healthAddr)
			}

			err = client.Cleaner().RunSweeper(ctx, interval)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Keep sweeping until interrupted")
	cmd.Flags().DurationVarP(&interval, "interval", "i", time.Hour, "Sweep interval with --watch")
	cmd.Flags().StringVar(&healthAddr, "health-addr", "", "Serve /healthz and /livez on this address with --watch")
	return cmd
}

func newHealthCmd(logger func() *slog.Logger) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check the broker, the queues and the blob store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			client, _, err := connect(ctx, logger())
			if err != nil {
				return err
			}
			defer client.Close()

			checkCtx, checkCancel := context.WithTimeout(ctx, timeout)
			defer checkCancel()
			result := client.Health().Check(checkCtx)

			out := json.NewEncoder(cmd.OutOrStdout())
			out.SetIndent("", "  ")
			if err := out.Encode(result); err != nil {
				return err
			}
			if result.Status == health.StatusUnhealthy {
				return errors.New("unhealthy")
			}
			return nil
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "Overall check timeout")
	return cmd
}

func newEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "List the environment variables the client reads",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), config.Usage())
		},
	}
}

func healthServer(addr string, registry *health.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/healthz", health.NewHandler(registry, 5*time.Second))
	mux.Handle("/livez", health.LivenessHandler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// parseProperties turns key=value flags into properties. Integers and
// booleans keep their type.
func parseProperties(pairs []string) (*contracts.Properties, error) {
	props := contracts.NewProperties()
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid property %q, want key=value", pair)
		}
		switch {
		case isInt(value):
			n, _ := strconv.ParseInt(value, 10, 64)
			props.Set(key, n)
		case value == "true" || value == "false":
			props.Set(key, value == "true")
		default:
			props.Set(key, value)
		}
	}
	return props, nil
}

func isInt(s string) bool {
	_, err := strconv.ParseInt(s, 10, 64)
	return err == nil
}

type messageSummary struct {
	MessageID      string                 `json:"messageId"`
	SequenceNumber int64                  `json:"sequenceNumber"`
	DeliveryCount  int                    `json:"deliveryCount"`
	Size           int                    `json:"size"`
	Blob           string                 `json:"blob,omitempty"`
	Properties     map[string]interface{} `json:"properties,omitempty"`
}

func summarize(env *contracts.Envelope) messageSummary {
	s := messageSummary{
		MessageID:      env.MessageID,
		SequenceNumber: env.SequenceNumber,
		DeliveryCount:  env.DeliveryCount,
		Size:           len(env.Body),
	}
	if env.Blob != nil {
		s.Blob = env.Blob.String()
	}
	if env.Properties != nil && env.Properties.Len() > 0 {
		s.Properties = env.Properties.ToMap()
	}
	return s
}
