package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"framecast/internal"
	"framecast/internal/client"
	"framecast/pkg/capture"
	"framecast/pkg/display"
	"framecast/pkg/transport"
)

func ReceiveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "receive",
		Aliases: []string{"rx", "recv"},
		Short:   "Connect to a transmitter and display or record its frames",
		Annotations: map[string]string{
			"host":           "receiver.host",
			"port":           "receiver.port",
			"tls":            "receiver.use_tls",
			"insecure":       "receiver.insecure_skip_verify",
			"server-name":    "receiver.server_name",
			"max-reconnects": "receiver.max_reconnects",
			"backoff":        "receiver.backoff_base_seconds",
			"midstream":      "receiver.enable_midstream_reconnect",
			"read-timeout":   "receiver.read_timeout_ms",
			"record":         "receiver.record_local",
			"record-dir":     "receiver.record_dir",
			"chunk":          "receiver.chunk_duration_seconds",
			"payload-key":    "receiver.payload_key",
			"preview":        "receiver.preview_addr",
			"title":          "receiver.window_title",
			"metrics":        "receiver.metrics_addr",
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg := GetConfig(cmd)
			if cfg == nil {
				return errors.New("config unavailable")
			}
			return runReceive(ctx, cfg.Receiver, cmd.InOrStdin())
		},
	}

	f := cmd.Flags()
	f.String("host", "127.0.0.1", "Transmitter address")
	f.Int("port", 8485, "Transmitter port")
	f.Bool("tls", false, "Connect with TLS")
	f.Bool("insecure", false, "Skip TLS certificate verification")
	f.String("server-name", "", "Expected TLS server name")
	f.Int("max-reconnects", 5, "Connect attempts before giving up")
	f.Float64("backoff", 1, "Base reconnect backoff in seconds")
	f.Bool("midstream", true, "Reconnect when an established stream drops")
	f.Int("read-timeout", 10000, "Milliseconds without data before the link counts as failed, 0 to disable")
	f.Bool("record", false, "Record received frames locally")
	f.String("record-dir", "recordings", "Directory for recorded segments")
	f.Float64("chunk", 60, "Recording segment length in seconds")
	f.String("payload-key", "", "Pre-shared passphrase the transmitter seals payloads with")
	f.String("preview", "", "Serve a browser preview on this address")
	f.String("title", "framecast", "Preview window title")
	f.String("metrics", "", "Serve Prometheus metrics on this address")

	return cmd
}

func runReceive(ctx context.Context, cfg internal.ReceiverConfig, stdin io.Reader) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid receiver config: %w", err)
	}

	dialer := transport.Dialer{Timeout: cfg.ConnectTimeout()}
	if cfg.UseTLS {
		dialer.TLS = transport.ClientTLS(cfg.InsecureSkipVerify, cfg.ServerName)
		if cfg.InsecureSkipVerify {
			internal.Warn("tls certificate verification disabled", internal.Fields{internal.FieldTLS: true})
		}
	}

	stats := startMetrics(ctx, cfg.MetricsAddr)
	cipher, err := newCipher(cfg.PayloadKey)
	if err != nil {
		return err
	}

	var disp display.Display = &display.Headless{}
	if cfg.PreviewAddr != "" {
		p, err := display.NewPreview(cfg.PreviewAddr)
		if err != nil {
			return err
		}
		disp = p
	}
	view := display.NewSink(capture.JPEG{}, disp, cfg.WindowTitle)
	view.Metrics = stats
	sinks := []client.Sink{view}

	if cfg.RecordLocal {
		rec, err := newRecorder(cfg.RecordDir, "rx", cfg.ChunkDuration(), stats)
		if err != nil {
			_ = disp.Close()
			return err
		}
		internal.Info("recording locally", internal.Fields{internal.RecordDirPath: cfg.RecordDir})
		sinks = append(sinks, rec)
	}

	var keys *display.StdinQuit
	if stdin != nil {
		keys = display.NewStdinQuit(stdin)
	}

	r, err := client.New(client.Options{
		Addr:          cfg.Addr(),
		MaxReconnects: cfg.MaxReconnects,
		Backoff:       cfg.Backoff(),
		MaxBackoff:    cfg.ReconnectDelayMax(),
		ReadTimeout:   cfg.ReadTimeout(),
		MaxFrameSize:  uint32(cfg.MaxFrameSize),
		Midstream:     cfg.EnableMidstreamReconnect,
		Cipher:        cipher,
		Metrics:       stats,
		Quit: func() bool {
			return view.PollQuit() || (keys != nil && keys.PollQuit())
		},
	}, dialer, sinks...)
	if err != nil {
		for _, s := range sinks {
			_ = s.Close()
		}
		return err
	}

	if err := r.Run(ctx); err != nil {
		return err
	}
	internal.Info("receiver stopped", nil)
	return nil
}
