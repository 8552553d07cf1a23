package cli

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"framecast/internal"
	"framecast/internal/server"
	"framecast/pkg/capture"
	"framecast/pkg/crypto"
	"framecast/pkg/frame"
	"framecast/pkg/metrics"
	"framecast/pkg/record"
	"framecast/pkg/transport"
)

func TransmitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "transmit",
		Aliases: []string{"tx", "send"},
		Short:   "Capture frames and stream them to connected receivers",
		Annotations: map[string]string{
			"host":        "transmitter.host",
			"port":        "transmitter.port",
			"tls":         "transmitter.use_tls",
			"cert":        "transmitter.cert_path",
			"key":         "transmitter.key_path",
			"multi":       "transmitter.allow_multiple_clients",
			"queue":       "transmitter.queue_capacity",
			"policy":      "transmitter.overflow_policy",
			"retries":     "transmitter.send_retries",
			"backoff":     "transmitter.backoff_base_seconds",
			"fps":         "transmitter.max_fps",
			"quality":     "transmitter.jpeg_quality",
			"source":      "transmitter.source",
			"device":      "transmitter.device",
			"width":       "transmitter.width",
			"height":      "transmitter.height",
			"record":      "transmitter.record_local",
			"record-dir":  "transmitter.record_dir",
			"chunk":       "transmitter.chunk_duration_seconds",
			"payload-key": "transmitter.payload_key",
			"metrics":     "transmitter.metrics_addr",
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg := GetConfig(cmd)
			if cfg == nil {
				return errors.New("config unavailable")
			}
			return runTransmit(ctx, cfg.Transmitter)
		},
	}

	f := cmd.Flags()
	f.String("host", "0.0.0.0", "Address to listen on")
	f.Int("port", 8485, "Port to listen on")
	f.Bool("tls", false, "Wrap connections in TLS")
	f.String("cert", "", "TLS certificate (PEM)")
	f.String("key", "", "TLS private key (PEM)")
	f.Bool("multi", false, "Accept any number of receivers and broadcast to all")
	f.Int("queue", 8, "Per-receiver queue capacity in frames")
	f.String("policy", "drop_oldest", "Queue overflow policy: block, drop_newest, drop_oldest")
	f.Int("retries", 3, "Send attempts per frame before a receiver is dropped")
	f.Float64("backoff", 0.1, "Base send retry backoff in seconds")
	f.Float64("fps", 30, "Maximum capture rate, 0 for unlimited")
	f.Int("quality", 90, "JPEG quality 1-100")
	f.String("source", "pattern", "Frame source: pattern or ffmpeg")
	f.String("device", "/dev/video0", "Camera device for the ffmpeg source")
	f.Int("width", 640, "Frame width")
	f.Int("height", 480, "Frame height")
	f.Bool("record", false, "Record captured frames locally")
	f.String("record-dir", "recordings", "Directory for recorded segments")
	f.Float64("chunk", 60, "Recording segment length in seconds")
	f.String("payload-key", "", "Pre-shared passphrase sealing every payload")
	f.String("metrics", "", "Serve Prometheus metrics on this address")

	return cmd
}

func newSource(cfg internal.TransmitterConfig) capture.Source {
	if cfg.Source == "ffmpeg" {
		return capture.NewFFmpeg(cfg.Device, cfg.Width, cfg.Height, cfg.MaxFPS)
	}
	return capture.NewPattern(cfg.Width, cfg.Height)
}

func newCipher(passphrase string) (*crypto.Cipher, error) {
	if passphrase == "" {
		return nil, nil
	}
	return crypto.NewCipherFromPassphrase(passphrase)
}

func startMetrics(ctx context.Context, addr string) *metrics.Collector {
	if addr == "" {
		return nil
	}
	stats := metrics.New("")
	go func() {
		if err := stats.Serve(ctx, addr); err != nil {
			internal.Error("metrics endpoint failed", internal.Fields{
				internal.FieldAddr: addr, internal.FieldError: err.Error(),
			})
		}
	}()
	internal.Info("metrics endpoint", internal.Fields{internal.FieldAddr: addr})
	return stats
}

func newRecorder(dir, prefix string, chunk time.Duration, stats *metrics.Collector) (*record.Recorder, error) {
	return record.NewRecorder(record.Options{
		Dir:     dir,
		Prefix:  prefix,
		Chunk:   chunk,
		Metrics: stats,
		OnOpen: func(s record.Segment) {
			internal.Debug("segment opened", internal.Fields{internal.FieldSegment: s.Path})
		},
	})
}

func runTransmit(ctx context.Context, cfg internal.TransmitterConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid transmitter config: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var tlsCfg *tls.Config
	if cfg.UseTLS {
		var err error
		tlsCfg, err = transport.ServerTLS(cfg.CertPath, cfg.KeyPath)
		if err != nil {
			internal.Error("tls setup failed", internal.Fields{
				internal.CertPath: cfg.CertPath, internal.KeyPath: cfg.KeyPath, internal.FieldError: err.Error(),
			})
			return err
		}
	}
	ln, err := transport.Listen(cfg.Addr(), tlsCfg)
	if err != nil {
		return err
	}

	stats := startMetrics(ctx, cfg.MetricsAddr)
	cipher, err := newCipher(cfg.PayloadKey)
	if err != nil {
		ln.Close()
		return err
	}

	tx, err := server.New(server.Options{
		AllowMultipleClients: cfg.AllowMultipleClients,
		AcceptTimeout:        cfg.AcceptTimeout(),
		QueueCapacity:        cfg.QueueCapacity,
		Policy:               cfg.Policy(),
		PushTimeout:          cfg.PushTimeout(),
		Session: server.SessionOptions{
			Retries:     cfg.SendRetries,
			Backoff:     cfg.Backoff(),
			SendTimeout: cfg.SendTimeout(),
		},
		MaxFrameSize: cfg.MaxFrameSize,
		Cipher:       cipher,
		Metrics:      stats,
	}, ln)
	if err != nil {
		ln.Close()
		return err
	}

	src := newSource(cfg)
	defer src.Close()

	publish := server.PublishFunc(tx.Publish)
	if cfg.RecordLocal {
		rec, err := newRecorder(cfg.RecordDir, "tx", cfg.ChunkDuration(), stats)
		if err != nil {
			ln.Close()
			return err
		}
		defer rec.Close()
		internal.Info("recording locally", internal.Fields{internal.RecordDirPath: cfg.RecordDir})
		publish = func(ctx context.Context, f *frame.Frame) error {
			if err := rec.HandleFrame(f); err != nil {
				internal.Warn("recording failed", internal.Fields{internal.FieldError: err.Error()})
			}
			return tx.Publish(ctx, f)
		}
	}

	serveErr := make(chan error, 1)
	go func() {
		err := tx.Serve(ctx)
		cancel()
		serveErr <- err
	}()

	codec := capture.JPEG{Quality: cfg.JPEGQuality}
	prodErr := server.Produce(ctx, src, codec, server.NewTokenBucket(cfg.MaxFPS, 1), publish)
	cancel()
	if err := <-serveErr; err != nil {
		return err
	}
	if prodErr != nil {
		return prodErr
	}
	internal.Info("transmitter stopped", nil)
	return nil
}
