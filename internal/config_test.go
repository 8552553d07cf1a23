package internal

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/pflag"

	"framecast/pkg/queue"
)

func TestLoadConfigDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "framecast.toml")
	if err := os.WriteFile(path, []byte("log_level = \"debug\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level %q", cfg.LogLevel)
	}
	tx := cfg.Transmitter
	if tx.Port != 8485 || tx.QueueCapacity != 8 || tx.Policy() != queue.DropOldest || tx.SendRetries != 3 {
		t.Fatalf("unexpected transmitter defaults %+v", tx)
	}
	if err := tx.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	rx := cfg.Receiver
	if rx.MaxReconnects != 5 || !rx.EnableMidstreamReconnect || rx.Addr() != "127.0.0.1:8485" {
		t.Fatalf("unexpected receiver defaults %+v", rx)
	}
	if err := rx.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoadConfigFileEnvAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "framecast.toml")
	body := `
[transmitter]
port = 9000
overflow_policy = "block"

[receiver]
max_reconnects = 2
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FRAMECAST_RECEIVER_HOST", "10.0.0.7")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Int("transmitter.queue_capacity", 8, "")
	fs.Bool("midstream", true, "")
	if err := BindFlag(fs, "midstream", "receiver.enable_midstream_reconnect"); err != nil {
		t.Fatal(err)
	}
	if err := fs.Parse([]string{"--transmitter.queue_capacity=32", "--midstream=false"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path, fs)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Transmitter.Port != 9000 || cfg.Transmitter.Policy() != queue.Block {
		t.Fatalf("file values not applied: %+v", cfg.Transmitter)
	}
	if cfg.Transmitter.QueueCapacity != 32 {
		t.Fatalf("flag not applied: %d", cfg.Transmitter.QueueCapacity)
	}
	if cfg.Receiver.MaxReconnects != 2 || cfg.Receiver.Host != "10.0.0.7" {
		t.Fatalf("receiver overrides not applied: %+v", cfg.Receiver)
	}
	if cfg.Receiver.EnableMidstreamReconnect {
		t.Fatalf("annotated flag not applied")
	}
}

func TestUnchangedFlagKeepsFileValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "framecast.toml")
	if err := os.WriteFile(path, []byte("[transmitter]\nport = 9100\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Int("port", 8485, "")
	if err := BindFlag(fs, "port", "transmitter.port"); err != nil {
		t.Fatal(err)
	}
	if err := BindFlag(fs, "port", "transmitter.nope"); err == nil {
		t.Fatalf("expected unknown key error")
	}
	cfg, err := LoadConfig(path, fs)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Transmitter.Port != 9100 {
		t.Fatalf("flag default shadowed the file: %d", cfg.Transmitter.Port)
	}
}

func TestLoadConfigMissingExplicitFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"), nil); err == nil {
		t.Fatalf("expected error for missing explicit config")
	}
}

func TestTransmitterValidate(t *testing.T) {
	cfg := TransmitterConfig{
		Port: 0, QueueCapacity: 0, OverflowPolicy: "fifo", SendRetries: 0,
		AcceptTimeoutMs: 1, SendTimeoutMs: 1, MaxFrameSize: 1, JPEGQuality: 101,
		Width: 1, Height: 1, Source: "pattern", UseTLS: true,
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation errors")
	}
	for _, want := range []string{"port", "queue_capacity", "overflow policy", "send_retries", "jpeg_quality", "use_tls"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %q", err, want)
		}
	}
}

func TestReceiverValidate(t *testing.T) {
	cfg := ReceiverConfig{Host: "", Port: 70000, MaxReconnects: 0, ConnectTimeoutMs: 1, MaxFrameSize: 1}
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation errors")
	}
	for _, want := range []string{"host", "port", "max_reconnects"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %q", err, want)
		}
	}
}

func TestMaxFrameSizeFitsLengthPrefix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "framecast.toml")
	if err := os.WriteFile(path, []byte("log_level = \"info\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	cfg.Transmitter.MaxFrameSize = math.MaxUint32 + 1
	cfg.Receiver.MaxFrameSize = math.MaxUint32 + 1
	for name, err := range map[string]error{"transmitter": cfg.Transmitter.Validate(), "receiver": cfg.Receiver.Validate()} {
		if err == nil || !strings.Contains(err.Error(), "max_frame_size") {
			t.Fatalf("%s: oversize max_frame_size accepted: %v", name, err)
		}
	}
	cfg.Receiver.MaxFrameSize = math.MaxUint32
	if err := cfg.Receiver.Validate(); err != nil {
		t.Fatalf("largest prefix rejected: %v", err)
	}
}

func TestSaveDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "framecast.toml")
	written, err := SaveDefaultConfig(path)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if written != path {
		t.Fatalf("written to %s", written)
	}
	cfg, err := LoadConfig(path, nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.Transmitter.Port != 8485 {
		t.Fatalf("saved config lost defaults: %+v", cfg.Transmitter)
	}
	if _, err := SaveDefaultConfig(path); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
}

func TestConfigureLogger(t *testing.T) {
	defer SetLogLevel(LevelInfo)
	if err := ConfigureLogger("debug"); err != nil {
		t.Fatal(err)
	}
	if !shouldLog(LevelDebug) {
		t.Fatalf("debug should be enabled")
	}
	if err := ConfigureLogger("loud"); err == nil {
		t.Fatalf("expected unknown level error")
	}
	if shouldLog(LevelDebug) {
		t.Fatalf("unknown level must fall back to info")
	}
}
