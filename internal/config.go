package internal

import (
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"framecast/pkg/queue"
)

const (
	envPrefix         = "FRAMECAST"
	defaultConfigName = "framecast"
	defaultConfigType = "toml"
)

type TransmitterConfig struct {
	Host                 string  `mapstructure:"host"`
	Port                 int     `mapstructure:"port"`
	UseTLS               bool    `mapstructure:"use_tls"`
	CertPath             string  `mapstructure:"cert_path"`
	KeyPath              string  `mapstructure:"key_path"`
	AllowMultipleClients bool    `mapstructure:"allow_multiple_clients"`
	AcceptTimeoutMs      int     `mapstructure:"accept_timeout_ms"`
	QueueCapacity        int     `mapstructure:"queue_capacity"`
	OverflowPolicy       string  `mapstructure:"overflow_policy"`
	PushTimeoutMs        int     `mapstructure:"push_timeout_ms"`
	SendRetries          int     `mapstructure:"send_retries"`
	BackoffBaseSeconds   float64 `mapstructure:"backoff_base_seconds"`
	SendTimeoutMs        int     `mapstructure:"send_timeout_ms"`
	MaxFrameSize         int     `mapstructure:"max_frame_size"`
	MaxFPS               float64 `mapstructure:"max_fps"`
	JPEGQuality          int     `mapstructure:"jpeg_quality"`
	Source               string  `mapstructure:"source"`
	Device               string  `mapstructure:"device"`
	Width                int     `mapstructure:"width"`
	Height               int     `mapstructure:"height"`
	RecordLocal          bool    `mapstructure:"record_local"`
	RecordDir            string  `mapstructure:"record_dir"`
	ChunkDurationSeconds float64 `mapstructure:"chunk_duration_seconds"`
	PayloadKey           string  `mapstructure:"payload_key"`
	MetricsAddr          string  `mapstructure:"metrics_addr"`
}

type ReceiverConfig struct {
	Host                     string  `mapstructure:"host"`
	Port                     int     `mapstructure:"port"`
	UseTLS                   bool    `mapstructure:"use_tls"`
	InsecureSkipVerify       bool    `mapstructure:"insecure_skip_verify"`
	ServerName               string  `mapstructure:"server_name"`
	MaxReconnects            int     `mapstructure:"max_reconnects"`
	BackoffBaseSeconds       float64 `mapstructure:"backoff_base_seconds"`
	ReconnectDelayMaxSeconds float64 `mapstructure:"reconnect_delay_max_seconds"`
	ConnectTimeoutMs         int     `mapstructure:"connect_timeout_ms"`
	ReadTimeoutMs            int     `mapstructure:"read_timeout_ms"`
	MaxFrameSize             int     `mapstructure:"max_frame_size"`
	EnableMidstreamReconnect bool    `mapstructure:"enable_midstream_reconnect"`
	RecordLocal              bool    `mapstructure:"record_local"`
	RecordDir                string  `mapstructure:"record_dir"`
	ChunkDurationSeconds     float64 `mapstructure:"chunk_duration_seconds"`
	PayloadKey               string  `mapstructure:"payload_key"`
	PreviewAddr              string  `mapstructure:"preview_addr"`
	WindowTitle              string  `mapstructure:"window_title"`
	MetricsAddr              string  `mapstructure:"metrics_addr"`
}

type Config struct {
	LogLevel    string            `mapstructure:"log_level"`
	Transmitter TransmitterConfig `mapstructure:"transmitter"`
	Receiver    ReceiverConfig    `mapstructure:"receiver"`
}

var defaults = map[string]any{
	"log_level": "info",

	"transmitter.host":                   "0.0.0.0",
	"transmitter.port":                   8485,
	"transmitter.use_tls":                false,
	"transmitter.cert_path":              "~/.framecast/certs/server.crt",
	"transmitter.key_path":               "~/.framecast/certs/server.key",
	"transmitter.allow_multiple_clients": false,
	"transmitter.accept_timeout_ms":      1000,
	"transmitter.queue_capacity":         8,
	"transmitter.overflow_policy":        "drop_oldest",
	"transmitter.push_timeout_ms":        200,
	"transmitter.send_retries":           3,
	"transmitter.backoff_base_seconds":   0.1,
	"transmitter.send_timeout_ms":        2000,
	"transmitter.max_frame_size":         16 << 20,
	"transmitter.max_fps":                30.0,
	"transmitter.jpeg_quality":           90,
	"transmitter.source":                 "pattern",
	"transmitter.device":                 "/dev/video0",
	"transmitter.width":                  640,
	"transmitter.height":                 480,
	"transmitter.record_local":           false,
	"transmitter.record_dir":             "recordings",
	"transmitter.chunk_duration_seconds": 60.0,
	"transmitter.payload_key":            "",
	"transmitter.metrics_addr":           "",

	"receiver.host":                        "127.0.0.1",
	"receiver.port":                        8485,
	"receiver.use_tls":                     false,
	"receiver.insecure_skip_verify":        false,
	"receiver.server_name":                 "",
	"receiver.max_reconnects":              5,
	"receiver.backoff_base_seconds":        1.0,
	"receiver.reconnect_delay_max_seconds": 30.0,
	"receiver.connect_timeout_ms":          5000,
	"receiver.read_timeout_ms":             10000,
	"receiver.max_frame_size":              16 << 20,
	"receiver.enable_midstream_reconnect":  true,
	"receiver.record_local":                false,
	"receiver.record_dir":                  "recordings",
	"receiver.chunk_duration_seconds":      60.0,
	"receiver.payload_key":                 "",
	"receiver.preview_addr":                "",
	"receiver.window_title":                "framecast",
	"receiver.metrics_addr":                "",
}

// DefaultConfigPath is where LoadConfig looks when no path is given.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".framecast", defaultConfigName+"."+defaultConfigType), nil
}

// ConfigKeyAnnotation maps a flag with a short name onto a config key.
const ConfigKeyAnnotation = "framecast_config_key"

// BindFlag marks flag name in fs as the override for config key.
func BindFlag(fs *pflag.FlagSet, name, key string) error {
	if _, known := defaults[key]; !known {
		return fmt.Errorf("config: unknown key %q bound to flag %q", key, name)
	}
	return fs.SetAnnotation(name, ConfigKeyAnnotation, []string{key})
}

// LoadConfig reads defaults, the optional config file, FRAMECAST_* env vars
// and any flags in bind, in increasing precedence. A flag overrides the key
// named by its BindFlag annotation, or the key equal to its name.
func LoadConfig(configPath string, bind *pflag.FlagSet) (*Config, error) {
	v, err := initViper(configPath)
	if err != nil {
		return nil, err
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	if bind != nil {
		var bindErr error
		bind.VisitAll(func(f *pflag.Flag) {
			key := f.Name
			if ann := f.Annotations[ConfigKeyAnnotation]; len(ann) == 1 {
				key = ann[0]
			}
			if _, known := defaults[key]; known && bindErr == nil {
				bindErr = v.BindPFlag(key, f)
			}
		})
		if bindErr != nil {
			return nil, fmt.Errorf("bind flags: %w", bindErr)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Transmitter.CertPath = expandPath(cfg.Transmitter.CertPath)
	cfg.Transmitter.KeyPath = expandPath(cfg.Transmitter.KeyPath)
	cfg.Transmitter.RecordDir = expandPath(cfg.Transmitter.RecordDir)
	cfg.Receiver.RecordDir = expandPath(cfg.Receiver.RecordDir)

	if used := v.ConfigFileUsed(); used != "" {
		Debug("config file loaded", Fields{ConfigPath: used})
	}
	return &cfg, nil
}

func initViper(configPath string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType(defaultConfigType)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".framecast"))
		}
		v.AddConfigPath(".")
		v.SetConfigName(defaultConfigName)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			Error("config file unreadable", Fields{
				ConfigPath: configPath,
				FieldError: err.Error(),
			})
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// SaveDefaultConfig writes the default configuration to path unless a file
// already exists there. It returns the path written.
func SaveDefaultConfig(path string) (string, error) {
	if path == "" {
		p, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = p
	}
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("config %s already exists", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}

	v := viper.New()
	v.SetConfigType(defaultConfigType)
	for k, val := range defaults {
		v.Set(k, val)
	}
	if err := v.WriteConfigAs(path); err != nil {
		return "", fmt.Errorf("write config: %w", err)
	}
	_ = os.Chmod(path, 0o600)
	return path, nil
}

func validPort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// Validate checks the transmitter options once, before anything starts.
func (c *TransmitterConfig) Validate() error {
	var errs []error
	if err := validPort(c.Port); err != nil {
		errs = append(errs, err)
	}
	if c.UseTLS && (c.CertPath == "" || c.KeyPath == "") {
		errs = append(errs, errors.New("use_tls requires cert_path and key_path"))
	}
	if c.QueueCapacity <= 0 {
		errs = append(errs, fmt.Errorf("queue_capacity must be positive, got %d", c.QueueCapacity))
	}
	if _, err := queue.ParsePolicy(c.OverflowPolicy); err != nil {
		errs = append(errs, err)
	}
	if c.SendRetries < 1 {
		errs = append(errs, fmt.Errorf("send_retries must be at least 1, got %d", c.SendRetries))
	}
	if c.BackoffBaseSeconds < 0 {
		errs = append(errs, errors.New("backoff_base_seconds must not be negative"))
	}
	if c.AcceptTimeoutMs <= 0 {
		errs = append(errs, errors.New("accept_timeout_ms must be positive"))
	}
	if c.SendTimeoutMs <= 0 {
		errs = append(errs, errors.New("send_timeout_ms must be positive"))
	}
	if err := validFrameSize(c.MaxFrameSize); err != nil {
		errs = append(errs, err)
	}
	if c.MaxFPS < 0 {
		errs = append(errs, errors.New("max_fps must not be negative"))
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("jpeg_quality must be between 1 and 100, got %d", c.JPEGQuality))
	}
	if c.Width <= 0 || c.Height <= 0 {
		errs = append(errs, errors.New("width and height must be positive"))
	}
	switch c.Source {
	case "pattern", "ffmpeg":
	default:
		errs = append(errs, fmt.Errorf("unknown source %q", c.Source))
	}
	if c.RecordLocal && c.ChunkDurationSeconds <= 0 {
		errs = append(errs, errors.New("chunk_duration_seconds must be positive when recording"))
	}
	return errors.Join(errs...)
}

// validFrameSize bounds max_frame_size to what the 4-byte length prefix
// can carry.
func validFrameSize(n int) error {
	if n <= 0 || uint64(n) > math.MaxUint32 {
		return fmt.Errorf("max_frame_size must be between 1 and %d, got %d", uint64(math.MaxUint32), n)
	}
	return nil
}

// Validate checks the receiver options once, before anything starts.
func (c *ReceiverConfig) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Host) == "" {
		errs = append(errs, errors.New("host is required"))
	}
	if err := validPort(c.Port); err != nil {
		errs = append(errs, err)
	}
	if c.MaxReconnects < 1 {
		errs = append(errs, fmt.Errorf("max_reconnects must be at least 1, got %d", c.MaxReconnects))
	}
	if c.BackoffBaseSeconds < 0 || c.ReconnectDelayMaxSeconds < 0 {
		errs = append(errs, errors.New("reconnect delays must not be negative"))
	}
	if c.ConnectTimeoutMs <= 0 {
		errs = append(errs, errors.New("connect_timeout_ms must be positive"))
	}
	if c.ReadTimeoutMs < 0 {
		errs = append(errs, errors.New("read_timeout_ms must not be negative"))
	}
	if err := validFrameSize(c.MaxFrameSize); err != nil {
		errs = append(errs, err)
	}
	if c.RecordLocal && c.ChunkDurationSeconds <= 0 {
		errs = append(errs, errors.New("chunk_duration_seconds must be positive when recording"))
	}
	return errors.Join(errs...)
}

func (c *TransmitterConfig) Addr() string { return joinHostPort(c.Host, c.Port) }
func (c *ReceiverConfig) Addr() string    { return joinHostPort(c.Host, c.Port) }

func (c *TransmitterConfig) Policy() queue.Policy {
	p, _ := queue.ParsePolicy(c.OverflowPolicy)
	return p
}

func (c *TransmitterConfig) AcceptTimeout() time.Duration { return ms(c.AcceptTimeoutMs) }
func (c *TransmitterConfig) SendTimeout() time.Duration   { return ms(c.SendTimeoutMs) }
func (c *TransmitterConfig) PushTimeout() time.Duration   { return ms(c.PushTimeoutMs) }
func (c *TransmitterConfig) Backoff() time.Duration       { return seconds(c.BackoffBaseSeconds) }
func (c *TransmitterConfig) ChunkDuration() time.Duration { return seconds(c.ChunkDurationSeconds) }

func (c *ReceiverConfig) ConnectTimeout() time.Duration    { return ms(c.ConnectTimeoutMs) }
func (c *ReceiverConfig) ReadTimeout() time.Duration       { return ms(c.ReadTimeoutMs) }
func (c *ReceiverConfig) Backoff() time.Duration           { return seconds(c.BackoffBaseSeconds) }
func (c *ReceiverConfig) ReconnectDelayMax() time.Duration { return seconds(c.ReconnectDelayMaxSeconds) }
func (c *ReceiverConfig) ChunkDuration() time.Duration     { return seconds(c.ChunkDurationSeconds) }

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func seconds(v float64) time.Duration { return time.Duration(v * float64(time.Second)) }

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(strings.Trim(host, "[]"), strconv.Itoa(port))
}

func expandPath(p string) string {
	if p == "" {
		return p
	}
	p = os.ExpandEnv(p)
	if strings.HasPrefix(p, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
