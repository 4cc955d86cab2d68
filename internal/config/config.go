// Package config resolves receiver and sender settings from flags, CONDUIT_*
// environment variables and an optional YAML file, in that order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/m-jawhar/conduit/internal/bufpool"
	"github.com/m-jawhar/conduit/internal/checksum"
	"github.com/m-jawhar/conduit/internal/dispatch"
	"github.com/m-jawhar/conduit/internal/progress"
	"github.com/m-jawhar/conduit/internal/transport"
)

// EnvPrefix prefixes every environment variable, e.g. CONDUIT_RECEIVE_LISTEN.
const EnvPrefix = "CONDUIT"

// DefaultConfigName is looked up in the home directory when no file is given.
const DefaultConfigName = ".conduit"

const (
	minChunkSize = 1024
	maxChunkSize = 16 * 1024 * 1024
)

var (
	ErrInvalidWorkers      = errors.New("workers must be at least 1")
	ErrInvalidChunkSize    = errors.New("chunk size must be between 1 KiB and 16 MiB")
	ErrInvalidProgressStep = errors.New("progress step must be between 1 and 100")
	ErrIncompleteKeyPair   = errors.New("tls-cert and tls-key must be set together")
	ErrTLSKeyPairRequired  = errors.New("the tls transport requires tls-cert and tls-key")
	ErrMissingListen       = errors.New("listen address must be set")
	ErrMissingAddr         = errors.New("receiver address must be set")
	ErrNegativeDuration    = errors.New("timeouts must not be negative")
)

// Log holds logger settings shared by all commands.
type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Receiver holds the settings of `conduit receive`.
type Receiver struct {
	Listen       string        `mapstructure:"listen"`
	Out          string        `mapstructure:"out"`
	Workers      int           `mapstructure:"workers"`
	Transport    string        `mapstructure:"transport"`
	TLSCert      string        `mapstructure:"tls-cert"`
	TLSKey       string        `mapstructure:"tls-key"`
	ChunkSize    int           `mapstructure:"chunk-size"`
	Checksum     string        `mapstructure:"checksum"`
	LockTimeout  time.Duration `mapstructure:"lock-timeout"`
	StatusAddr   string        `mapstructure:"status-addr"`
	Once         bool          `mapstructure:"once"`
	ProgressStep int           `mapstructure:"progress-step"`
}

// Sender holds the settings of `conduit send`.
type Sender struct {
	Addr         string        `mapstructure:"addr"`
	Transport    string        `mapstructure:"transport"`
	TLSCA        string        `mapstructure:"tls-ca"`
	Insecure     bool          `mapstructure:"insecure"`
	ServerName   string        `mapstructure:"server-name"`
	ChunkSize    int           `mapstructure:"chunk-size"`
	Checksum     string        `mapstructure:"checksum"`
	DialTimeout  time.Duration `mapstructure:"dial-timeout"`
	ProgressStep int           `mapstructure:"progress-step"`
}

// File mirrors the layout of the YAML config file.
type File struct {
	Log     Log      `mapstructure:"log"`
	Receive Receiver `mapstructure:"receive"`
	Send    Sender   `mapstructure:"send"`
}

// New returns a viper instance with defaults and environment lookup set up.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// SetDefaults registers every known key. Keys without a default are invisible
// to Unmarshal, so each one needs an entry here.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("receive.listen", ":9000")
	v.SetDefault("receive.out", ".")
	v.SetDefault("receive.workers", dispatch.DefaultCapacity)
	v.SetDefault("receive.transport", string(transport.KindTCP))
	v.SetDefault("receive.tls-cert", "")
	v.SetDefault("receive.tls-key", "")
	v.SetDefault("receive.chunk-size", bufpool.DefaultSize)
	v.SetDefault("receive.checksum", checksum.Default)
	v.SetDefault("receive.lock-timeout", time.Duration(0))
	v.SetDefault("receive.status-addr", "")
	v.SetDefault("receive.once", false)
	v.SetDefault("receive.progress-step", progress.DefaultStep)

	v.SetDefault("send.addr", "localhost:9000")
	v.SetDefault("send.transport", string(transport.KindTCP))
	v.SetDefault("send.tls-ca", "")
	v.SetDefault("send.insecure", false)
	v.SetDefault("send.server-name", "")
	v.SetDefault("send.chunk-size", bufpool.DefaultSize)
	v.SetDefault("send.checksum", checksum.Default)
	v.SetDefault("send.dial-timeout", 5*time.Second)
	v.SetDefault("send.progress-step", progress.DefaultStep)
}

// ReadFile loads path, or $HOME/.conduit.yaml when path is empty. A missing
// default file is not an error. It returns the file actually used, if any.
func ReadFile(v *viper.Viper, path string) (string, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", nil
		}
		v.AddConfigPath(home)
		v.SetConfigType("yaml")
		v.SetConfigName(DefaultConfigName)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read config file: %w", err)
	}
	return v.ConfigFileUsed(), nil
}

// BindLogFlags defines the logging flags on fs and binds them to v.
func BindLogFlags(v *viper.Viper, fs *pflag.FlagSet) {
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.String("log-format", "text", "log format (text, json)")
	bind(v, fs, "log", map[string]string{"level": "log-level", "format": "log-format"})
}

// BindReceiverFlags defines the receive flags on fs and binds them to v.
func BindReceiverFlags(v *viper.Viper, fs *pflag.FlagSet) {
	fs.String("listen", ":9000", "address to listen on")
	fs.StringP("out", "o", ".", "output directory, created if missing")
	fs.Int("workers", dispatch.DefaultCapacity, "maximum concurrent transfers")
	fs.String("transport", string(transport.KindTCP), "transport: tcp, tls, quic or ws")
	fs.String("tls-cert", "", "PEM certificate for tls, quic and wss")
	fs.String("tls-key", "", "PEM private key for tls, quic and wss")
	fs.Int("chunk-size", bufpool.DefaultSize, "payload chunk size in bytes")
	fs.String("checksum", checksum.Default, "checksum algorithm: xxhash64, blake3, md5 or crc32c")
	fs.Duration("lock-timeout", 0, "give up on a file name busy for this long (0 waits)")
	fs.String("status-addr", "", "serve the HTTP status endpoint on this address")
	fs.Bool("once", false, "exit after the first transfer")
	fs.Int("progress-step", progress.DefaultStep, "progress milestone step in percent")
	bind(v, fs, "receive", identity(
		"listen", "out", "workers", "transport", "tls-cert", "tls-key", "chunk-size",
		"checksum", "lock-timeout", "status-addr", "once", "progress-step",
	))
}

// BindSenderFlags defines the send flags on fs and binds them to v.
func BindSenderFlags(v *viper.Viper, fs *pflag.FlagSet) {
	fs.StringP("addr", "a", "localhost:9000", "receiver address")
	fs.String("transport", string(transport.KindTCP), "transport: tcp, tls, quic or ws")
	fs.String("tls-ca", "", "PEM CA certificate trusted for tls, quic and wss")
	fs.Bool("insecure", false, "skip certificate verification")
	fs.String("server-name", "", "TLS server name, defaults to the address host")
	fs.Int("chunk-size", bufpool.DefaultSize, "payload chunk size in bytes")
	fs.String("checksum", checksum.Default, "checksum algorithm: xxhash64, blake3, md5 or crc32c")
	fs.Duration("dial-timeout", 5*time.Second, "connection timeout")
	fs.Int("progress-step", progress.DefaultStep, "progress milestone step in percent")
	bind(v, fs, "send", identity(
		"addr", "transport", "tls-ca", "insecure", "server-name", "chunk-size",
		"checksum", "dial-timeout", "progress-step",
	))
}

func identity(names ...string) map[string]string {
	m := make(map[string]string, len(names))
	for _, n := range names {
		m[n] = n
	}
	return m
}

// bind maps section.key to the named flags.
func bind(v *viper.Viper, fs *pflag.FlagSet, section string, keys map[string]string) {
	for key, flag := range keys {
		_ = v.BindPFlag(section+"."+key, fs.Lookup(flag))
	}
}

// Load unmarshals every section.
func Load(v *viper.Viper) (File, error) {
	var f File
	if err := v.Unmarshal(&f); err != nil {
		return File{}, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return f, nil
}

// LoadReceiver returns the validated receive section.
func LoadReceiver(v *viper.Viper) (Receiver, error) {
	f, err := Load(v)
	if err != nil {
		return Receiver{}, err
	}
	if err := f.Receive.Validate(); err != nil {
		return Receiver{}, err
	}
	return f.Receive, nil
}

// LoadSender returns the validated send section.
func LoadSender(v *viper.Viper) (Sender, error) {
	f, err := Load(v)
	if err != nil {
		return Sender{}, err
	}
	if err := f.Send.Validate(); err != nil {
		return Sender{}, err
	}
	return f.Send, nil
}

// LoadLog returns the log section.
func LoadLog(v *viper.Viper) Log {
	return Log{Level: v.GetString("log.level"), Format: v.GetString("log.format")}
}

// Validate checks the receiver settings.
func (c Receiver) Validate() error {
	if c.Listen == "" {
		return ErrMissingListen
	}
	if c.Workers < 1 {
		return ErrInvalidWorkers
	}
	if err := validateCommon(c.Transport, c.Checksum, c.ChunkSize, c.ProgressStep); err != nil {
		return err
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return ErrIncompleteKeyPair
	}
	if c.Kind() == transport.KindTLS && c.TLSCert == "" {
		return ErrTLSKeyPairRequired
	}
	if c.LockTimeout < 0 {
		return ErrNegativeDuration
	}
	return nil
}

// Kind returns the parsed transport kind. Call after Validate.
func (c Receiver) Kind() transport.Kind {
	k, _ := transport.ParseKind(c.Transport)
	return k
}

// OutDir returns the absolute output directory.
func (c Receiver) OutDir() (string, error) {
	return filepath.Abs(c.Out)
}

// Validate checks the sender settings.
func (c Sender) Validate() error {
	if c.Addr == "" {
		return ErrMissingAddr
	}
	if err := validateCommon(c.Transport, c.Checksum, c.ChunkSize, c.ProgressStep); err != nil {
		return err
	}
	if c.DialTimeout < 0 {
		return ErrNegativeDuration
	}
	return nil
}

// Kind returns the parsed transport kind. Call after Validate.
func (c Sender) Kind() transport.Kind {
	k, _ := transport.ParseKind(c.Transport)
	return k
}

// UseTLS reports whether the sender needs a TLS client config: always for tls
// and quic, and for ws when trust material or --insecure asks for wss.
func (c Sender) UseTLS() bool {
	switch c.Kind() {
	case transport.KindTLS, transport.KindQUIC:
		return true
	case transport.KindWS:
		return c.TLSCA != "" || c.Insecure
	default:
		return false
	}
}

func validateCommon(kind, alg string, chunk, step int) error {
	if _, err := transport.ParseKind(kind); err != nil {
		return err
	}
	if _, err := checksum.Parse(alg); err != nil {
		return err
	}
	if chunk < minChunkSize || chunk > maxChunkSize {
		return ErrInvalidChunkSize
	}
	if step < 1 || step > 100 {
		return ErrInvalidProgressStep
	}
	return nil
}
