package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m-jawhar/conduit/internal/transport"
)

func receiverFlags(t *testing.T, args ...string) *viper.Viper {
	t.Helper()
	v := New()
	fs := pflag.NewFlagSet("receive", pflag.ContinueOnError)
	BindReceiverFlags(v, fs)
	BindLogFlags(v, fs)
	require.NoError(t, fs.Parse(args))
	return v
}

func senderFlags(t *testing.T, args ...string) *viper.Viper {
	t.Helper()
	v := New()
	fs := pflag.NewFlagSet("send", pflag.ContinueOnError)
	BindSenderFlags(v, fs)
	require.NoError(t, fs.Parse(args))
	return v
}

func TestReceiver_Defaults(t *testing.T) {
	cfg, err := LoadReceiver(receiverFlags(t))
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, ".", cfg.Out)
	assert.Equal(t, 10, cfg.Workers)
	assert.Equal(t, transport.KindTCP, cfg.Kind())
	assert.Equal(t, 64*1024, cfg.ChunkSize)
	assert.Equal(t, "xxhash64", cfg.Checksum)
	assert.Equal(t, 10, cfg.ProgressStep)
	assert.Zero(t, cfg.LockTimeout)
	assert.False(t, cfg.Once)
}

func TestReceiver_Flags(t *testing.T) {
	v := receiverFlags(t,
		"--listen", "127.0.0.1:7000", "--out", "/srv/in", "--workers", "3",
		"--lock-timeout", "30s", "--checksum", "blake3", "--once",
		"--log-level", "debug",
	)
	cfg, err := LoadReceiver(v)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7000", cfg.Listen)
	assert.Equal(t, "/srv/in", cfg.Out)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, 30*time.Second, cfg.LockTimeout)
	assert.Equal(t, "blake3", cfg.Checksum)
	assert.True(t, cfg.Once)
	assert.Equal(t, "debug", LoadLog(v).Level)
}

func TestReceiver_EnvFallback(t *testing.T) {
	t.Setenv("CONDUIT_RECEIVE_WORKERS", "4")
	t.Setenv("CONDUIT_RECEIVE_STATUS_ADDR", ":9100")
	t.Setenv("CONDUIT_LOG_FORMAT", "json")

	v := receiverFlags(t)
	cfg, err := LoadReceiver(v)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, ":9100", cfg.StatusAddr)
	assert.Equal(t, "json", LoadLog(v).Format)
}

func TestReceiver_FlagsOverrideEnv(t *testing.T) {
	t.Setenv("CONDUIT_RECEIVE_WORKERS", "4")

	cfg, err := LoadReceiver(receiverFlags(t, "--workers", "6"))
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Workers)
}

func TestSender_Defaults(t *testing.T) {
	cfg, err := LoadSender(senderFlags(t))
	require.NoError(t, err)

	assert.Equal(t, "localhost:9000", cfg.Addr)
	assert.Equal(t, 5*time.Second, cfg.DialTimeout)
	assert.False(t, cfg.UseTLS())
}

func TestSender_UseTLS(t *testing.T) {
	tests := map[string]struct {
		args []string
		want bool
	}{
		"tcp":          {args: nil, want: false},
		"tls":          {args: []string{"--transport", "tls"}, want: true},
		"quic":         {args: []string{"--transport", "quic"}, want: true},
		"plain ws":     {args: []string{"--transport", "ws"}, want: false},
		"wss with ca":  {args: []string{"--transport", "ws", "--tls-ca", "ca.pem"}, want: true},
		"wss insecure": {args: []string{"--transport", "ws", "--insecure"}, want: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			cfg, err := LoadSender(senderFlags(t, tc.args...))
			require.NoError(t, err)
			assert.Equal(t, tc.want, cfg.UseTLS())
		})
	}
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conduit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: warn
receive:
  out: /data/incoming
  workers: 2
  transport: quic
send:
  addr: files.example.com:9000
  chunk-size: 131072
`), 0o644))

	v := receiverFlags(t)
	used, err := ReadFile(v, path)
	require.NoError(t, err)
	assert.Equal(t, path, used)

	f, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "warn", f.Log.Level)
	assert.Equal(t, "/data/incoming", f.Receive.Out)
	assert.Equal(t, 2, f.Receive.Workers)
	assert.Equal(t, transport.KindQUIC, f.Receive.Kind())
	assert.Equal(t, "files.example.com:9000", f.Send.Addr)
	assert.Equal(t, 131072, f.Send.ChunkSize)
}

func TestReadFile_MissingExplicitFile(t *testing.T) {
	_, err := ReadFile(New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestReadFile_MissingDefaultFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	used, err := ReadFile(New(), "")
	require.NoError(t, err)
	assert.Empty(t, used)
}

func TestReceiver_Validate(t *testing.T) {
	valid := func() Receiver {
		return Receiver{
			Listen: ":9000", Workers: 1, Transport: "tcp", ChunkSize: 64 * 1024,
			Checksum: "xxhash64", ProgressStep: 10,
		}
	}
	tests := map[string]struct {
		mutate func(*Receiver)
		want   error
	}{
		"no listen":       {func(c *Receiver) { c.Listen = "" }, ErrMissingListen},
		"zero workers":    {func(c *Receiver) { c.Workers = 0 }, ErrInvalidWorkers},
		"tiny chunks":     {func(c *Receiver) { c.ChunkSize = 10 }, ErrInvalidChunkSize},
		"huge chunks":     {func(c *Receiver) { c.ChunkSize = 1 << 30 }, ErrInvalidChunkSize},
		"bad step":        {func(c *Receiver) { c.ProgressStep = 0 }, ErrInvalidProgressStep},
		"cert only":       {func(c *Receiver) { c.TLSCert = "cert.pem" }, ErrIncompleteKeyPair},
		"tls without key": {func(c *Receiver) { c.Transport = "tls" }, ErrTLSKeyPairRequired},
		"negative lock":   {func(c *Receiver) { c.LockTimeout = -time.Second }, ErrNegativeDuration},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			c := valid()
			tc.mutate(&c)
			assert.ErrorIs(t, c.Validate(), tc.want)
		})
	}

	c := valid()
	c.Transport = "carrier-pigeon"
	assert.Error(t, c.Validate())
	c = valid()
	c.Checksum = "sha0"
	assert.Error(t, c.Validate())
	assert.NoError(t, valid().Validate())
}
