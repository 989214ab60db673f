package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoad(t *testing.T) {
	cases := []struct {
		name    string
		yaml    string
		exp     func(c *Config)
		errPart string
	}{
		{
			name: "empty file gives defaults",
			yaml: "",
			exp:  func(c *Config) {},
		},
		{
			name: "overrides",
			yaml: `
listen_addr: 0.0.0.0:9000
runner: lua
max_sessions: 3
session_timeout: 30s
close_grace: 1m
archive:
  bucket: runs
`,
			exp: func(c *Config) {
				c.ListenAddr = "0.0.0.0:9000"
				c.Runner = RunnerLua
				c.MaxSessions = 3
				c.SessionTimeout = Duration(30 * time.Second)
				c.CloseGrace = Duration(time.Minute)
				c.Archive.Bucket = "runs"
			},
		},
		{
			name:    "bad duration",
			yaml:    "session_timeout: soon\n",
			errPart: "invalid duration",
		},
		{
			name:    "unknown runner",
			yaml:    "runner: jvm\n",
			errPart: `unknown runner "jvm"`,
		},
		{
			name:    "half of TLS",
			yaml:    "tls_cert: cert.pem\n",
			errPart: "tls_cert and tls_key must be set together",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), FileName)
			writeFile(t, path, c.yaml)

			cfg, err := Load(path)
			if c.errPart != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), c.errPart)
				return
			}
			require.NoError(t, err)
			exp := Default()
			c.exp(&exp)
			assert.Equal(t, exp, cfg)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "project", "src")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	writeFile(t, filepath.Join(root, "project", FileName), "")

	p, err := Discover("", sub)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "project", FileName), p)

	p, err = Discover("/etc/liverun/custom.yaml", sub)
	require.NoError(t, err)
	assert.Equal(t, "/etc/liverun/custom.yaml", p)
}

func TestWatch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	path := filepath.Join(t.TempDir(), FileName)
	writeFile(t, path, "max_sessions: 1\n")

	changes := make(chan Config, 10)
	require.NoError(t, Watch(ctx, path, zap.NewNop().Sugar(), func(c Config) { changes <- c }))

	// invalid contents are skipped
	writeFile(t, path, "max_sessions: [\n")
	writeFile(t, path, "max_sessions: 7\nsession_timeout: 5s\n")

	select {
	case c := <-changes:
		assert.Equal(t, 7, c.MaxSessions)
		assert.Equal(t, 5*time.Second, c.SessionTimeout.Duration())
	case <-ctx.Done():
		t.Fatal("timed out waiting for config change")
	}
}
