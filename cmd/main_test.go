package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivanvanderbyl/pcswitch/pkg/pcswitch"
)

func TestPulseCommandWithMemoryDriver(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "pcswitch.log")

	err := newApp().Run([]string{"pcswitch", "--log-file", logPath, "pulse", "--gpio-driver", "memory", "--hold", "5ms"})
	require.NoError(t, err)

	b, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(b), "Relay pulsed")
}

func TestServeRequiresToken(t *testing.T) {
	t.Setenv("PCSWITCH_TOKEN", "")

	err := newApp().Run([]string{"pcswitch", "serve", "--gpio-driver", "memory"})
	assert.ErrorIs(t, err, pcswitch.ErrEmptyToken)
}

func TestServeRejectsUnknownMatchMode(t *testing.T) {
	err := newApp().Run([]string{"pcswitch", "serve", "--gpio-driver", "memory", "--token", "x", "--match", "prefix"})
	assert.ErrorIs(t, err, pcswitch.ErrUnknownMatchMode)
}

func TestServeReadsConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pcswitch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("token: PCSWITCH_TOKEN\nmatch: prefix\ngpio-driver: memory\n"), 0o600))

	err := newApp().Run([]string{"pcswitch", "serve", "--config", path})
	assert.ErrorIs(t, err, pcswitch.ErrUnknownMatchMode, "match read from the file")
}

func TestProxyRejectsBadMapping(t *testing.T) {
	err := newApp().Run([]string{"pcswitch", "proxy", "--map", "7776"})
	assert.Error(t, err)
}

func TestUnknownLogFormat(t *testing.T) {
	err := newApp().Run([]string{"pcswitch", "--log-format", "xml", "pulse", "--gpio-driver", "memory"})
	assert.Error(t, err)
}
