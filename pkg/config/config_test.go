package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFile_Defaults(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, "server:\n  port: 9090\n"))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Session.Store)
	assert.Equal(t, 5, cfg.Session.BatchSize)
	assert.Equal(t, 4*time.Hour, cfg.Session.TTL())
	assert.Equal(t, "gpt-4.1", cfg.LLM.Model)
	assert.Equal(t, 30*time.Second, cfg.LLM.Timeout())
	assert.InDelta(t, 0.6, cfg.Matching.ConfidenceThreshold, 1e-9)
	assert.Equal(t, 50, cfg.Matching.MaxAttributes)
}

func TestLoadFile_Overrides(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, `
session:
  store: redis
  batchSize: 3
  maxBatchSize: 10
llm:
  provider: azure
  baseURL: https://example.openai.azure.com
auth:
  staticTokens: ["abc", "def"]
`))
	require.NoError(t, err)

	assert.Equal(t, "redis", cfg.Session.Store)
	assert.Equal(t, 3, cfg.Session.BatchSize)
	assert.Equal(t, "azure", cfg.LLM.Provider)
	assert.Equal(t, []string{"abc", "def"}, cfg.Auth.StaticTokens)
}

func TestLoadFile_EnvOverride(t *testing.T) {
	t.Setenv("CDD_AGENT_SESSION_BATCHSIZE", "7")
	cfg, err := LoadFile(writeConfig(t, "session:\n  store: memory\n"))
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Session.BatchSize)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown store", "session:\n  store: disk\n"},
		{"zero batch", "session:\n  batchSize: 0\n"},
		{"max below default", "session:\n  batchSize: 10\n  maxBatchSize: 5\n"},
		{"unknown provider", "llm:\n  provider: bedrock\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFile(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}
