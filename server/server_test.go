package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/clue/log"

	"goa.design/agentbridge/invoke"
	"goa.design/agentbridge/protocol"
)

func testServer(t *testing.T, cfg *Config) *httptest.Server {
	t.Helper()
	inv := invoke.Single(func(ctx context.Context, req *protocol.Request) (any, error) {
		return "hello", nil
	})
	srv := New(log.Context(context.Background()), cfg, inv)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	assert.Equal(t, ":8000", cfg.Addr)
	assert.Equal(t, "/openai/v1", cfg.OpenAI.Prefix)
	assert.Equal(t, "agentbridge", cfg.OpenAI.Model)
	assert.Equal(t, "/agui/v1", cfg.AGUI.Prefix)
}

func TestLoadConfigEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, ":8000", cfg.Addr)
	assert.False(t, cfg.OpenAI.Disable)
}

func TestLoadConfigYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `
addr: ":9000"
serialize_tool_calls: true
cors_origins: ["https://app.example.com"]
openai:
  model: my-agent
agui:
  disable: true
  prefix: /custom/agui
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Addr)
	assert.True(t, cfg.SerializeToolCalls)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.CORSOrigins)
	assert.Equal(t, "my-agent", cfg.OpenAI.Model)
	assert.Equal(t, "/openai/v1", cfg.OpenAI.Prefix)
	assert.True(t, cfg.AGUI.Disable)
	assert.Equal(t, "/custom/agui", cfg.AGUI.Prefix)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestRoutesMounted(t *testing.T) {
	ts := testServer(t, &Config{})

	resp, err := http.Get(ts.URL + "/agui/v1/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(ts.URL + "/openai/v1/models")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestChatCompletionsServed(t *testing.T) {
	ts := testServer(t, &Config{})

	body := `{"messages":[{"role":"user","content":"hi"}],"stream":true}`
	resp, err := http.Post(ts.URL+"/openai/v1/chat/completions", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
}

func TestDisabledProtocolNotMounted(t *testing.T) {
	ts := testServer(t, &Config{AGUI: ProtocolConfig{Disable: true}})

	resp, err := http.Get(ts.URL + "/agui/v1/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCORSAllowsListedOrigin(t *testing.T) {
	ts := testServer(t, &Config{CORSOrigins: []string{"https://app.example.com"}})

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/agui/v1/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestCORSIgnoresUnknownOrigin(t *testing.T) {
	ts := testServer(t, &Config{CORSOrigins: []string{"https://app.example.com"}})

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/agui/v1/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://evil.example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	ts := testServer(t, &Config{CORSOrigins: []string{"*"}})

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/agui/v1/agent", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://anywhere.example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
}
