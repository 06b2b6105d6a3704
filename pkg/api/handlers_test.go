package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/agentgate/pkg/config"
	"github.com/codeready-toolchain/agentgate/pkg/llm"
	"github.com/codeready-toolchain/agentgate/pkg/mcp"
	"github.com/codeready-toolchain/agentgate/pkg/models"
	"github.com/codeready-toolchain/agentgate/pkg/session"
	"github.com/codeready-toolchain/agentgate/pkg/store"
)

const (
	testAPIKey = "test-key"
	testUser   = "alice"
)

// scriptedStreamer replays one chunk script per Stream call.
type scriptedStreamer struct {
	mu      sync.Mutex
	scripts [][]llm.Chunk
	calls   int
}

func (f *scriptedStreamer) Stream(ctx context.Context, _ llm.Request) (<-chan llm.Chunk, error) {
	f.mu.Lock()
	var script []llm.Chunk
	if f.calls < len(f.scripts) {
		script = f.scripts[f.calls]
	}
	f.calls++
	f.mu.Unlock()

	out := make(chan llm.Chunk, len(script))
	go func() {
		defer close(out)
		for _, c := range script {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// echoToolFactory wires every spawn attempt to a fresh in-memory MCP server
// exposing a single echo tool.
func echoToolFactory(_ models.ServerSpec, _ map[string]string, _ string) (mcpsdk.Transport, error) {
	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "test-server", Version: "test"}, nil)
	server.AddTool(&mcpsdk.Tool{
		Name:        "echo",
		Description: "echoes text back",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}, func(_ context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		var args map[string]any
		_ = json.Unmarshal(req.Params.Arguments, &args)
		text, _ := args["text"].(string)
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "echo: " + text}},
		}, nil
	})
	clientTransport, serverTransport := mcpsdk.NewInMemoryTransports()
	go func() {
		_ = server.Run(context.Background(), serverTransport)
	}()
	return clientTransport, nil
}

func newTestServer(t *testing.T, streamer llm.Streamer) *Server {
	t.Helper()
	cfg := &config.Config{
		Host:      "127.0.0.1",
		Port:      0,
		APIKey:    testAPIKey,
		BodyLimit: 1 << 20,
		MaxTurns:  4,
	}
	cat := &config.Catalogue{
		Models: []config.Model{
			{ModelID: "test-model", ModelName: "Test Model", Provider: config.ProviderAnthropic, MaxTokens: 512},
		},
	}
	sup := mcp.NewSupervisor(store.NewMemory(), nil, echoToolFactory, t.TempDir(), slog.Default())
	mgr := session.NewManager(0, slog.Default())
	streamers := map[string]llm.Streamer{config.ProviderAnthropic: streamer}

	s := NewServer(cfg, cat, sup, mgr, streamers, slog.Default())
	t.Cleanup(func() {
		mgr.Shutdown()
		sup.Shutdown()
	})
	return s
}

// do runs one authenticated request against the routing tree.
func do(s *Server, method, path, body string, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	req.Header.Set(userHeader, testUser)
	for _, m := range mutate {
		m(req)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestAuth_MissingToken(t *testing.T) {
	s := newTestServer(t, &scriptedStreamer{})
	rec := do(s, http.MethodGet, "/v1/list/models", "", func(r *http.Request) {
		r.Header.Del("Authorization")
	})

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "auth:missing-token", decodeBody(t, rec)["kind"])
}

func TestAuth_WrongToken(t *testing.T) {
	s := newTestServer(t, &scriptedStreamer{})
	rec := do(s, http.MethodGet, "/v1/list/models", "", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer wrong")
	})

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "auth:bad-token", decodeBody(t, rec)["kind"])
}

func TestAuth_MissingUserOnScopedRoute(t *testing.T) {
	s := newTestServer(t, &scriptedStreamer{})
	rec := do(s, http.MethodGet, "/v1/list/mcp_server", "", func(r *http.Request) {
		r.Header.Del(userHeader)
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "auth:missing-user", decodeBody(t, rec)["kind"])
}

func TestHealth_NeedsNoUserHeader(t *testing.T) {
	s := newTestServer(t, &scriptedStreamer{})
	rec := do(s, http.MethodGet, "/v1/health", "", func(r *http.Request) {
		r.Header.Del(userHeader)
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}

func TestListModels(t *testing.T) {
	s := newTestServer(t, &scriptedStreamer{})
	rec := do(s, http.MethodGet, "/v1/list/models", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Models []config.Model `json:"models"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Models, 1)
	assert.Equal(t, "test-model", body.Models[0].ModelID)
}

func TestAddListRemoveServer(t *testing.T) {
	s := newTestServer(t, &scriptedStreamer{})

	rec := do(s, http.MethodPost, "/v1/add/mcp_server",
		`{"server_id":"echo","command":"npx","args":["-y","@example/echo"]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "ready", decodeBody(t, rec)["status"])

	rec = do(s, http.MethodGet, "/v1/list/mcp_server", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Servers []models.ServerInfo `json:"servers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Servers, 1)
	assert.Equal(t, "echo", list.Servers[0].ServerID)
	assert.Equal(t, models.StatusReady, list.Servers[0].Status)

	rec = do(s, http.MethodDelete, "/v1/remove/mcp_server/echo", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(s, http.MethodGet, "/v1/list/mcp_server", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Empty(t, list.Servers)
}

func TestAddServer_RejectsInvalidSpec(t *testing.T) {
	s := newTestServer(t, &scriptedStreamer{})

	rec := do(s, http.MethodPost, "/v1/add/mcp_server",
		`{"server_id":"bad","command":"bash","args":["-c","rm -rf /"]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation:unknown-command", decodeBody(t, rec)["kind"])
}

func TestAddServer_ConfigJSONBlock(t *testing.T) {
	s := newTestServer(t, &scriptedStreamer{})

	rec := do(s, http.MethodPost, "/v1/add/mcp_server",
		`{"config_json":"{\"mcpServers\":{\"echo\":{\"command\":\"npx\",\"args\":[\"-y\",\"@example/echo\"]}}}"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "echo", decodeBody(t, rec)["server_id"])
}

func TestRemoveServer_UnknownIsIdempotent(t *testing.T) {
	s := newTestServer(t, &scriptedStreamer{})

	rec := do(s, http.MethodDelete, "/v1/remove/mcp_server/never-added", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["removed"])
}

func TestStopStream_UnknownIsIdempotent(t *testing.T) {
	s := newTestServer(t, &scriptedStreamer{})

	rec := do(s, http.MethodPost, "/v1/stop/stream/no-such-stream", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Equal(t, true, decodeBody(t, rec)["stopped"])
}

func TestRemoveHistory(t *testing.T) {
	s := newTestServer(t, &scriptedStreamer{})

	rec := do(s, http.MethodPost, "/v1/remove/history", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["cleared"])
}
