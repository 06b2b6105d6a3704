// Package mcp owns the lifecycle of user-registered MCP tool servers: one
// subprocess per client, a per-user supervisor, and the retry/recovery policy
// around tool calls.
package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/codeready-toolchain/agentgate/pkg/models"
	"github.com/codeready-toolchain/agentgate/pkg/version"
)

// State is the client connection state machine:
// init → starting → ready → {closing, failed} → closed.
type State string

const (
	StateInit     State = "init"
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateClosing  State = "closing"
	StateFailed   State = "failed"
	StateClosed   State = "closed"
)

// TransportFactory builds the SDK transport for one spec. Production uses
// the stdio subprocess transport; tests inject in-memory transports.
type TransportFactory func(spec models.ServerSpec, env map[string]string, scratchDir string) (mcpsdk.Transport, error)

// CommandTransportFactory spawns the server as a child process with its
// working directory pinned to the per-user scratch path. env has already been
// validated and secret-resolved.
func CommandTransportFactory(spec models.ServerSpec, env map[string]string, scratchDir string) (mcpsdk.Transport, error) {
	if err := os.MkdirAll(scratchDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating scratch dir: %w", err)
	}
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = scratchDir
	merged := os.Environ()
	for k, v := range env {
		merged = append(merged, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = merged
	return &mcpsdk.CommandTransport{Command: cmd}, nil
}

// ToolResult is the outcome of one tool call in domain form. IsError marks a
// tool-raised failure; the blocks then carry the tool's error message.
type ToolResult struct {
	Content []models.ContentBlock
	IsError bool
}

// Client holds one live connection to one MCP server and owns its subprocess.
// Safe for concurrent use; the SDK serializes calls on the stdio boundary.
type Client struct {
	spec       models.ServerSpec
	env        map[string]string
	scratchDir string
	transport  TransportFactory
	logger     *slog.Logger

	mu      sync.Mutex
	state   State
	client  *mcpsdk.Client
	session *mcpsdk.ClientSession

	// Lock ordering: never acquire mu while holding toolCacheMu.
	toolCacheMu sync.RWMutex
	toolCache   []*mcpsdk.Tool

	// Serializes connect/reconnect attempts so a thundering herd of failed
	// calls triggers one respawn, not many.
	reinitMu sync.Mutex
}

// NewClient builds a client in state init. env is the secret-resolved
// environment; it may differ from spec.Env.
func NewClient(spec models.ServerSpec, env map[string]string, scratchDir string, transport TransportFactory, logger *slog.Logger) *Client {
	if transport == nil {
		transport = CommandTransportFactory
	}
	return &Client{
		spec:       spec,
		env:        env,
		scratchDir: scratchDir,
		transport:  transport,
		state:      StateInit,
		logger:     logger.With("component", "mcp", "server", spec.ServerID),
	}
}

// Spec returns the spec this client was built from.
func (c *Client) Spec() models.ServerSpec {
	return c.spec
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status maps the connection state onto the derived spec status.
func (c *Client) Status() models.ServerStatus {
	switch c.State() {
	case StateReady:
		return models.StatusReady
	case StateInit, StateStarting:
		return models.StatusConnecting
	default:
		return models.StatusFailed
	}
}

// Connect spawns the subprocess and completes the handshake: the client is
// ready once the first tools listing succeeds within the init deadline.
func (c *Client) Connect(ctx context.Context) error {
	c.reinitMu.Lock()
	defer c.reinitMu.Unlock()
	return c.connectLocked(ctx)
}

// connectLocked performs the actual connection. Caller must hold reinitMu.
func (c *Client) connectLocked(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateReady {
		c.mu.Unlock()
		return nil
	}
	if c.state == StateClosing || c.state == StateClosed {
		c.mu.Unlock()
		return kindError(KindTransport, errors.New("client is closed"))
	}
	c.state = StateStarting
	c.mu.Unlock()

	transport, err := c.transport(c.spec, c.env, c.scratchDir)
	if err != nil {
		c.setState(StateFailed)
		return kindError(KindSpawnFailed, err)
	}

	initCtx, cancel := context.WithTimeout(ctx, InitTimeout)
	defer cancel()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    version.AppName,
		Version: version.GitCommit,
	}, nil)

	session, err := client.Connect(initCtx, transport, nil)
	if err != nil {
		// Close the transport if it implements io.Closer so a half-spawned
		// child process does not leak.
		if closer, ok := transport.(io.Closer); ok {
			_ = closer.Close()
		}
		c.setState(StateFailed)
		if initCtx.Err() != nil && ctx.Err() == nil {
			return kindError(KindHandshakeTimeout, err)
		}
		return kindError(KindSpawnFailed, err)
	}

	// The handshake completes with the first tools listing; a server that
	// connects but cannot list tools is not usable.
	listed, err := session.ListTools(initCtx, nil)
	if err != nil {
		_ = session.Close()
		c.setState(StateFailed)
		if initCtx.Err() != nil && ctx.Err() == nil {
			return kindError(KindHandshakeTimeout, err)
		}
		return kindError(KindTransport, err)
	}

	tools := listed.Tools
	if tools == nil {
		tools = []*mcpsdk.Tool{}
	}
	c.toolCacheMu.Lock()
	c.toolCache = tools
	c.toolCacheMu.Unlock()

	c.mu.Lock()
	c.client = client
	c.session = session
	c.state = StateReady
	c.mu.Unlock()

	c.logger.Info("MCP server connected", "tools", len(tools))
	return nil
}

// Tools returns the cached tool descriptors. The cache is seeded during the
// handshake and invalidated only by reconnect.
func (c *Client) Tools(ctx context.Context) ([]*mcpsdk.Tool, error) {
	c.toolCacheMu.RLock()
	cached := c.toolCache
	c.toolCacheMu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return nil, kindError(KindTransport, fmt.Errorf("server %q is not connected", c.spec.ServerID))
	}

	opCtx, cancel := context.WithTimeout(ctx, OperationTimeout)
	defer cancel()
	listed, err := session.ListTools(opCtx, nil)
	if err != nil {
		return nil, kindError(KindTransport, err)
	}
	tools := listed.Tools
	if tools == nil {
		tools = []*mcpsdk.Tool{}
	}
	c.toolCacheMu.Lock()
	c.toolCache = tools
	c.toolCacheMu.Unlock()
	return tools, nil
}

// CallTool executes one tool call. Transport failures trigger at most one
// retry after a jittered backoff, respawning the subprocess when needed.
// A tool-raised failure is not a Go error: it comes back as a ToolResult
// with IsError set, so the model can react to it.
func (c *Client) CallTool(ctx context.Context, toolName string, args map[string]any) (*ToolResult, error) {
	result, err := c.callOnce(ctx, toolName, args)
	if err == nil {
		return result, nil
	}

	action := ClassifyError(err)
	if action == NoRetry {
		return nil, c.wrapCallError(ctx, err)
	}

	c.logger.Info("tool call failed, retrying",
		"tool", toolName, "action", action, "error", err)

	backoff := RetryBackoffMin + time.Duration(rand.Int64N(int64(RetryBackoffMax-RetryBackoffMin)))
	select {
	case <-time.After(backoff):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if action == RetryNewSession {
		if err := c.reconnect(ctx); err != nil {
			return nil, fmt.Errorf("respawn of %q failed: %w", c.spec.ServerID, err)
		}
	}

	result, err = c.callOnce(ctx, toolName, args)
	if err != nil {
		return nil, c.wrapCallError(ctx, fmt.Errorf("retry failed for %s.%s: %w", c.spec.ServerID, toolName, err))
	}
	return result, nil
}

func (c *Client) callOnce(ctx context.Context, toolName string, args map[string]any) (*ToolResult, error) {
	c.mu.Lock()
	session := c.session
	state := c.state
	c.mu.Unlock()
	if session == nil || state != StateReady {
		return nil, kindError(KindTransport, fmt.Errorf("server %q is not ready (state %s)", c.spec.ServerID, state))
	}

	opCtx, cancel := context.WithTimeout(ctx, OperationTimeout)
	defer cancel()

	raw, err := session.CallTool(opCtx, &mcpsdk.CallToolParams{
		Name:      toolName,
		Arguments: args,
	})
	if err != nil {
		return nil, err
	}
	return convertResult(raw), nil
}

// wrapCallError maps a terminal call error onto its kind: a blown per-call
// deadline is a tool timeout, everything else is transport-level.
func (c *Client) wrapCallError(ctx context.Context, err error) error {
	if ErrorKind(err) != "" {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return kindError(KindToolTimeout, err)
	}
	return kindError(KindTransport, err)
}

// reconnect tears down the session and respawns the subprocess, retrying the
// respawn with exponential backoff. Serialized on reinitMu so racing failed
// calls trigger one respawn.
func (c *Client) reconnect(ctx context.Context) error {
	c.reinitMu.Lock()
	defer c.reinitMu.Unlock()

	c.mu.Lock()
	if c.session != nil {
		_ = c.session.Close()
		c.session = nil
		c.client = nil
	}
	c.state = StateInit
	c.mu.Unlock()

	c.toolCacheMu.Lock()
	c.toolCache = nil
	c.toolCacheMu.Unlock()

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		reinitCtx, cancel := context.WithTimeout(ctx, ReinitTimeout)
		defer cancel()
		return struct{}{}, c.connectLocked(reinitCtx)
	}, backoff.WithBackOff(&backoff.ExponentialBackOff{
		InitialInterval:     RetryBackoffMin,
		MaxInterval:         RetryBackoffMax,
		Multiplier:          2,
		RandomizationFactor: 0.5,
	}), backoff.WithMaxTries(reconnectMaxTries))
	return err
}

// Close shuts the client down: graceful disconnect with a drain window, then
// the SDK terminates the subprocess. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	session := c.session
	c.session = nil
	c.client = nil
	c.mu.Unlock()

	var err error
	if session != nil {
		done := make(chan error, 1)
		go func() { done <- session.Close() }()
		select {
		case err = <-done:
		case <-time.After(DrainTimeout):
			err = fmt.Errorf("drain window expired for %q", c.spec.ServerID)
		}
	}

	c.setState(StateClosed)
	return err
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// convertResult lowers SDK content blocks into domain blocks.
func convertResult(raw *mcpsdk.CallToolResult) *ToolResult {
	result := &ToolResult{IsError: raw.IsError}
	for _, content := range raw.Content {
		switch block := content.(type) {
		case *mcpsdk.TextContent:
			result.Content = append(result.Content, models.ContentBlock{
				Type: models.BlockText,
				Text: block.Text,
			})
		case *mcpsdk.ImageContent:
			result.Content = append(result.Content, models.ContentBlock{
				Type:      models.BlockImage,
				MediaType: block.MIMEType,
				Data:      base64.StdEncoding.EncodeToString(block.Data),
			})
		default:
			// Structured or unknown content: carry it as JSON text.
			if encoded, err := json.Marshal(content); err == nil {
				result.Content = append(result.Content, models.ContentBlock{
					Type: models.BlockText,
					Text: string(encoded),
				})
			}
		}
	}
	return result
}
