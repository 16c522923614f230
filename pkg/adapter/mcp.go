package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/aipo-project/aipo/pkg/config"
	"github.com/aipo-project/aipo/pkg/errclass"
	"github.com/aipo-project/aipo/pkg/models"
	"github.com/aipo-project/aipo/pkg/version"
)

func init() {
	Register(config.ProviderMCP, newMCP)
}

// defaultMCPTool is invoked when the target config names no tool.
const defaultMCPTool = "chat"

// MCP drives a Model Context Protocol server as the evaluation target. The
// subprocess is launched from the configured command; the model field names
// the tool that receives prompts (default "chat"). Tool enumeration comes
// straight from the server.
type MCP struct {
	name    string
	command []string
	tool    string
	timeout time.Duration

	mu      sync.Mutex
	session *mcpsdk.ClientSession
}

func newMCP(name string, cfg *config.TargetConfig) (Adapter, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("%w: mcp target needs command", config.ErrMissingRequiredField)
	}
	tool := cfg.Model
	if tool == "" {
		tool = defaultMCPTool
	}
	timeout := cfg.Timeout.Std()
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &MCP{name: name, command: cfg.Command, tool: tool, timeout: timeout}, nil
}

func (m *MCP) Name() string { return m.name }

// connect establishes the session on first use. Caller holds m.mu.
func (m *MCP) connect(ctx context.Context) (*mcpsdk.ClientSession, error) {
	if m.session != nil {
		return m.session, nil
	}

	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    version.AppName,
		Version: version.Engine,
	}, nil)

	cmd := exec.Command(m.command[0], m.command[1:]...)
	initCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	session, err := client.Connect(initCtx, &mcpsdk.CommandTransport{Command: cmd}, nil)
	if err != nil {
		return nil, errclass.Wrap(errclass.ErrTransient, "connecting to %s: %v", m.command[0], err)
	}
	m.session = session
	return session, nil
}

// EnumerateTools implements Adapter.
func (m *MCP) EnumerateTools(ctx context.Context) ([]models.ToolSpec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}

	opCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	result, err := session.ListTools(opCtx, nil)
	if err != nil {
		return nil, errclass.Wrap(errclass.ErrProtocol, "listing tools: %v", err)
	}

	specs := make([]models.ToolSpec, 0, len(result.Tools))
	for _, tool := range result.Tools {
		spec := models.ToolSpec{Name: tool.Name, Description: tool.Description}
		if tool.InputSchema != nil {
			if data, err := json.Marshal(tool.InputSchema); err == nil {
				spec.InputSchema = string(data)
			}
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// Invoke implements Adapter. The prompt goes to the configured tool; the
// reply is the concatenation of its text content items.
func (m *MCP) Invoke(ctx context.Context, prompt string, params models.InvokeParams) (*models.ModelResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}

	args := map[string]any{"prompt": prompt}
	if params.System != "" {
		args["system"] = params.System
	}
	if len(params.History) > 0 {
		history := make([]map[string]string, 0, len(params.History))
		for _, turn := range params.History {
			history = append(history, map[string]string{
				"role":    string(turn.Role),
				"content": turn.Content,
			})
		}
		args["history"] = history
	}

	opCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	result, err := session.CallTool(opCtx, &mcpsdk.CallToolParams{
		Name:      m.tool,
		Arguments: args,
	})
	if err != nil {
		// A dead session will not recover without a reconnect.
		m.session.Close()
		m.session = nil
		return nil, errclass.Wrap(errclass.ErrTransient, "calling tool %s: %v", m.tool, err)
	}

	var parts []string
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if result.IsError {
		return nil, errclass.Wrap(errclass.ErrProtocol, "tool %s returned error: %s", m.tool, text)
	}

	return &models.ModelResponse{
		Text:         text,
		FinishReason: "stop",
		LatencyMS:    time.Since(start).Milliseconds(),
	}, nil
}

// Close implements Adapter.
func (m *MCP) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	err := m.session.Close()
	m.session = nil
	return err
}
