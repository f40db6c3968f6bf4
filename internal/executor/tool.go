package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ShayCichocki/vigil/internal/version"
)

// ErrUnknownServer is returned for a tool call naming a server the invoker
// has no session for.
var ErrUnknownServer = errors.New("unknown tool server")

// ToolOutput is what a tool call returned.
type ToolOutput struct {
	Content json.RawMessage
	IsError bool
}

// ToolInvoker calls tools. Transport failures are returned as errors; a
// tool that ran and failed reports IsError instead.
type ToolInvoker interface {
	CallTool(ctx context.Context, server, name string, args map[string]any) (*ToolOutput, error)
}

// MCPInvoker calls tools over MCP client sessions, one per server name.
type MCPInvoker struct {
	mu       sync.RWMutex
	sessions map[string]*sdkmcp.ClientSession
	client   *sdkmcp.Client
}

// NewMCPInvoker creates an invoker with no sessions.
func NewMCPInvoker() *MCPInvoker {
	return &MCPInvoker{
		sessions: make(map[string]*sdkmcp.ClientSession),
		client:   sdkmcp.NewClient(&sdkmcp.Implementation{Name: "vigil", Version: version.Get()}, nil),
	}
}

// Connect opens a session on transport and registers it under server.
func (m *MCPInvoker) Connect(ctx context.Context, server string, transport sdkmcp.Transport) error {
	session, err := m.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("connect tool server %s: %w", server, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.sessions[server]; ok {
		old.Close()
	}
	m.sessions[server] = session
	return nil
}

// ConnectCommand starts a stdio MCP server process and registers it.
func (m *MCPInvoker) ConnectCommand(ctx context.Context, server, command string, args ...string) error {
	return m.Connect(ctx, server, &sdkmcp.CommandTransport{Command: exec.Command(command, args...)})
}

// CallTool implements ToolInvoker. An empty server name is allowed when
// exactly one session is registered.
func (m *MCPInvoker) CallTool(ctx context.Context, server, name string, args map[string]any) (*ToolOutput, error) {
	session, err := m.session(server)
	if err != nil {
		return nil, err
	}
	res, err := session.CallTool(ctx, &sdkmcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", name, err)
	}
	return &ToolOutput{Content: toolContent(res), IsError: res.IsError}, nil
}

func (m *MCPInvoker) session(server string) (*sdkmcp.ClientSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[server]; ok {
		return s, nil
	}
	if server == "" && len(m.sessions) == 1 {
		for _, s := range m.sessions {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownServer, server)
}

// Close ends every session.
func (m *MCPInvoker) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for name, s := range m.sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
		delete(m.sessions, name)
	}
	return errors.Join(errs...)
}

// toolContent prefers structured content, then text that parses as JSON,
// then the text itself as a JSON string.
func toolContent(res *sdkmcp.CallToolResult) json.RawMessage {
	if res.StructuredContent != nil {
		if raw, err := json.Marshal(res.StructuredContent); err == nil {
			return raw
		}
	}
	var texts []string
	for _, c := range res.Content {
		if tc, ok := c.(*sdkmcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	text := strings.Join(texts, "\n")
	if json.Valid([]byte(text)) {
		return json.RawMessage(text)
	}
	raw, _ := json.Marshal(text)
	return raw
}
