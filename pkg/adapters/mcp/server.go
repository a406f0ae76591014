package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aretw0/patchbay/internal/logging"
	"github.com/aretw0/patchbay/pkg/domain"
	"github.com/aretw0/patchbay/pkg/ports"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// GraphURI is the resource exposing the current snapshot.
const GraphURI = "patchbay://graph"

// Server exposes a daemon's control surface as MCP tools.
type Server struct {
	ctrl      ports.Controller
	logger    *slog.Logger
	version   string
	mcpServer *server.MCPServer
}

// Option configures the Server.
type Option func(*Server)

// WithLogger configures a logger for the Server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithVersion sets the version announced to clients.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// NewServer creates a new MCP Server instance.
func NewServer(ctrl ports.Controller, opts ...Option) *Server {
	s := &Server{
		ctrl:    ctrl,
		logger:  logging.NewNop(),
		version: "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mcpServer = server.NewMCPServer("patchbay-mcp", s.version)
	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer returns the underlying server, for in-process transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// ServeStdio starts the server on Stdin/Stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) toolError(op string, err error) *mcp.CallToolResult {
	s.logger.Debug("MCP tool failed", "tool", op, "error", err)
	return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", op, err))
}

func idArg(request mcp.CallToolRequest, name string) (uint32, error) {
	v, err := request.RequireFloat(name)
	if err != nil {
		return 0, err
	}
	if v < 0 || v != float64(uint32(v)) {
		return 0, fmt.Errorf("%s: %v is not an object id", name, v)
	}
	return uint32(v), nil
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("get_graph",
		mcp.WithDescription("Get a snapshot of every node, port and link in the graph."),
	), s.handleGetGraph)

	s.mcpServer.AddTool(mcp.NewTool("list_links",
		mcp.WithDescription("List links with their negotiation state."),
		mcp.WithString("state", mcp.Description("Only return links in this state (init, negotiating, allocating, paused, active, error)")),
	), s.handleListLinks)

	s.mcpServer.AddTool(mcp.NewTool("connect",
		mcp.WithDescription("Link an output port to an input port. Endpoints are \"node\" or \"node:port\" by name or id."),
		mcp.WithString("output", mcp.Required(), mcp.Description("Output endpoint")),
		mcp.WithString("input", mcp.Required(), mcp.Description("Input endpoint")),
		mcp.WithBoolean("passive", mcp.Description("Do not keep the driver group running for this link")),
		mcp.WithNumber("min_buffers", mcp.Description("Minimum number of buffers to negotiate")),
	), s.handleConnect)

	s.mcpServer.AddTool(mcp.NewTool("disconnect",
		mcp.WithDescription("Remove a link."),
		mcp.WithNumber("link_id", mcp.Required(), mcp.Description("Link id")),
	), s.handleDisconnect)

	s.mcpServer.AddTool(mcp.NewTool("set_active",
		mcp.WithDescription("Start or stop scheduling a node."),
		mcp.WithNumber("node_id", mcp.Required(), mcp.Description("Node id")),
		mcp.WithBoolean("active", mcp.Required(), mcp.Description("Whether the node takes part in cycles")),
	), s.handleSetActive)

	s.mcpServer.AddTool(mcp.NewTool("set_quantum",
		mcp.WithDescription("Change the quantum a node asks of its driver group."),
		mcp.WithNumber("node_id", mcp.Required(), mcp.Description("Node id")),
		mcp.WithNumber("quantum", mcp.Description("Preferred quantum in frames, 0 for no preference")),
		mcp.WithNumber("max_quantum", mcp.Description("Largest acceptable quantum, 0 for no limit")),
	), s.handleSetQuantum)
}

func (s *Server) handleGetGraph(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snap, err := s.ctrl.Snapshot(ctx)
	if err != nil {
		return s.toolError("get_graph", err), nil
	}
	return jsonResult(snap)
}

func (s *Server) handleListLinks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snap, err := s.ctrl.Snapshot(ctx)
	if err != nil {
		return s.toolError("list_links", err), nil
	}
	state := request.GetString("state", "")
	links := make([]domain.LinkSnapshot, 0, len(snap.Links))
	for _, l := range snap.Links {
		if state == "" || l.State == state {
			links = append(links, l)
		}
	}
	return jsonResult(links)
}

func (s *Server) handleConnect(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	output, err := request.RequireString("output")
	if err != nil {
		return s.toolError("connect", err), nil
	}
	input, err := request.RequireString("input")
	if err != nil {
		return s.toolError("connect", err), nil
	}
	req := domain.LinkRequest{
		Output:     output,
		Input:      input,
		Passive:    request.GetBool("passive", false),
		MinBuffers: uint32(request.GetFloat("min_buffers", 0)),
	}
	link, err := s.ctrl.Connect(ctx, req)
	if err != nil {
		return s.toolError("connect", err), nil
	}
	return jsonResult(link)
}

func (s *Server) handleDisconnect(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := idArg(request, "link_id")
	if err == nil {
		err = s.ctrl.Disconnect(ctx, id)
	}
	if err != nil {
		return s.toolError("disconnect", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("link %d removed", id)), nil
}

func (s *Server) handleSetActive(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := idArg(request, "node_id")
	if err != nil {
		return s.toolError("set_active", err), nil
	}
	active, err := request.RequireBool("active")
	if err == nil {
		err = s.ctrl.SetActive(ctx, id, active)
	}
	if err != nil {
		return s.toolError("set_active", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("node %d active=%t", id, active)), nil
}

func (s *Server) handleSetQuantum(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := idArg(request, "node_id")
	if err != nil {
		return s.toolError("set_quantum", err), nil
	}
	quantum := uint32(request.GetFloat("quantum", 0))
	maxQuantum := uint32(request.GetFloat("max_quantum", 0))
	if err := s.ctrl.SetQuantum(ctx, id, quantum, maxQuantum); err != nil {
		return s.toolError("set_quantum", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("node %d quantum=%d max=%d", id, quantum, maxQuantum)), nil
}

func (s *Server) registerResources() {
	s.mcpServer.AddResource(mcp.NewResource(GraphURI, "Current graph snapshot",
		mcp.WithMIMEType("application/json"),
	), func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		snap, err := s.ctrl.Snapshot(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to snapshot graph: %w", err)
		}
		data, err := json.Marshal(snap)
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      GraphURI,
				MIMEType: "application/json",
				Text:     string(data),
			},
		}, nil
	})
}
