// Package mcp exposes the crawl database over the Model Context Protocol:
// read-only queries plus background runs of the cycle steps.
package mcp

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/crawldb/pkg/orchestrate"
)

const (
	serverName    = "crawldb"
	serverVersion = "0.4.0"
)

// ServerConfig holds configuration for the MCP server
type ServerConfig struct {
	Components *orchestrate.Components
	ConfigPath string
	Transport  string // "stdio" or "sse"
	Port       int
	Logger     *logrus.Logger
}

// Server wraps the MCP server with crawl database tools
type Server struct {
	mcpServer  *server.MCPServer
	cfg        *ServerConfig
	comp       *orchestrate.Components
	log        *logrus.Entry
	jobManager *JobManager
}

// NewServer creates a new MCP server instance
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg.Components == nil {
		return nil, fmt.Errorf("components are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	mcpServer := server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithLogging(),
	)

	s := &Server{
		mcpServer:  mcpServer,
		cfg:        cfg,
		comp:       cfg.Components,
		log:        cfg.Logger.WithField("component", "mcp"),
		jobManager: NewJobManager(cfg.Components.Clock),
	}

	s.registerTools()

	return s, nil
}

// registerTools registers all available MCP tools
func (s *Server) registerTools() {
	tools := []struct {
		tool    mcp.Tool
		handler server.ToolHandlerFunc
	}{
		{mcp.NewTool("crawldb_stats",
			mcp.WithDescription("Summarize the crawl database: URL counts per status and retry, score and interval ranges"),
		), s.handleStats},
		{mcp.NewTool("get_record",
			mcp.WithDescription("Return the stored crawl record for one URL"),
			mcp.WithString("url",
				mcp.Required(),
				mcp.Description("The URL to look up, exactly as stored"),
			),
		), s.handleGetRecord},
		{mcp.NewTool("list_urls",
			mcp.WithDescription("List stored URLs, optionally restricted to one status"),
			mcp.WithString("status",
				mcp.Description("Status name such as 'db_unfetched' or 'db_fetched' (optional)"),
			),
			mcp.WithNumber("max_results",
				mcp.Description("Maximum number of URLs to return (default: 100, max: 1000)"),
			),
		), s.handleListURLs},
		{mcp.NewTool("list_segments",
			mcp.WithDescription("List generated segments and whether they were fetched and applied"),
			mcp.WithBoolean("pending_only",
				mcp.Description("Only list fetched segments that are not yet applied"),
			),
		), s.handleListSegments},
		{mcp.NewTool("run_step",
			mcp.WithDescription("Start a cycle step in the background. Returns immediately with a job ID."),
			mcp.WithString("step",
				mcp.Required(),
				mcp.Description("One of 'update', 'dedup', 'generate' or 'cycle' (all three in order)"),
			),
			mcp.WithBoolean("force",
				mcp.Description("Break a stale crawl database lock"),
			),
		), s.handleRunStep},
		{mcp.NewTool("get_job_status",
			mcp.WithDescription("Get the status of a background job"),
			mcp.WithString("job_id",
				mcp.Required(),
				mcp.Description("The job ID returned by run_step"),
			),
		), s.handleGetJobStatus},
		{mcp.NewTool("cancel_job",
			mcp.WithDescription("Cancel a background job. The interrupted step leaves the crawl database untouched."),
			mcp.WithString("job_id",
				mcp.Required(),
				mcp.Description("The job ID returned by run_step"),
			),
		), s.handleCancelJob},
	}
	for _, t := range tools {
		s.mcpServer.AddTool(t.tool, t.handler)
	}

	s.log.Infof("Registered %d MCP tools", len(tools))
}

// Run starts the MCP server with the configured transport
func (s *Server) Run() error {
	switch s.cfg.Transport {
	case "stdio":
		s.log.Info("Starting MCP server with stdio transport")
		return server.ServeStdio(s.mcpServer)
	case "sse":
		addr := fmt.Sprintf(":%d", s.cfg.Port)
		s.log.Infof("Starting MCP server with SSE transport on %s", addr)
		sseServer := server.NewSSEServer(s.mcpServer)
		return sseServer.Start(addr)
	default:
		return fmt.Errorf("unknown transport: %s (supported: stdio, sse)", s.cfg.Transport)
	}
}

// Shutdown cancels running jobs
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down MCP server...")
	s.jobManager.CancelAll()
	return nil
}
