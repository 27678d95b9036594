package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/judgebox/config"
	"github.com/isdmx/judgebox/evaluator"
	"github.com/isdmx/judgebox/judge"
	"github.com/isdmx/judgebox/sandbox"
)

// Version is reported to MCP clients.
const Version = "1.0.0"

// Judge is the part of judge.Service the MCP tools call.
type Judge interface {
	Execute(ctx context.Context, req judge.ExecutionRequest) (judge.ExecutionResult, error)
	RunOnce(ctx context.Context, req judge.RunOnceRequest) (judge.RunOnceResult, error)
	Languages() []string
}

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	judge     Judge
	mcpServer *server.MCPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, j Judge) (*MCPServer, error) {
	s := &MCPServer{
		config: cfg,
		logger: logger,
		judge:  j,
	}

	// Log configuration parameters on startup
	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.String("sandbox.backend", cfg.Sandbox.Backend),
		zap.Int("sandbox.timeout_sec", cfg.Sandbox.TimeoutSec),
		zap.Int("sandbox.memory_mb", cfg.Sandbox.MemoryMB),
		zap.Float64("sandbox.cpus", cfg.Sandbox.CPUs),
		zap.Int("sandbox.max_instances", cfg.Sandbox.MaxInstances),
		zap.Duration("sandbox.instance_ttl", cfg.Sandbox.InstanceTTL),
		zap.Strings("languages", j.Languages()),
	)

	s.mcpServer = server.NewMCPServer("judgebox", Version, server.WithToolCapabilities(false))

	s.registerExecuteTestsTool()
	s.registerRunCodeTool()
	s.registerListLanguagesTool()

	return s, nil
}

func (s *MCPServer) registerExecuteTestsTool() {
	tool := mcp.Tool{
		Name:        "execute_tests",
		Description: "Run code in an isolated sandbox against test cases and return per-test verdicts and a score",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Submitted source code",
				},
				"language": map[string]any{
					"type":        "string",
					"description": "Source language",
					"enum":        s.judge.Languages(),
				},
				"test_cases": map[string]any{
					"type":        "array",
					"description": "Test cases, run in order",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"input":           map[string]any{"type": "string"},
							"expected_output": map[string]any{"type": "string"},
							"normalization": map[string]any{
								"type": "object",
								"properties": map[string]any{
									"trim_space":  map[string]any{"type": "boolean"},
									"ignore_case": map[string]any{"type": "boolean"},
								},
							},
						},
						"required": []string{"expected_output"},
					},
				},
				"harness": map[string]any{
					"type":        "string",
					"description": "stdin pipes the input to the program; function calls solution(...) with the JSON-decoded input",
					"enum":        []string{string(sandbox.HarnessStdin), string(sandbox.HarnessFunction)},
				},
				"timeout_ms": map[string]any{
					"type":        "integer",
					"description": "Per test case wall-clock limit in milliseconds (optional)",
				},
				"limits": map[string]any{
					"type":        "object",
					"description": "Resource ceilings for the sandbox (optional); values above the server maximum are lowered to it",
					"properties": map[string]any{
						"cpus":       map[string]any{"type": "number"},
						"memory_mb":  map[string]any{"type": "integer"},
						"pids_limit": map[string]any{"type": "integer"},
					},
				},
			},
			Required: []string{"code", "language", "test_cases"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleExecuteTests)
}

func (s *MCPServer) registerRunCodeTool() {
	tool := mcp.Tool{
		Name:        "run_code",
		Description: "Run code once in an isolated sandbox and return its output",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Source code",
				},
				"language": map[string]any{
					"type":        "string",
					"description": "Source language",
					"enum":        s.judge.Languages(),
				},
				"stdin": map[string]any{
					"type":        "string",
					"description": "Standard input (optional)",
				},
				"timeout_ms": map[string]any{
					"type":        "integer",
					"description": "Wall-clock limit in milliseconds (optional)",
				},
			},
			Required: []string{"code", "language"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleRunCode)
}

func (s *MCPServer) registerListLanguagesTool() {
	tool := mcp.Tool{
		Name:        "list_languages",
		Description: "List the languages the sandbox can run",
		InputSchema: mcp.ToolInputSchema{Type: "object", Properties: map[string]any{}},
	}

	s.mcpServer.AddTool(tool, func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return jsonResult(map[string][]string{"languages": s.judge.Languages()})
	})
}

type limitsArgs struct {
	CPUs      float64 `json:"cpus"`
	MemoryMB  int     `json:"memory_mb"`
	PidsLimit int64   `json:"pids_limit"`
}

type executeTestsArgs struct {
	Code      string               `json:"code"`
	Language  string               `json:"language"`
	TestCases []evaluator.TestCase `json:"test_cases"`
	Harness   sandbox.Harness      `json:"harness"`
	TimeoutMS int64                `json:"timeout_ms"`
	Limits    limitsArgs           `json:"limits"`
}

func (s *MCPServer) handleExecuteTests(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args executeTestsArgs
	if err := request.BindArguments(&args); err != nil {
		return toolError("invalid_request", fmt.Errorf("invalid arguments: %w", err)), nil
	}
	if args.TimeoutMS < 0 {
		return toolError("invalid_request", errors.New("timeout_ms must not be negative")), nil
	}
	if args.Limits.CPUs < 0 || args.Limits.MemoryMB < 0 || args.Limits.PidsLimit < 0 {
		return toolError("invalid_request", errors.New("limits must not be negative")), nil
	}

	s.logger.Info("test execution requested",
		zap.String("language", args.Language),
		zap.Int("test_cases", len(args.TestCases)))

	result, err := s.judge.Execute(ctx, judge.ExecutionRequest{
		Code:      args.Code,
		Language:  args.Language,
		TestCases: args.TestCases,
		Harness:   args.Harness,
		Timeout:   time.Duration(args.TimeoutMS) * time.Millisecond,
		Limits: sandbox.Limits{
			CPUs:      args.Limits.CPUs,
			MemoryMB:  args.Limits.MemoryMB,
			PidsLimit: args.Limits.PidsLimit,
		},
	})
	if err != nil {
		s.logger.Warn("test execution failed", zap.String("language", args.Language), zap.Error(err))
		return toolError(errorKind(err), err), nil
	}

	return jsonResult(result)
}

func (s *MCPServer) handleRunCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return toolError("invalid_request", err), nil
	}
	language, err := request.RequireString("language")
	if err != nil {
		return toolError("invalid_request", err), nil
	}
	timeoutMS := request.GetInt("timeout_ms", 0)
	if timeoutMS < 0 {
		return toolError("invalid_request", errors.New("timeout_ms must not be negative")), nil
	}

	result, err := s.judge.RunOnce(ctx, judge.RunOnceRequest{
		Code:     code,
		Language: language,
		Stdin:    request.GetString("stdin", ""),
		Timeout:  time.Duration(timeoutMS) * time.Millisecond,
	})
	if err != nil {
		s.logger.Warn("code run failed", zap.String("language", language), zap.Error(err))
		return toolError(errorKind(err), err), nil
	}

	s.logger.Info("code run completed",
		zap.String("language", language),
		zap.Int("exit_code", result.ExitCode),
		zap.Bool("timed_out", result.TimedOut))

	return jsonResult(result)
}

func errorKind(err error) string {
	if errors.Is(err, judge.ErrInvalidRequest) || errors.Is(err, evaluator.ErrNoTestCases) {
		return "invalid_request"
	}
	return sandbox.Kind(err)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(data),
			},
		},
	}, nil
}

func toolError(kind string, err error) *mcp.CallToolResult {
	data, _ := json.Marshal(map[string]string{"error": err.Error(), "kind": kind})
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(data),
			},
		},
		IsError: true,
	}
}

// ServeStdio serves MCP over stdin/stdout until ctx is cancelled
func (s *MCPServer) ServeStdio(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio")
	return server.NewStdioServer(s.mcpServer).Listen(ctx, os.Stdin, os.Stdout)
}

// HTTPHandler returns the streamable HTTP handler for mounting on a router
func (s *MCPServer) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer, server.WithEndpointPath(s.config.Server.MCPPath))
}

// GetMCPServer returns the underlying MCP server
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
