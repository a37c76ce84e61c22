// Package mcp implements the Model Context Protocol surface for shinka.
//
// The MCP server exposes the human refinement loop to MCP-compatible
// agents: scoring attempts, reading lineage version history with
// evolution records, and querying learning insights. Execution itself
// stays in the library API; this surface is feedback and inspection.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/shinka-ai/shinka/internal/evolution"
	"github.com/shinka-ai/shinka/internal/insight"
	"github.com/shinka-ai/shinka/internal/storage"
	"github.com/shinka-ai/shinka/model"
)

// Server wraps the MCP server with shinka's engine components.
type Server struct {
	mcpServer *mcpserver.MCPServer
	store     storage.Store
	engine    *evolution.Engine
	insights  *insight.Aggregator
	logger    *slog.Logger
}

// New creates and configures an MCP server with all resources and tools.
func New(store storage.Store, engine *evolution.Engine, insights *insight.Aggregator, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:    store,
		engine:   engine,
		insights: insights,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"shinka",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerResources() {
	// shinka://insights — the full learning insight table.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"shinka://insights",
			"Learning Insights",
			mcplib.WithResourceDescription("Aggregated success statistics per mutation pattern"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleInsightsResource,
	)
}

func (s *Server) registerTools() {
	// shinka_score — score an attempt and settle evolution bookkeeping.
	s.mcpServer.AddTool(
		mcplib.NewTool("shinka_score",
			mcplib.WithDescription("Score an attempt 1-10 with an optional comment. Also records the outcome of the evolution that produced the attempt's definition version, if one is pending."),
			mcplib.WithString("attempt_id", mcplib.Description("Attempt identifier"), mcplib.Required()),
			mcplib.WithNumber("score", mcplib.Description("Score from 1 (poor) to 10 (excellent)"), mcplib.Required()),
			mcplib.WithString("comment", mcplib.Description("Free-text feedback used by the next evolution")),
		),
		s.handleScore,
	)

	// shinka_history — lineage version history with evolution records.
	s.mcpServer.AddTool(
		mcplib.NewTool("shinka_history",
			mcplib.WithDescription("Read a lineage's agent definition version history together with its evolution records"),
			mcplib.WithString("lineage_id", mcplib.Description("Lineage identifier"), mcplib.Required()),
		),
		s.handleHistory,
	)

	// shinka_insights — query learning insights.
	s.mcpServer.AddTool(
		mcplib.NewTool("shinka_insights",
			mcplib.WithDescription("Query aggregated learning insights: which mutation patterns helped, how often, and with what average score impact"),
			mcplib.WithNumber("min_confidence", mcplib.Description("Only return insights at or above this confidence (0.0-1.0)")),
		),
		s.handleInsights,
	)
}

func (s *Server) handleInsightsResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	all, err := s.insights.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: list insights: %w", err)
	}
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal insights: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "shinka://insights",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleScore(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	rawID := request.GetString("attempt_id", "")
	score := request.GetInt("score", 0)
	comment := request.GetString("comment", "")

	attemptID, err := uuid.Parse(rawID)
	if err != nil {
		return errorResult("attempt_id must be a UUID"), nil
	}
	if err := model.ValidateScore(score); err != nil {
		return errorResult(err.Error()), nil
	}

	if err := s.store.ScoreAttempt(ctx, attemptID, score, comment); err != nil {
		return errorResult(fmt.Sprintf("failed to score attempt: %v", err)), nil
	}

	// Settle the pending evolution outcome for this definition version,
	// if the version was produced by an evolution.
	outcomeRecorded := false
	attempt, err := s.store.GetAttempt(ctx, attemptID)
	if err == nil {
		if rollout, err := s.store.GetRollout(ctx, attempt.RolloutID); err == nil {
			outcome, err := s.engine.RecordOutcome(ctx, rollout.LineageID, attempt.DefinitionVersion, score)
			switch {
			case err == nil:
				outcomeRecorded = true
				s.observeOutcome(ctx, rollout.LineageID, attempt.DefinitionVersion, outcome)
			case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrOutcomeRecorded):
				// v1 has no producing evolution; repeat scores settle nothing.
			default:
				s.logger.Warn("mcp: record evolution outcome failed", "error", err)
			}
		}
	}

	resultData, _ := json.Marshal(map[string]any{
		"attempt_id":       attemptID,
		"score":            score,
		"status":           "scored",
		"outcome_recorded": outcomeRecorded,
	})
	return textResult(string(resultData)), nil
}

// observeOutcome folds a settled evolution outcome into the learning
// insight for the mutation band and path that produced it.
func (s *Server) observeOutcome(ctx context.Context, lineageID uuid.UUID, toVersion int, outcome model.EvolutionOutcome) {
	rec, err := s.store.GetEvolutionByToVersion(ctx, lineageID, toVersion)
	if err != nil {
		s.logger.Warn("mcp: load evolution record for insight failed", "error", err)
		return
	}
	pattern := evolution.PatternForScore(rec.Trigger.Score)
	context_ := "fallback"
	if rec.Generated {
		context_ = "generated"
	}
	if _, err := s.insights.ObserveOutcome(ctx, pattern, context_, outcome); err != nil {
		s.logger.Warn("mcp: observe evolution outcome failed", "error", err)
	}
}

func (s *Server) handleHistory(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	rawID := request.GetString("lineage_id", "")
	lineageID, err := uuid.Parse(rawID)
	if err != nil {
		return errorResult("lineage_id must be a UUID"), nil
	}

	lineage, err := s.store.GetLineage(ctx, lineageID)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to load lineage: %v", err)), nil
	}
	history, err := s.store.DefinitionHistory(ctx, lineageID)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to load history: %v", err)), nil
	}
	evolutions, err := s.store.ListEvolutions(ctx, lineageID)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to load evolutions: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"lineage":     lineage,
		"definitions": history,
		"evolutions":  evolutions,
	}, "", "  ")
	return textResult(string(resultData)), nil
}

func (s *Server) handleInsights(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	minConfidence := request.GetFloat("min_confidence", 0)

	all, err := s.insights.List(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to list insights: %v", err)), nil
	}
	filtered := make([]model.LearningInsight, 0, len(all))
	for _, li := range all {
		if li.Confidence >= minConfidence {
			filtered = append(filtered, li)
		}
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"insights": filtered,
		"total":    len(filtered),
	}, "", "  ")
	return textResult(string(resultData)), nil
}

func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: text},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
