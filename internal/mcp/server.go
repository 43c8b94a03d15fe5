// Package mcp exposes the memory engine over the Model Context Protocol.
//
// Tools cover the assistant-facing surface: hybrid memory search, context
// selection, the cross-session answer cache, and fact upserts. A stats
// resource reports vault and index health. The server speaks stdio
// transport for desktop assistant hosts.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/recallkit/recall/internal/hybrid"
	"github.com/recallkit/recall/internal/index"
	"github.com/recallkit/recall/internal/respcache"
	"github.com/recallkit/recall/internal/selector"
	"github.com/recallkit/recall/internal/vault"
)

// ServerConfig wires the engine components into the MCP server.
type ServerConfig struct {
	Vault    *vault.SQLiteVault
	Index    *index.Manager
	Searcher *hybrid.Searcher
	Selector *selector.Selector
	Answers  *respcache.Cache
	UserID   string // default user when a tool call omits user_id
	Version  string
}

// dbMu serializes tool calls that touch the database. The mcp-go library
// dispatches handlers concurrently, and SQLite supports only one writer
// at a time; a global mutex keeps upserts ordered before the searches
// that expect to see them.
var dbMu sync.Mutex

// NewServer creates the MCP server with all tools and resources registered.
func NewServer(cfg ServerConfig) *server.MCPServer {
	ver := cfg.Version
	if ver == "" {
		ver = "dev"
	}

	s := server.NewMCPServer(
		"Recall",
		ver,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(true, false),
	)

	registerSearchTool(s, cfg)
	registerContextTool(s, cfg)
	registerCachedAnswerTool(s, cfg)
	registerFactUpsertTool(s, cfg)
	registerStatsResource(s, cfg)

	return s
}

func resolveUser(req mcp.CallToolRequest, cfg ServerConfig) string {
	if u, err := req.RequireString("user_id"); err == nil && u != "" {
		return u
	}
	return cfg.UserID
}

func registerSearchTool(s *server.MCPServer, cfg ServerConfig) {
	tool := mcp.NewTool("memory_search",
		mcp.WithDescription("Search the memory vault. Local keyword and semantic tiers answer first; the remote tier is consulted when local results are thin. Returns scored results with their source tier."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Search query string"),
		),
		mcp.WithString("mode",
			mcp.Description("Search mode: keyword, semantic, or hybrid (default: hybrid)"),
			mcp.Enum("keyword", "semantic", "hybrid"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of results (default: 10, max: 50)"),
		),
		mcp.WithString("user_id",
			mcp.Description("User whose memory to search (defaults to the configured user)"),
		),
		mcp.WithBoolean("force_remote",
			mcp.Description("Skip local tiers and query the remote backend directly (default: false)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		query, err := req.RequireString("query")
		if err != nil {
			return mcp.NewToolResultError("query is required"), nil
		}

		opts := hybrid.Options{UserID: resolveUser(req, cfg), Limit: 10}

		if m, err := req.RequireString("mode"); err == nil && m != "" {
			switch hybrid.Mode(m) {
			case hybrid.ModeKeyword, hybrid.ModeSemantic, hybrid.ModeHybrid:
				opts.Mode = hybrid.Mode(m)
			default:
				return mcp.NewToolResultError(fmt.Sprintf("invalid mode %q", m)), nil
			}
		}
		if l, err := req.RequireFloat("limit"); err == nil && l > 0 {
			limit := int(l)
			if limit > 50 {
				limit = 50
			}
			opts.Limit = limit
		}
		if fr, err := req.RequireBool("force_remote"); err == nil {
			opts.ForceRemote = fr
		}

		results, stats, err := cfg.Searcher.Search(ctx, query, opts)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("search error: %v", err)), nil
		}

		out := map[string]interface{}{
			"results":          results,
			"remote_consulted": stats.RemoteConsulted,
			"semantic_skipped": stats.SemanticSkipped,
			"elapsed_ms":       stats.Elapsed.Milliseconds(),
		}
		data, _ := json.MarshalIndent(out, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerContextTool(s *server.MCPServer, cfg ServerConfig) {
	tool := mcp.NewTool("context_select",
		mcp.WithDescription("Build a token-budgeted context for a goal: scored facts and recent messages, policy-filtered for sensitivity and consent, deterministically packed and fingerprinted."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("goal",
			mcp.Required(),
			mcp.Description("What the assistant is trying to do (e.g. the user's question)"),
		),
		mcp.WithString("user_id",
			mcp.Description("User whose context to build (defaults to the configured user)"),
		),
		mcp.WithNumber("token_budget",
			mcp.Description(fmt.Sprintf("Token budget for the packed context (default: %d)", selector.DefaultTokenBudget)),
		),
		mcp.WithNumber("include_pii",
			mcp.Description("Maximum sensitivity level to include, 0-3 (default: 2)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		goal, err := req.RequireString("goal")
		if err != nil {
			return mcp.NewToolResultError("goal is required"), nil
		}

		opts := selector.DefaultOptions()
		if b, err := req.RequireFloat("token_budget"); err == nil && b > 0 {
			opts.TokenBudget = int(b)
		}
		if p, err := req.RequireFloat("include_pii"); err == nil {
			opts.IncludePII = int(p)
		}

		result, err := cfg.Selector.Select(ctx, goal, resolveUser(req, cfg), opts)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("context error: %v", err)), nil
		}

		out := map[string]interface{}{
			"context": selector.BuildContextString(result.Slices),
			"slices":  len(result.Slices),
			"hash":    result.Meta.Hash,
			"tokens":  result.Meta.TotalTokens,
		}
		data, _ := json.MarshalIndent(out, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerCachedAnswerTool(s *server.MCPServer, cfg ServerConfig) {
	tool := mcp.NewTool("cached_answer",
		mcp.WithDescription("Look up or record a cached answer for a repeated question. Without an answer argument this probes the cache; with one it records the question/answer pair, which is stored once the question has been asked enough times."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("question",
			mcp.Required(),
			mcp.Description("The question being asked"),
		),
		mcp.WithString("answer",
			mcp.Description("The answer to record. Omit to only probe the cache."),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcp.NewToolResultError("question is required"), nil
		}

		if answer, err := req.RequireString("answer"); err == nil && strings.TrimSpace(answer) != "" {
			cached := cfg.Answers.Put(question, answer)
			out := map[string]interface{}{
				"cached": cached,
				"asks":   cfg.Answers.AskCount(question),
			}
			data, _ := json.MarshalIndent(out, "", "  ")
			return mcp.NewToolResultText(string(data)), nil
		}

		lk := cfg.Answers.Get(question)
		out := map[string]interface{}{
			"outcome":    lk.Outcome,
			"similarity": lk.Similarity,
		}
		if lk.Entry != nil {
			out["answer"] = lk.Entry.Answer
			out["question"] = lk.Entry.Question
		}
		data, _ := json.MarshalIndent(out, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerFactUpsertTool(s *server.MCPServer, cfg ServerConfig) {
	tool := mcp.NewTool("fact_upsert",
		mcp.WithDescription("Store or update a fact about the user. Facts are category/predicate/object triples with confidence, sensitivity level, and consent scope; the (user, category, predicate) pair is unique."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("category",
			mcp.Required(),
			mcp.Description("Fact category (e.g. location, preference, work)"),
		),
		mcp.WithString("predicate",
			mcp.Required(),
			mcp.Description("Fact predicate (e.g. city, editor)"),
		),
		mcp.WithString("object",
			mcp.Required(),
			mcp.Description("Fact value (e.g. Austin, vim)"),
		),
		mcp.WithNumber("confidence",
			mcp.Description("Confidence 0-1 (default: 0.8). At 0.95 or above the fact is always included in context."),
		),
		mcp.WithNumber("pii_level",
			mcp.Description("Sensitivity level 0-3 (default: 1)"),
		),
		mcp.WithString("consent",
			mcp.Description("Consent scope: default or never_upload"),
			mcp.Enum("default", "never_upload"),
		),
		mcp.WithString("user_id",
			mcp.Description("User the fact belongs to (defaults to the configured user)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		category, err := req.RequireString("category")
		if err != nil {
			return mcp.NewToolResultError("category is required"), nil
		}
		predicate, err := req.RequireString("predicate")
		if err != nil {
			return mcp.NewToolResultError("predicate is required"), nil
		}
		object, err := req.RequireString("object")
		if err != nil {
			return mcp.NewToolResultError("object is required"), nil
		}

		f := &vault.Fact{
			UserID:       resolveUser(req, cfg),
			Category:     category,
			Predicate:    predicate,
			Object:       object,
			Confidence:   0.8,
			PIILevel:     1,
			ConsentScope: vault.ConsentDefault,
		}
		if c, err := req.RequireFloat("confidence"); err == nil && c > 0 {
			f.Confidence = c
		}
		if p, err := req.RequireFloat("pii_level"); err == nil {
			f.PIILevel = int(p)
		}
		if cs, err := req.RequireString("consent"); err == nil && cs != "" {
			f.ConsentScope = cs
		}

		stored, err := cfg.Vault.UpsertFact(ctx, f)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("upsert error: %v", err)), nil
		}
		if cfg.Index != nil {
			if err := cfg.Index.IndexFact(ctx, stored, false); err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("indexing fact: %v", err)), nil
			}
		}

		out := map[string]interface{}{
			"id":      stored.ID,
			"fact":    stored.Text(),
			"message": fmt.Sprintf("Stored fact %s/%s for %s", category, predicate, stored.UserID),
		}
		data, _ := json.MarshalIndent(out, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerStatsResource(s *server.MCPServer, cfg ServerConfig) {
	resource := mcp.NewResource(
		"recall://stats",
		"Memory Statistics",
		mcp.WithResourceDescription("Vault and index statistics: fact and message counts, indexed entries, cached answers."),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		vs, err := cfg.Vault.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("vault stats: %w", err)
		}

		out := map[string]interface{}{
			"vault": vs,
		}
		if cfg.Index != nil {
			out["index"] = cfg.Index.Stats()
		}
		if cfg.Answers != nil {
			out["cached_answers"] = cfg.Answers.Len()
		}

		data, _ := json.MarshalIndent(out, "", "  ")
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(data),
			},
		}, nil
	})
}
