package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/recallkit/recall/internal/config"
	"github.com/recallkit/recall/internal/hybrid"
	"github.com/recallkit/recall/internal/mcp"
	"github.com/recallkit/recall/internal/respcache"
	"github.com/recallkit/recall/internal/selector"
	"github.com/recallkit/recall/internal/vault"
)

func runIndex(args []string) error {
	g, err := parseGlobal(args)
	if err != nil {
		return err
	}
	ctx := context.Background()
	a, err := newApp(ctx, g)
	if err != nil {
		return err
	}
	defer a.Close()

	withEmbedding := a.embedder != nil
	for _, arg := range g.rest {
		switch arg {
		case "--no-embed":
			withEmbedding = false
		default:
			return fmt.Errorf("unknown flag: %s", arg)
		}
	}

	if err := a.index.Rebuild(ctx, a.vault, a.userID, withEmbedding); err != nil {
		return fmt.Errorf("rebuilding index: %w", err)
	}

	stats := a.index.Stats()
	fmt.Printf("Indexed %d entries (%d facts, %d messages, %d embedded)\n",
		stats.Entries, stats.Facts, stats.Messages, stats.Embedded)
	return nil
}

func runSearch(args []string) error {
	g, err := parseGlobal(args)
	if err != nil {
		return err
	}

	opts := hybrid.Options{Limit: 10}
	var queryParts []string
	rest := g.rest
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--mode":
			if i+1 >= len(rest) {
				return fmt.Errorf("--mode needs a value")
			}
			i++
			opts.Mode = hybrid.Mode(rest[i])
		case "--limit":
			if i+1 >= len(rest) {
				return fmt.Errorf("--limit needs a value")
			}
			i++
			n, err := strconv.Atoi(rest[i])
			if err != nil {
				return fmt.Errorf("invalid limit %q", rest[i])
			}
			opts.Limit = n
		case "--force-remote":
			opts.ForceRemote = true
		default:
			queryParts = append(queryParts, rest[i])
		}
	}
	if len(queryParts) == 0 {
		return fmt.Errorf("usage: recall search <query> [--mode keyword|semantic|hybrid] [--limit N] [--force-remote]")
	}
	query := strings.Join(queryParts, " ")

	ctx := context.Background()
	a, err := newApp(ctx, g)
	if err != nil {
		return err
	}
	defer a.Close()
	opts.UserID = a.userID

	results, stats, err := a.searcher.Search(ctx, query, opts)
	if err != nil {
		return err
	}

	if len(results) == 0 {
		fmt.Println("No results.")
	}
	for i, r := range results {
		fmt.Printf("%2d. [%.2f] (%s/%s) %s\n", i+1, r.Score, r.Source, r.Kind, r.Text)
	}
	fmt.Printf("\n%d result(s) in %s", len(results), stats.Elapsed.Round(time.Millisecond))
	if stats.RemoteConsulted {
		fmt.Print(" (remote consulted)")
	}
	fmt.Println()
	return nil
}

func runContext(args []string) error {
	g, err := parseGlobal(args)
	if err != nil {
		return err
	}

	asJSON := false
	var goalParts []string
	budget, pii := 0, -1
	rest := g.rest
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--json":
			asJSON = true
		case "--budget":
			if i+1 >= len(rest) {
				return fmt.Errorf("--budget needs a value")
			}
			i++
			n, err := strconv.Atoi(rest[i])
			if err != nil {
				return fmt.Errorf("invalid budget %q", rest[i])
			}
			budget = n
		case "--pii":
			if i+1 >= len(rest) {
				return fmt.Errorf("--pii needs a value")
			}
			i++
			n, err := strconv.Atoi(rest[i])
			if err != nil {
				return fmt.Errorf("invalid pii level %q", rest[i])
			}
			pii = n
		default:
			goalParts = append(goalParts, rest[i])
		}
	}
	if len(goalParts) == 0 {
		return fmt.Errorf("usage: recall context <goal> [--budget N] [--pii 0-3] [--json]")
	}
	goal := strings.Join(goalParts, " ")

	ctx := context.Background()
	a, err := newApp(ctx, g)
	if err != nil {
		return err
	}
	defer a.Close()

	opts := a.selectorOptions()
	if budget > 0 {
		opts.TokenBudget = budget
	}
	if pii >= 0 {
		opts.IncludePII = pii
	}

	result, err := a.selector.Select(ctx, goal, a.userID, opts)
	if err != nil {
		return err
	}

	if asJSON {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Println(selector.FormatForAPI(result))
	fmt.Printf("-- %d slice(s), %d tokens, hash %s\n",
		len(result.Slices), result.Meta.TotalTokens, result.Meta.Hash)
	return nil
}

func runAsk(args []string) error {
	g, err := parseGlobal(args)
	if err != nil {
		return err
	}
	if len(g.rest) == 0 {
		return fmt.Errorf("usage: recall ask <question>")
	}
	question := strings.Join(g.rest, " ")

	ctx := context.Background()
	a, err := newApp(ctx, g)
	if err != nil {
		return err
	}
	defer a.Close()

	lk := a.answers.Get(question)
	switch lk.Outcome {
	case respcache.OutcomeExact:
		fmt.Println(lk.Entry.Answer)
	case respcache.OutcomeSimilar:
		fmt.Printf("%s\n(cached answer for %q, similarity %.2f)\n",
			lk.Entry.Answer, lk.Entry.Question, lk.Similarity)
	case respcache.OutcomeSuggestion:
		fmt.Printf("No cached answer. A similar question was answered before (similarity %.2f):\n  Q: %s\n  A: %s\n",
			lk.Similarity, lk.Entry.Question, lk.Entry.Answer)
	default:
		fmt.Println("No cached answer.")
	}
	return nil
}

func runRemember(args []string) error {
	g, err := parseGlobal(args)
	if err != nil {
		return err
	}
	if len(g.rest) < 2 {
		return fmt.Errorf("usage: recall remember <question> <answer>")
	}
	question, answer := g.rest[0], strings.Join(g.rest[1:], " ")

	ctx := context.Background()
	a, err := newApp(ctx, g)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.answers.Put(question, answer) {
		fmt.Println("Cached.")
	} else {
		fmt.Printf("Recorded (asked %d of %d times needed to cache).\n",
			a.answers.AskCount(question), respcache.MinAsksBeforeCache)
	}
	return nil
}

func runFacts(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: recall facts <add|list|delete> ...")
	}
	sub, subArgs := args[0], args[1:]

	g, err := parseGlobal(subArgs)
	if err != nil {
		return err
	}
	ctx := context.Background()
	a, err := newApp(ctx, g)
	if err != nil {
		return err
	}
	defer a.Close()

	switch sub {
	case "add":
		return factsAdd(ctx, a, g.rest)
	case "list":
		return factsList(ctx, a)
	case "delete":
		return factsDelete(ctx, a, g.rest)
	default:
		return fmt.Errorf("unknown facts subcommand: %s", sub)
	}
}

func factsAdd(ctx context.Context, a *app, rest []string) error {
	f := &vault.Fact{
		UserID:       a.userID,
		Confidence:   0.8,
		PIILevel:     1,
		ConsentScope: vault.ConsentDefault,
	}
	var positional []string
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--confidence":
			if i+1 >= len(rest) {
				return fmt.Errorf("--confidence needs a value")
			}
			i++
			c, err := strconv.ParseFloat(rest[i], 64)
			if err != nil {
				return fmt.Errorf("invalid confidence %q", rest[i])
			}
			f.Confidence = c
		case "--pii":
			if i+1 >= len(rest) {
				return fmt.Errorf("--pii needs a value")
			}
			i++
			p, err := strconv.Atoi(rest[i])
			if err != nil {
				return fmt.Errorf("invalid pii level %q", rest[i])
			}
			f.PIILevel = p
		case "--never-upload":
			f.ConsentScope = vault.ConsentNeverUpload
		default:
			positional = append(positional, rest[i])
		}
	}
	if len(positional) < 3 {
		return fmt.Errorf("usage: recall facts add <category> <predicate> <object> [--confidence 0.8] [--pii 1] [--never-upload]")
	}
	f.Category, f.Predicate = positional[0], positional[1]
	f.Object = strings.Join(positional[2:], " ")

	stored, err := a.vault.UpsertFact(ctx, f)
	if err != nil {
		return err
	}
	if err := a.index.IndexFact(ctx, stored, a.embedder != nil); err != nil {
		return fmt.Errorf("indexing fact: %w", err)
	}
	fmt.Printf("Stored: %s (confidence %.2f, pii %d)\n", stored.Text(), stored.Confidence, stored.PIILevel)
	return nil
}

func factsList(ctx context.Context, a *app) error {
	facts, err := a.vault.AllFacts(ctx, a.userID)
	if err != nil {
		return err
	}
	if len(facts) == 0 {
		fmt.Println("No facts stored.")
		return nil
	}
	for _, f := range facts {
		marker := ""
		if f.ConsentScope == vault.ConsentNeverUpload {
			marker = " [local-only]"
		}
		fmt.Printf("%-12s %-14s %-30s conf=%.2f pii=%d%s\n",
			f.Category, f.Predicate, f.Object, f.Confidence, f.PIILevel, marker)
	}
	return nil
}

func factsDelete(ctx context.Context, a *app, rest []string) error {
	hard := false
	var positional []string
	for _, arg := range rest {
		if arg == "--hard" {
			hard = true
			continue
		}
		positional = append(positional, arg)
	}
	if len(positional) != 2 {
		return fmt.Errorf("usage: recall facts delete <category> <predicate> [--hard]")
	}
	category, predicate := positional[0], positional[1]

	f, err := a.vault.GetFact(ctx, a.userID, category, predicate)
	if err != nil {
		return err
	}
	if f == nil {
		return fmt.Errorf("no fact %s/%s for user %s", category, predicate, a.userID)
	}
	if err := a.vault.DeleteFact(ctx, a.userID, category, predicate, hard); err != nil {
		return err
	}
	a.index.Remove(f.ID)
	fmt.Printf("Deleted %s/%s\n", category, predicate)
	return nil
}

func runStats(args []string) error {
	g, err := parseGlobal(args)
	if err != nil {
		return err
	}
	ctx := context.Background()
	a, err := newApp(ctx, g)
	if err != nil {
		return err
	}
	defer a.Close()

	vs, err := a.vault.Stats(ctx)
	if err != nil {
		return err
	}
	is := a.index.Stats()

	fmt.Printf(`Vault
  Facts:          %d (%d deleted)
  Messages:       %d across %d session(s)
  Database size:  %d bytes

Index
  Entries:        %d (%d facts, %d messages)
  Keyword tokens: %d
  Embedded:       %d

Answer cache
  Entries:        %d
`,
		vs.FactCount, vs.DeletedFacts, vs.MessageCount, vs.SessionCount, vs.DBSizeBytes,
		is.Entries, is.Facts, is.Messages, is.KeywordTokens, is.Embedded,
		a.answers.Len())
	return nil
}

func runSync(args []string) error {
	g, err := parseGlobal(args)
	if err != nil {
		return err
	}
	ctx := context.Background()
	a, err := newApp(ctx, g)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.remote == nil {
		return fmt.Errorf("no remote backend configured (set remote.url or RECALL_REMOTE_URL)")
	}

	before := a.profiles.DirtyCount()
	if err := a.profiles.Sync(ctx); err != nil {
		return err
	}
	after := a.profiles.DirtyCount()
	fmt.Printf("Synced %d profile(s), %d pending.\n", before-after, after)
	return nil
}

func runMCP(args []string) error {
	g, err := parseGlobal(args)
	if err != nil {
		return err
	}
	ctx := context.Background()
	a, err := newApp(ctx, g)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := mcp.NewServer(mcp.ServerConfig{
		Vault:    a.vault,
		Index:    a.index,
		Searcher: a.searcher,
		Selector: a.selector,
		Answers:  a.answers,
		UserID:   a.userID,
		Version:  version,
	})
	return server.ServeStdio(srv)
}

func runConfig(args []string) error {
	g, err := parseGlobal(args)
	if err != nil {
		return err
	}
	resolved, err := configResolved(g)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(resolved, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// configResolved resolves config and redacts secrets for display.
func configResolved(g globalFlags) (interface{}, error) {
	resolved, err := config.ResolveConfig(g.cfg)
	if err != nil {
		return nil, err
	}
	redact := func(v string) string {
		if len(v) > 8 {
			return v[:4] + "..." + v[len(v)-4:]
		}
		if v != "" {
			return "***"
		}
		return ""
	}
	resolved.EmbedAPIKey.Value = redact(resolved.EmbedAPIKey.Value)
	resolved.RemoteAPIKey.Value = redact(resolved.RemoteAPIKey.Value)
	return resolved, nil
}
