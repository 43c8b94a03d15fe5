// Command recall is the CLI for the memory engine: it indexes
// conversation history, searches it, builds token-budgeted context for a
// goal, answers repeated questions from the cross-session cache, and
// serves the whole surface over MCP.
package main

import (
	"fmt"
	"os"

	"github.com/recallkit/recall/internal/config"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	var err error
	switch os.Args[1] {
	case "index":
		err = runIndex(os.Args[2:])
	case "search":
		err = runSearch(os.Args[2:])
	case "context":
		err = runContext(os.Args[2:])
	case "ask":
		err = runAsk(os.Args[2:])
	case "remember":
		err = runRemember(os.Args[2:])
	case "facts":
		err = runFacts(os.Args[2:])
	case "stats":
		err = runStats(os.Args[2:])
	case "sync":
		err = runSync(os.Args[2:])
	case "mcp":
		err = runMCP(os.Args[2:])
	case "config":
		err = runConfig(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Printf("recall %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`recall %s — Local-first memory and context engine for AI assistants

Usage:
  recall <command> [arguments]

Commands:
  index               Rebuild the local search index from the vault
  search <query>      Search memory (local first, remote fallback)
  context <goal>      Build a token-budgeted context for a goal
  ask <question>      Probe the cross-session answer cache
  remember <q> <a>    Record an answered question
  facts <subcommand>  Manage facts: add, list, delete
  stats               Show vault and index statistics
  sync                Push local profile changes to the cloud
  mcp                 Serve the engine over MCP (stdio)
  config              Show resolved configuration and value sources
  version             Print version

Common Flags:
  --db <path>         Vault database path (default: ~/.recall/recall.db)
  --user <id>         User ID (or RECALL_USER)
  --embed <provider>  Embedding provider, e.g. ollama/nomic-embed-text
  --remote <url>      Remote backend base URL
  --config <path>     Config file (default: ~/.recall/config.yaml)

Flags:
  -h, --help          Show this help message
  -v, --version       Print version
`, version)
}

// globalFlags are the flags every command accepts.
type globalFlags struct {
	cfg  config.ResolveOptions
	rest []string
}

// parseGlobal splits the shared flags from command-specific arguments.
func parseGlobal(args []string) (globalFlags, error) {
	var g globalFlags
	for i := 0; i < len(args); i++ {
		arg := args[i]
		takeValue := func() (string, error) {
			if i+1 >= len(args) {
				return "", fmt.Errorf("flag %s needs a value", arg)
			}
			i++
			return args[i], nil
		}

		var err error
		switch arg {
		case "--db":
			g.cfg.CLIDBPath, err = takeValue()
		case "--user":
			g.cfg.CLIUser, err = takeValue()
		case "--embed":
			g.cfg.CLIEmbed, err = takeValue()
		case "--remote":
			g.cfg.CLIRemoteURL, err = takeValue()
		case "--config":
			g.cfg.ConfigPath, err = takeValue()
		default:
			g.rest = append(g.rest, arg)
		}
		if err != nil {
			return g, err
		}
	}
	return g, nil
}
