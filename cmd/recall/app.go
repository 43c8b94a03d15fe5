package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/recallkit/recall/internal/config"
	"github.com/recallkit/recall/internal/embed"
	"github.com/recallkit/recall/internal/hybrid"
	"github.com/recallkit/recall/internal/index"
	"github.com/recallkit/recall/internal/kv"
	"github.com/recallkit/recall/internal/profile"
	"github.com/recallkit/recall/internal/remote"
	"github.com/recallkit/recall/internal/respcache"
	"github.com/recallkit/recall/internal/selector"
	"github.com/recallkit/recall/internal/vault"
)

// app wires the engine together for one CLI invocation. Everything shares
// one SQLite file: vault tables plus the kv table used by the index
// snapshot, answer cache, and profile mirror.
type app struct {
	cfg      config.ResolvedConfig
	logger   *slog.Logger
	logClose io.Closer

	vault    *vault.SQLiteVault
	store    *kv.SQLiteStore
	embedder *embed.Provider
	remote   *remote.Client
	index    *index.Manager
	searcher *hybrid.Searcher
	selector *selector.Selector
	answers  *respcache.Cache
	profiles *profile.Cache

	userID string
}

func newApp(ctx context.Context, g globalFlags) (*app, error) {
	resolved, err := config.ResolveConfig(g.cfg)
	if err != nil {
		return nil, err
	}

	logger, logClose, err := config.SetupLogger(resolved.LogLevel.Value, resolved.LogFile.Value)
	if err != nil {
		return nil, err
	}

	v, err := vault.Open(resolved.DBPath.Value)
	if err != nil {
		return nil, err
	}

	store, err := kv.NewSQLiteStoreFromDB(v.DB())
	if err != nil {
		v.Close()
		return nil, err
	}

	a := &app{
		cfg:      resolved,
		logger:   logger,
		logClose: logClose,
		vault:    v,
		store:    store,
		userID:   resolved.UserID.Value,
	}
	if a.userID == "" {
		a.userID = "default"
	}

	if resolved.EmbedProvider.Value != "" {
		embedCfg, err := embed.ParseFlag(resolved.EmbedProvider.Value)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("embed provider: %w", err)
		}
		if resolved.EmbedEndpoint.Value != "" {
			embedCfg.Endpoint = resolved.EmbedEndpoint.Value
		}
		if resolved.EmbedAPIKey.Value != "" {
			embedCfg.APIKey = resolved.EmbedAPIKey.Value
		}
		a.embedder = embed.NewProvider(embedCfg, logger)
	}

	if resolved.RemoteURL.Value != "" {
		rc, err := remote.NewClient(&remote.Config{
			BaseURL: resolved.RemoteURL.Value,
			APIKey:  resolved.RemoteAPIKey.Value,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("remote backend: %w", err)
		}
		a.remote = rc
	}

	var idxEmbedder index.Embedder
	if a.embedder != nil {
		idxEmbedder = a.embedder
	}
	a.index = index.NewManager(store, idxEmbedder, index.WithLogger(logger))
	if err := a.index.Load(ctx); err != nil {
		a.logger.Warn("loading index snapshot failed, starting empty", "error", err)
	}

	// A typed-nil remote client must become a nil interface, otherwise
	// downstream nil checks read it as configured.
	var rs hybrid.RemoteSearcher
	var ps profile.RemoteStore
	if a.remote != nil {
		rs = a.remote
		ps = a.remote
	}

	a.searcher = hybrid.NewSearcher(a.index, idxEmbedder, rs, hybrid.WithLogger(logger))
	a.selector = selector.New(v, logger)

	a.answers = respcache.New(store, respcache.WithLogger(logger))
	if err := a.answers.Load(ctx); err != nil {
		a.logger.Warn("loading answer cache failed, starting empty", "error", err)
	}

	a.profiles = profile.New(store, ps, logger)

	return a, nil
}

// Close flushes debounced state and releases the database.
func (a *app) Close() {
	ctx := context.Background()
	if a.index != nil {
		if err := a.index.Flush(ctx); err != nil {
			a.logger.Warn("flushing index snapshot failed", "error", err)
		}
	}
	if a.answers != nil {
		if err := a.answers.Flush(ctx); err != nil {
			a.logger.Warn("flushing answer cache failed", "error", err)
		}
	}
	if a.vault != nil {
		a.vault.Close()
	}
	if a.logClose != nil {
		a.logClose.Close()
	}
}

// selectorOptions maps resolved config onto selection options.
func (a *app) selectorOptions() selector.Options {
	opts := selector.DefaultOptions()
	opts.TokenBudget = a.cfg.TokenBudget.IntOr(opts.TokenBudget)
	opts.IncludePII = a.cfg.IncludePII.IntOr(opts.IncludePII)
	return opts
}
