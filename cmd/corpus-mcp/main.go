// Command corpus-mcp serves a curated knowledge corpus over the Model
// Context Protocol. It speaks line-delimited JSON-RPC on stdio or
// HTTP+SSE, selected by configuration, and fronts the OAuth endpoints the
// hosted LLM connectors require.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/philippgille/chromem-go"

	"github.com/corpusforge/mcp"
	"github.com/corpusforge/mcp/index"
	"github.com/corpusforge/mcp/oauth"
	"github.com/corpusforge/mcp/toolpack"
)

const (
	serverName    = "corpus-mcp"
	serverVersion = "1.2.0"
)

const instructions = "This server exposes a curated knowledge corpus. " +
	"Use search_knowledge for semantic search, list_sources to see what the corpus contains, " +
	"and get_book_content to read book chapters in full."

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := mcp.ConfigFromEnv()
	if err != nil {
		return err
	}

	setupLogging(cfg.Transport)

	sing := index.NewSingleton(func(ctx context.Context) (index.KnowledgeIndex, error) {
		return index.OpenChromem(ctx, filepath.Join(cfg.IndexPath, "chromem"), chromem.NewEmbeddingFuncDefault())
	})

	cat, err := index.LoadCatalog(cfg.IndexPath)
	if err != nil {
		if errors.Is(err, index.ErrIndexUnavailable) {
			slog.Warn("corpus catalog not found, source and book tools will degrade", "path", cfg.IndexPath)
		} else {
			return fmt.Errorf("load catalog: %w", err)
		}
	}

	opts := cfg.ServerOptions()
	opts.Instructions = instructions
	server := mcp.NewServer(serverName, serverVersion, opts)
	toolpack.Register(server, sing, cat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sing.Preload(ctx)

	switch cfg.Transport {
	case mcp.TransportStdio:
		slog.Info("serving on stdio", "name", serverName, "version", serverVersion)
		err = server.ServeStdio(ctx)

	case mcp.TransportHTTP:
		go server.Sessions().Run(ctx)

		// The provider stays mounted even with SKIP_OAUTH: hosted LLM
		// connectors still probe discovery and start-auth, which must
		// answer auth_not_required in that mode.
		provider := oauth.NewProvider(oauth.Config{
			Issuer:      cfg.PublicURL,
			SkipOAuth:   cfg.SkipOAuth,
			AutoApprove: cfg.AutoApproveClients,
			ClientsFile: cfg.OAuthClientsFile,
		})

		httpSrv := mcp.NewHTTPServer(cfg, server, provider, func() (bool, int) {
			st := sing.Status()
			return st.Ready, st.DocumentCount
		})
		err = httpSrv.Run(ctx)

	default:
		return fmt.Errorf("unknown transport %q", cfg.Transport)
	}

	server.Sessions().CloseAll()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("shutdown complete")
	return nil
}

// setupLogging routes logs to stderr. Stdout is the protocol channel in
// stdio mode, so logs must never touch it.
func setupLogging(transport mcp.Transport) {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if transport == mcp.TransportHTTP {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}
