package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/cgrail/mcp-express-test/internal/config"
	"github.com/cgrail/mcp-express-test/internal/mcpclient"
	"github.com/cgrail/mcp-express-test/internal/mcpserver"
	"github.com/cgrail/mcp-express-test/internal/observability"
	"github.com/cgrail/mcp-express-test/internal/plugin"
	"github.com/cgrail/mcp-express-test/internal/registry"
	"github.com/cgrail/mcp-express-test/internal/runner"
	"github.com/cgrail/mcp-express-test/internal/service/agent"
	"github.com/cgrail/mcp-express-test/internal/service/session"
	"github.com/cgrail/mcp-express-test/internal/transport"
)

const version = "0.1.0"

const (
	defaultWebDirName = "web"
	sessionHeader     = "X-Session-Id"
	discoverTimeout   = 10 * time.Second
	closeTimeout      = 5 * time.Second
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger

	runner    *runner.Runner
	registry  *registry.Registry
	transport *transport.Transport
	mcp       *mcp.Server
	clients   []*mcpclient.Client
	sessions  *session.Manager

	// unmatched counts peer messages that answered no pending tool call.
	unmatched atomic.Int64

	// baseCtx outlives requests; the in-process MCP session runs on it.
	baseCtx   context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewServer wires the tool catalog, the peer transport, the inference
// gateway and the session manager. Tool discovery happens here, after which
// the catalog is frozen.
func NewServer(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	retention, ok := agent.ParseRetentionPolicy(cfg.TranscriptPolicy)
	if !ok {
		return nil, fmt.Errorf("invalid transcript policy %q", cfg.TranscriptPolicy)
	}
	mcpSrv, err := mcpserver.New(version)
	if err != nil {
		return nil, fmt.Errorf("init mcp server failed: %w", err)
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	srv := &Server{
		cfg:    cfg,
		logger: logger,
		runner: runner.New(runner.GenerateConfig{
			ProviderID: cfg.Provider,
			Model:      cfg.Model,
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			TimeoutMS:  cfg.ProviderTimeoutMS,
		}),
		registry: registry.New(logger),
		mcp:      mcpSrv,
		baseCtx:  baseCtx,
		cancel:   cancel,
	}
	srv.transport = transport.New(
		transport.WithTimeout(cfg.ToolCallTimeout),
		transport.WithFailFastOnReplace(cfg.FailPendingOnReconnect),
		transport.WithUnmatchedHandler(srv.handleUnmatchedPeerMessage),
		transport.WithLogger(logger),
	)

	if err := plugin.Register(srv.registry, plugin.NewBrowserTools(srv.transport)...); err != nil {
		srv.Close()
		return nil, err
	}
	srv.discoverTools(ctx)
	srv.registry.Freeze()

	sessions, err := session.NewManager(func(id string) *agent.Orchestrator {
		return agent.New(agent.Dependencies{
			Gateway: srv.runner,
			Tools:   srv.registry,
			Logger:  logger.With("session_id", id),
		}, agent.Options{
			Model:        cfg.Model,
			SystemPrompt: cfg.SystemPrompt,
			MaxRounds:    cfg.MaxToolRounds,
			Retention:    retention,
		})
	}, session.Options{
		IdleTTL:       cfg.SessionIdleTTL,
		SweepSchedule: cfg.SessionSweepSchedule,
		Logger:        logger,
	})
	if err != nil {
		srv.Close()
		return nil, err
	}
	srv.sessions = sessions
	if err := sessions.Start(); err != nil {
		srv.Close()
		return nil, err
	}
	return srv, nil
}

// discoverTools registers the tools of every configured MCP endpoint. A
// failing endpoint contributes nothing; it is logged by the registry.
func (s *Server) discoverTools(ctx context.Context) {
	for i, spec := range s.cfg.MCPEndpoints {
		client, err := s.newClient(i, spec)
		if err != nil {
			s.logger.Warn("skipping mcp endpoint", "endpoint", spec, "error", err)
			continue
		}
		s.clients = append(s.clients, client)
		discoverCtx, cancel := context.WithTimeout(ctx, discoverTimeout)
		s.registry.Discover(discoverCtx, client)
		cancel()
	}
}

func (s *Server) newClient(index int, spec string) (*mcpclient.Client, error) {
	if strings.EqualFold(strings.TrimSpace(spec), config.SelfEndpoint) {
		return mcpclient.NewWithTransport(config.SelfEndpoint, func(context.Context) (mcp.Transport, error) {
			return mcpserver.InMemoryTransport(s.baseCtx, s.mcp, s.logger), nil
		}, s.cfg.ToolCallTimeout), nil
	}
	return mcpclient.New(fmt.Sprintf("mcp-%d", index+1), spec, s.cfg.ToolCallTimeout)
}

func (s *Server) handleUnmatchedPeerMessage(raw []byte) {
	s.unmatched.Add(1)
	s.logger.Debug("ignoring peer message that answers no tool call", "bytes", len(raw))
}

// ProbeGateway checks that the inference server answers.
func (s *Server) ProbeGateway(ctx context.Context) error {
	return s.runner.Probe(ctx)
}

func (s *Server) Close() {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if s.sessions != nil {
			s.sessions.Stop(ctx)
		}
		for _, client := range s.clients {
			if err := client.Close(); err != nil {
				s.logger.Warn("close mcp client failed", "provider", client.Name(), "error", err)
			}
		}
		_ = s.transport.Close()
		s.cancel()
	})
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(observability.RequestID)
	r.Use(observability.Logging(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors)

	r.Get("/version", s.handleVersion)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/ws", transport.ServeWebSocket(s.transport, s.logger))

	mcpHandler := mcpserver.Handler(s.mcp)
	r.Handle("/mcp", mcpHandler)
	r.Handle("/mcp/*", mcpHandler)

	r.Route("/api", func(api chi.Router) {
		api.Post("/request", s.handleRequest)
		api.Get("/tools", s.listTools)
		api.Get("/sessions", s.listSessions)
		api.Get("/providers", s.listProviders)
	})

	if static := webStaticHandler(s.cfg.WebDir); static != nil {
		r.NotFound(static)
	}
	return r
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization,X-Request-Id,X-Session-Id,Mcp-Session-Id")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": version})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":             true,
		"peer_connected": s.transport.Connected(),
		"peer_unmatched": s.unmatched.Load(),
		"tools":          s.registry.Len(),
	})
}

func webStaticHandler(configuredWebDir string) http.HandlerFunc {
	webDir, ok := resolveWebDir(configuredWebDir)
	if !ok {
		return nil
	}
	fileServer := http.FileServer(http.Dir(webDir))
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.NotFound(w, r)
			return
		}
		cleanPath := path.Clean("/" + strings.TrimPrefix(r.URL.Path, "/"))
		relPath := strings.TrimPrefix(cleanPath, "/")
		if relPath != "" {
			targetPath := filepath.Join(webDir, filepath.FromSlash(relPath))
			if info, err := os.Stat(targetPath); err == nil && !info.IsDir() {
				fileServer.ServeHTTP(w, r)
				return
			}
		}
		indexPath := filepath.Join(webDir, "index.html")
		if info, err := os.Stat(indexPath); err != nil || info.IsDir() {
			http.NotFound(w, r)
			return
		}
		http.ServeFile(w, r, indexPath)
	}
}

func resolveWebDir(configuredWebDir string) (string, bool) {
	raw := strings.TrimSpace(configuredWebDir)
	if raw == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", false
		}
		raw = filepath.Join(cwd, defaultWebDirName)
	}
	if !filepath.IsAbs(raw) {
		cwd, err := os.Getwd()
		if err != nil {
			return "", false
		}
		raw = filepath.Join(cwd, raw)
	}
	info, err := os.Stat(raw)
	if err != nil || !info.IsDir() {
		return "", false
	}
	return raw, true
}
