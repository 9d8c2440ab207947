package api

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	zlog "github.com/rs/zerolog/log"

	"github.com/quarterdeck-io/console/pkg/api/handlers"
	"github.com/quarterdeck-io/console/pkg/api/middleware"
	"github.com/quarterdeck-io/console/pkg/helm"
	"github.com/quarterdeck-io/console/pkg/k8s"
	"github.com/quarterdeck-io/console/pkg/store"
)

// Version is overridden at build time via ldflags
var Version = "dev"

// Config holds server configuration
type Config struct {
	Port           int
	MetricsPort    int
	DatabasePath   string
	JWTSecret      string
	FrontendURL    string
	Kubeconfig     string
	HelmRepoConfig string
}

// Server represents the gateway API server
type Server struct {
	app      *fiber.App
	metrics  *http.Server
	store    store.Store
	config   Config
	clusters *k8s.MultiClusterClient
	forwards *k8s.PortForwardManager
	drains   *k8s.NodeDrainManager
	repos    *helm.Manager
}

// NewServer creates a new API server
func NewServer(cfg Config) (*Server, error) {
	db, err := store.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	app := fiber.New(fiber.Config{
		ErrorHandler:   customErrorHandler,
		ReadBufferSize: 16384, // Bearer tokens can push headers past the 4k default
	})

	clusters, err := k8s.NewMultiClusterClient(cfg.Kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	if err := clusters.LoadConfig(); err != nil {
		zlog.Warn().Err(err).Msg("could not load kubeconfig; waiting for it to appear")
	}
	clusters.SetOnReload(func() {
		zlog.Info().Msg("kubeconfig changed, cluster caches reset")
	})
	if err := clusters.StartWatching(); err != nil {
		zlog.Warn().Err(err).Msg("could not watch kubeconfig for changes")
	}

	server := &Server{
		app:      app,
		store:    db,
		config:   cfg,
		clusters: clusters,
		forwards: k8s.NewPortForwardManager(clusters, db),
		drains:   k8s.NewNodeDrainManager(clusters, db),
		repos:    helm.NewManager(cfg.HelmRepoConfig),
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server, nil
}

func (s *Server) setupMiddleware() {
	// Recovery middleware
	s.app.Use(recover.New())

	// Logger
	s.app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${method} ${path}\n",
		TimeFormat: "15:04:05",
	}))

	// CORS for the console frontend
	s.app.Use(cors.New(cors.Config{
		AllowOrigins:     s.config.FrontendURL,
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization",
		AllowCredentials: true,
	}))
}

func (s *Server) setupRoutes() {
	// Health check
	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// Everything else requires a gateway token
	api := s.app.Group("/", middleware.JWTAuth(s.config.JWTSecret))

	clusters := handlers.NewClusterHandler(s.clusters)
	api.Get("/clusters", clusters.ListClusters)

	// Watch upgrades and the plain proxy share one route; the upgrade
	// handler passes non-watch traffic through.
	watch := handlers.NewWatchHandler(s.clusters)
	proxy := handlers.NewProxyHandler(s.clusters)
	api.All("/clusters/:cluster/*", watch.UpgradeWatch, proxy.Proxy)

	forwards := handlers.NewPortForwardHandler(s.forwards)
	api.Post("/portforward", forwards.Start)
	api.Get("/portforward", forwards.Get)
	api.Delete("/portforward", forwards.StopOrDelete)
	api.Get("/portforward/list", forwards.List)

	drains := handlers.NewDrainHandler(s.drains)
	api.Post("/drain-node", drains.Drain)
	api.Get("/drain-node-status", drains.Status)

	repos := handlers.NewHelmRepoHandler(s.repos)
	api.Get("/helm/repositories", repos.List)
	api.Post("/helm/repositories", repos.Add)
	api.Put("/helm/repositories", repos.Update)
	api.Delete("/helm/repositories", repos.Remove)
}

// Start starts the API listener and, when configured, the metrics listener.
func (s *Server) Start() error {
	if s.config.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", handlers.GetMetricsHandler())
		s.metrics = &http.Server{
			Addr:    fmt.Sprintf(":%d", s.config.MetricsPort),
			Handler: mux,
		}
		go func() {
			if err := s.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zlog.Error().Err(err).Msg("metrics listener failed")
			}
		}()
	}

	addr := fmt.Sprintf(":%d", s.config.Port)
	zlog.Info().Str("addr", addr).Msg("starting gateway")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown() error {
	s.clusters.StopWatching()
	s.forwards.StopAll()
	if s.metrics != nil {
		_ = s.metrics.Close()
	}
	if err := s.store.Close(); err != nil {
		return err
	}
	return s.app.Shutdown()
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": message,
	})
}

// LoadConfigFromEnv loads configuration from environment variables
func LoadConfigFromEnv() Config {
	port := 8080
	if p := os.Getenv("PORT"); p != "" {
		fmt.Sscanf(p, "%d", &port)
	}

	metricsPort := 9090
	if p := os.Getenv("METRICS_PORT"); p != "" {
		fmt.Sscanf(p, "%d", &metricsPort)
	}

	dbPath := "./data/console.db"
	if p := os.Getenv("DATABASE_PATH"); p != "" {
		dbPath = p
	}

	return Config{
		Port:           port,
		MetricsPort:    metricsPort,
		DatabasePath:   dbPath,
		JWTSecret:      getEnvOrDefault("JWT_SECRET", generateDefaultSecret()),
		FrontendURL:    getEnvOrDefault("FRONTEND_URL", "http://localhost:5174"),
		Kubeconfig:     os.Getenv("KUBECONFIG"),
		HelmRepoConfig: getEnvOrDefault("HELM_REPOSITORY_CONFIG", defaultHelmRepoConfig()),
	}
}

// defaultHelmRepoConfig matches helm's own default location so the gateway
// and the helm CLI edit the same file.
func defaultHelmRepoConfig() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "helm", "repositories.yaml")
	}
	return "./data/repositories.yaml"
}

func getEnvOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func generateDefaultSecret() string {
	// In production, this should be set via environment
	// In dev, a stable secret keeps tokens valid across restarts
	return "dev-secret-quarterdeck-console-2025"
}
