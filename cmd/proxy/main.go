package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"bumpproxy/internal/interface/handler"
	"bumpproxy/internal/interface/repository/auth"
	"bumpproxy/internal/interface/repository/certstore"
	"bumpproxy/internal/interface/repository/logger"
	"bumpproxy/internal/interface/repository/metrics"
	"bumpproxy/internal/interface/repository/routes"
	"bumpproxy/internal/usecase"
)

const (
	defaultPort        = 3128
	defaultMetricsPort = 3129
	defaultConfigDir   = "./configs"
	defaultLogDir      = "./logs"
)

type config struct {
	port                 int
	host                 string
	metricsPort          int
	configDir            string
	logDir               string
	bump                 bool
	caCertFile           string
	caKeyFile            string
	certTTLDays          int
	certCacheMaxEntries  int
	connectRetryAttempts int
	connectRetryInterval time.Duration
	connectTimeout       time.Duration
	routesReloadInterval time.Duration
}

func main() {
	cfg := parseConfig()

	if err := prepareDirectories(cfg); err != nil {
		fmt.Printf("Failed to prepare directories: %v\n", err)
		os.Exit(1)
	}

	// ロガーの初期化
	loggerRepo, err := logger.New(cfg.logDir, "proxy.log", logger.DefaultRotationConfig())
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer loggerRepo.Close()

	// メトリクスの初期化
	metricsRepo := metrics.New(filepath.Join(cfg.logDir, "metrics.json"))
	metricsUseCase := usecase.NewMetricsUseCase(metricsRepo, loggerRepo, usecase.MetricsConfig{})
	defer metricsUseCase.Stop()

	// アクセス制御の初期化
	authRepo, err := auth.New(filepath.Join(cfg.configDir, "auth.yaml"), loggerRepo)
	if err != nil {
		loggerRepo.Error("Failed to initialize access control", err, nil)
		os.Exit(1)
	}

	// エンジンの構築
	engineConfig := usecase.Config{
		Logger:               loggerRepo,
		Metrics:              metricsRepo,
		ConnectRetryAttempts: cfg.connectRetryAttempts,
		ConnectRetryInterval: cfg.connectRetryInterval,
		ConnectTimeout:       cfg.connectTimeout,
	}

	var router *usecase.RoutingProxy
	if cfg.bump {
		store, err := buildCertStore(cfg, metricsRepo)
		if err != nil {
			loggerRepo.Error("Failed to initialize certificate store", err, nil)
			os.Exit(1)
		}
		bumpProxy := usecase.NewBumpProxy(engineConfig, store)
		router = usecase.AttachRouting(bumpProxy.ProxyUseCase)
	} else {
		router = usecase.NewRoutingProxy(engineConfig)
	}
	router.Authenticate = authRepo.Authenticate

	// ルートテーブルの初期化
	routesRepo := routes.New(filepath.Join(cfg.configDir, "routes.yaml"), router, loggerRepo)
	if _, err := routesRepo.Load(); err != nil {
		loggerRepo.Error("Failed to load routes", err, nil)
		os.Exit(1)
	}
	routesRepo.Watch(cfg.routesReloadInterval)
	defer routesRepo.Close()

	// メトリクスサーバの設定
	metricsHandler := handler.NewMetricsHandler(metricsUseCase, loggerRepo)
	metricsServer := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.metricsPort),
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/metrics":
				metricsHandler.HandleMetrics(w, r)
			case "/stats":
				metricsHandler.HandleStats(w, r)
			case "/health":
				metricsHandler.HandleHealth(w, r)
			default:
				http.NotFound(w, r)
			}
		}),
	}

	go func() {
		loggerRepo.Info("Starting metrics server", map[string]interface{}{"port": cfg.metricsPort})
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			loggerRepo.Error("Metrics server error", err, nil)
		}
	}()

	// プロキシの起動
	if err := router.Start(cfg.port, cfg.host); err != nil {
		loggerRepo.Error("Failed to start proxy", err, nil)
		os.Exit(1)
	}

	// シグナル待機
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	<-signalChan
	loggerRepo.Info("Shutdown signal received", nil)

	// グレースフルシャットダウン
	if err := router.Shutdown(false); err != nil {
		loggerRepo.Error("Error shutting down proxy", err, nil)
	}
	metricsServer.Close()

	loggerRepo.Info("Shutdown complete", nil)
}

// buildCertStore はCA鍵を読み込み (無ければ生成して保存し) ストアを構築する.
func buildCertStore(cfg *config, collector *metrics.Repository) (*certstore.Repository, error) {
	caCertPEM, caKeyPEM, err := loadOrCreateCA(cfg)
	if err != nil {
		return nil, err
	}

	return certstore.New(certstore.Config{
		CACertPEM:  caCertPEM,
		CAKeyPEM:   caKeyPEM,
		TTLDays:    cfg.certTTLDays,
		MaxEntries: cfg.certCacheMaxEntries,
		Metrics:    collector,
	})
}

func loadOrCreateCA(cfg *config) ([]byte, []byte, error) {
	caCertPEM, certErr := os.ReadFile(cfg.caCertFile)
	caKeyPEM, keyErr := os.ReadFile(cfg.caKeyFile)
	if certErr == nil && keyErr == nil {
		return caCertPEM, caKeyPEM, nil
	}
	if !os.IsNotExist(certErr) && certErr != nil {
		return nil, nil, certErr
	}
	if !os.IsNotExist(keyErr) && keyErr != nil {
		return nil, nil, keyErr
	}

	caCertPEM, caKeyPEM, err := certstore.GenerateCA("bumpproxy CA", 3650)
	if err != nil {
		return nil, nil, err
	}
	if err := os.WriteFile(cfg.caCertFile, caCertPEM, 0644); err != nil {
		return nil, nil, err
	}
	if err := os.WriteFile(cfg.caKeyFile, caKeyPEM, 0600); err != nil {
		return nil, nil, err
	}
	return caCertPEM, caKeyPEM, nil
}

func parseConfig() *config {
	cfg := &config{}

	flag.IntVar(&cfg.port, "port", defaultPort, "Proxy server port")
	flag.StringVar(&cfg.host, "host", "127.0.0.1", "Proxy server bind address")
	flag.IntVar(&cfg.metricsPort, "metrics-port", defaultMetricsPort, "Metrics server port")
	flag.StringVar(&cfg.configDir, "config-dir", defaultConfigDir, "Configuration directory")
	flag.StringVar(&cfg.logDir, "log-dir", defaultLogDir, "Log directory")
	flag.BoolVar(&cfg.bump, "bump", false, "Enable TLS interception for CONNECT tunnels")
	flag.StringVar(&cfg.caCertFile, "ca-cert", filepath.Join(defaultConfigDir, "ca.crt"), "CA certificate file (PEM)")
	flag.StringVar(&cfg.caKeyFile, "ca-key", filepath.Join(defaultConfigDir, "ca.key"), "CA private key file (PEM)")
	flag.IntVar(&cfg.certTTLDays, "cert-ttl-days", 365, "Leaf certificate TTL in days")
	flag.IntVar(&cfg.certCacheMaxEntries, "cert-cache-size", 1000, "Maximum leaf certificate cache entries")
	flag.IntVar(&cfg.connectRetryAttempts, "connect-retry-attempts", 0, "Extra hedged connect attempts beyond the first")
	flag.DurationVar(&cfg.connectRetryInterval, "connect-retry-interval", time.Second, "Stagger between hedged connect attempts")
	flag.DurationVar(&cfg.connectTimeout, "connect-timeout", 10*time.Second, "Per-attempt outbound connect timeout")
	flag.DurationVar(&cfg.routesReloadInterval, "routes-reload-interval", time.Minute, "Route table reload check interval")

	flag.Parse()

	return cfg
}

func prepareDirectories(cfg *config) error {
	dirs := []string{
		cfg.configDir,
		cfg.logDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %v", dir, err)
		}
	}

	return nil
}
