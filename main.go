package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"

	"themeplane/api"
	"themeplane/assets"
	"themeplane/config"
	"themeplane/extract"
	"themeplane/fetch"
	"themeplane/figma"
	"themeplane/logger"
	"themeplane/metrics"
	"themeplane/scheduler"
	"themeplane/storage"
	"themeplane/telemetry"
	"themeplane/theme"
)

var (
	dataDir    string
	listen     string
	listenPort int
	logLevel   string
	logFormat  string
	sourceURL  string
	appVersion = "0.1.0"
)

var rootCmd = &cobra.Command{
	Use:   "themeplane",
	Short: "themeplane – design-tool theme registry",
	Long:  "Themeplane extracts UI themes from design documents, stores their assets and serves them over HTTP.",
	RunE:  run,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
	Long:  "Manage themeplane configuration files.",
}

var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a default configuration file",
	Long:  "Generate a default themeplane.config file in the specified data directory (or current directory if not specified).",
	RunE:  runConfigGenerate,
}

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract component styles from a design document",
	Long:  "Fetch a design document and print the extracted components as JSON. Local exports can be read with a file:// URL.",
	RunE:  runExtract,
}

var validateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a theme file",
	Long:  "Check a JSON or YAML theme file against the theme schema.",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func init() {
	wd, _ := os.Getwd()
	rootCmd.Version = appVersion
	rootCmd.SilenceUsage = true
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", wd, "Data directory (default: current directory)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: $LOG_LEVEL or info)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: text or json (default: $LOG_FORMAT or text)")
	rootCmd.Flags().StringVar(&listen, "listen", "all", "IP address to listen on (default: all)")
	rootCmd.Flags().IntVar(&listenPort, "listen-port", 8080, "Port to listen on (default: 8080)")

	extractCmd.Flags().StringVar(&sourceURL, "url", "", "Design document URL (https://www.figma.com/... or file://...)")
	_ = extractCmd.MarkFlagRequired("url")

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if logLevel != "" || logFormat != "" {
			level, format := logLevel, logFormat
			if level == "" {
				level = os.Getenv("LOG_LEVEL")
			}
			if format == "" {
				format = os.Getenv("LOG_FORMAT")
			}
			logger.Configure(level, format)
		}
	}

	configCmd.AddCommand(configGenerateCmd)
	rootCmd.AddCommand(configCmd, extractCmd, validateCmd)
}

// loadConfig reads the config in --data-dir, applies the environment and
// resolves the data directory to an absolute path.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(dataDir)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}

	if cmd.Flags().Changed("data-dir") || cfg.DataDir == "" || cfg.DataDir == "." {
		cfg.DataDir = dataDir
	}
	if err := config.ApplyEnv(&cfg, os.Getenv); err != nil {
		return cfg, fmt.Errorf("environment: %w", err)
	}

	dataDirAbs, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return cfg, fmt.Errorf("resolve data dir: %w", err)
	}
	cfg.DataDir = dataDirAbs
	return cfg, nil
}

func newFetcher(cfg config.Config, limited bool) *fetch.Client {
	opts := fetch.Options{
		Timeout: cfg.FetchTimeout.Std(),
		Retries: cfg.Retries,
	}
	if limited && cfg.FigmaRate > 0 {
		burst := int(cfg.FigmaRate)
		if burst < 1 {
			burst = 1
		}
		opts.Limiter = rate.NewLimiter(rate.Limit(cfg.FigmaRate), burst)
	}
	return fetch.New(opts)
}

func newSource(cfg config.Config) figma.Source {
	router := figma.Router{}
	if cfg.FigmaToken != "" {
		router.Remote = figma.NewClient(cfg.FigmaToken, cfg.FigmaBaseURL, newFetcher(cfg, true))
	}
	if cfg.AllowFileSources {
		router.Local = figma.FileSource{}
	}
	return router
}

func newStore(ctx context.Context, cfg config.Config) (storage.Store, string, error) {
	switch cfg.AssetBackend {
	case config.BackendS3:
		store, err := storage.NewS3(ctx, storage.S3Options{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			KeyPrefix: cfg.S3Prefix,
			URLPrefix: cfg.AssetURLPrefix,
			Endpoint:  cfg.S3Endpoint,
		})
		return store, "", err
	default:
		store := storage.NewLocal(cfg.AssetPath(), cfg.AssetURLPrefix)
		if err := store.EnsureDirs(); err != nil {
			return nil, "", fmt.Errorf("ensure asset dir: %w", err)
		}
		return store, store.Dir(), nil
	}
}

func newLedger(ctx context.Context, cfg config.Config) (assets.Ledger, func(), error) {
	if cfg.Ledger != config.LedgerRedis {
		return assets.NewMemoryLedger(), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}
	return assets.NewRedisLedger(client, cfg.RedisPrefix), func() { _ = client.Close() }, nil
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("listen") || cmd.Flags().Changed("listen-port") {
		if listen != "" && listen != "all" {
			cfg.ListenAddr = fmt.Sprintf("%s:%d", listen, listenPort)
		} else {
			cfg.ListenAddr = fmt.Sprintf(":%d", listenPort)
		}
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, assetDir, err := newStore(ctx, cfg)
	if err != nil {
		return err
	}
	ledger, closeLedger, err := newLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLedger()

	tracing, err := telemetry.New(telemetry.Config{
		Endpoint: cfg.TraceEndpoint,
		Insecure: cfg.TraceInsecure,
		Version:  appVersion,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()
	if tracing.Enabled() {
		otel.SetTracerProvider(tracing.TracerProvider())
		logger.Info("tracing enabled", "endpoint", cfg.TraceEndpoint)
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promRegistry, "")

	pipeline := assets.New(newFetcher(cfg, false), store, ledger, assets.Options{
		Workers:        cfg.AssetWorkers,
		MaxDimension:   cfg.MaxImageDimension,
		MaxPixels:      cfg.MaxImagePixels,
		Metrics:        m,
		TracerProvider: tracing.TracerProvider(),
	})

	policy, err := extract.ParseDuplicatePolicy(cfg.DuplicateComponents)
	if err != nil {
		return err
	}
	def, err := theme.LoadDefault(cfg.DefaultThemePath)
	if err != nil {
		return fmt.Errorf("load default theme: %w", err)
	}
	registry, err := theme.NewRegistry(def, theme.Options{
		Source:         newSource(cfg),
		Walker:         extract.Walker{Policy: policy},
		Assets:         pipeline,
		HistoryLimit:   cfg.HistoryLimit,
		Metrics:        m,
		TracerProvider: tracing.TracerProvider(),
	})
	if err != nil {
		return err
	}

	sched := scheduler.New(map[string]scheduler.Job{
		config.JobAssetSweep: func(ctx context.Context) error {
			removed, err := registry.SweepOrphans(ctx)
			if err == nil && removed > 0 {
				logger.Info("asset sweep finished", "removed", removed)
			}
			return err
		},
	}, cfg.Schedules, cfg.LastRun)
	persister := config.NewPersister(cfg)
	sched.OnRun(func(string, time.Time) {
		if err := persister.SaveSchedules(sched.Schedules(), sched.LastRun()); err != nil {
			logger.Warn("failed to save config", "error", err)
		}
	})

	apiServer := api.NewServer(registry, api.Options{
		Version:        appVersion,
		AssetDir:       assetDir,
		AssetURLPrefix: cfg.AssetURLPrefix,
		Metrics:        metrics.Handler(promRegistry),
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	printListeningAddresses(cfg.ListenAddr)

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	sched.Start(ctx)

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			cancel()
			sched.Wait()
			return fmt.Errorf("http server: %w", err)
		}
	}
	logger.Info("shutting down")

	apiServer.Shutdown()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", "error", err)
	}
	sched.Wait()
	return nil
}

func runConfigGenerate(cmd *cobra.Command, args []string) error {
	dataDirAbs, err := filepath.Abs(dataDir)
	if err != nil {
		return fmt.Errorf("resolve data dir: %w", err)
	}

	cfg := config.Default()
	cfg.DataDir = dataDirAbs

	cfgPath := filepath.Join(dataDirAbs, config.FileName)
	if _, err := os.Stat(cfgPath); err == nil {
		return fmt.Errorf("config file already exists: %s", cfgPath)
	}
	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Printf("Generated default config file: %s\n", cfgPath)
	return nil
}

func runExtract(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	policy, err := extract.ParseDuplicatePolicy(cfg.DuplicateComponents)
	if err != nil {
		return err
	}

	source := figma.Router{Local: figma.FileSource{}}
	if cfg.FigmaToken != "" {
		source.Remote = figma.NewClient(cfg.FigmaToken, cfg.FigmaBaseURL, newFetcher(cfg, true))
	}
	doc, err := source.Fetch(cmd.Context(), sourceURL)
	if err != nil {
		return err
	}
	components, err := extract.Walker{Policy: policy}.Components(doc.Root, doc.ImageFills)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(components)
}

func runValidate(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	t, err := theme.DecodeTheme(data, filepath.Ext(args[0]))
	if err != nil {
		return err
	}
	if err := theme.Check(t.Document()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: valid theme %q\n", args[0], t.Name)
	return nil
}

func printListeningAddresses(addr string) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		logger.Info("listening", "url", "http://"+addr)
		return
	}

	if host == "" || host == "0.0.0.0" || host == "::" {
		addrs, err := net.InterfaceAddrs()
		if err != nil {
			logger.Info("listening", "url", "http://0.0.0.0:"+port)
			return
		}
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
				logger.Info("listening", "url", fmt.Sprintf("http://%s:%s", ipnet.IP, port))
			}
		}
		logger.Info("listening", "url", "http://localhost:"+port)
		return
	}
	logger.Info("listening", "url", fmt.Sprintf("http://%s:%s", host, port))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
