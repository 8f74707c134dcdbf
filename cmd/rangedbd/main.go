// Command rangedbd is the server entrypoint: it parses flags with cobra,
// loads config.Config from an optional YAML file plus environment
// overrides, wires the engine manager / cache / backup manager /
// dispatcher / server stack, and runs until SIGINT/SIGTERM per the
// shutdown manager.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rangedb/internal/backup"
	"rangedb/internal/cache"
	"rangedb/internal/config"
	"rangedb/internal/dispatcher"
	"rangedb/internal/engine"
	"rangedb/internal/logging"
	"rangedb/internal/manager"
	"rangedb/internal/metrics"
	"rangedb/internal/server"
	"rangedb/internal/shutdown"
)

var (
	version = "dev"
	commit  = "unknown"
)

var cfgFile string

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "rangedbd",
		Short:   "rangedbd serves an ordered key/value engine over a newline-delimited JSON TCP protocol",
		Version: fmt.Sprintf("%s (%s)", version, commit),
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file (optional)")

	root.AddCommand(serveCmd())
	root.AddCommand(backupCmd())
	return root
}

// loadConfig builds a config.Config from Default(), then the optional
// --config file, then environment variables. Flags override file/env at
// the call site by being read after this function returns.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if err := cfg.LoadFromFile(cfgFile); err != nil {
		return nil, err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	var (
		host          string
		port          int
		dataDir       string
		token         string
		cacheEnabled  bool
		cacheTTL      time.Duration
		healthEnabled bool
		metricsOn     bool
		logLevel      string
		logFormat     string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the rangedbd server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if cmd.Flags().Changed("data-dir") {
				cfg.Engine.DataDir = dataDir
			}
			if cmd.Flags().Changed("token") {
				cfg.Server.Token = token
			}
			if cmd.Flags().Changed("cache") {
				cfg.Cache.Enabled = cacheEnabled
			}
			if cmd.Flags().Changed("cache-ttl") {
				cfg.Cache.TTL = cacheTTL
			}
			if cmd.Flags().Changed("health") {
				cfg.Server.HealthEnabled = healthEnabled
			}
			if cmd.Flags().Changed("metrics") {
				cfg.Server.MetricsEnabled = metricsOn
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Logging.Level = logLevel
			}
			if cmd.Flags().Changed("log-format") {
				cfg.Logging.Format = logFormat
			}

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			return runServe(cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&host, "host", "", "listen host")
	flags.IntVar(&port, "port", 0, "listen port")
	flags.StringVar(&dataDir, "data-dir", "", "engine data directory")
	flags.StringVar(&token, "token", "", "required auth token (empty disables auth)")
	flags.BoolVar(&cacheEnabled, "cache", false, "enable the write-back cache layer")
	flags.DurationVar(&cacheTTL, "cache-ttl", 0, "cache entry TTL")
	flags.BoolVar(&healthEnabled, "health", true, "serve GET /health on the same socket")
	flags.BoolVar(&metricsOn, "metrics", true, "serve GET /metrics on the same socket")
	flags.StringVar(&logLevel, "log-level", "", "log level (debug|info|warn|error)")
	flags.StringVar(&logFormat, "log-format", "", "log format (console|json)")
	return cmd
}

func runServe(cfg *config.Config) error {
	logger, err := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng := engine.NewMemEngine()
	eng.OnMergeError(func(cf string, operandIndex int, err error) {
		logger.Warnw("merge patch operand failed, skipped", "cf", cf, "operand_index", operandIndex, "error", err)
	})

	logCfg := logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Components: cfg.Logging.Components}

	mgr := manager.New(eng, logging.Component(logger, logCfg, "manager"))

	cfs := make([]engine.CFDescriptor, 0, len(cfg.Engine.ColumnFamilies))
	for _, name := range cfg.Engine.ColumnFamilies {
		cfs = append(cfs, engine.CFDescriptor{
			Name: name,
			Merge: engine.NewJSONMergeOperator(func(i int, err error) {
				logger.Warnw("merge patch operand failed, skipped", "cf", name, "operand_index", i, "error", err)
			}),
		})
	}
	ttl := engine.TTLOption{Enabled: cfg.Engine.TTLEnabled, Seconds: cfg.Engine.TTLSeconds}

	if err := mgr.Open(ctx, cfg.Engine.DataDir, cfs, ttl); err != nil {
		return fmt.Errorf("open engine: %w", err)
	}
	mgr.WriteBatchCreate() // a write batch always exists from server startup

	bkp := backup.New(mgr)

	c := cache.New(cfg.Cache.Enabled, cfg.Cache.TTL, mgr, logging.Component(logger, logCfg, "cache"))

	m := metrics.New()
	disp := dispatcher.New(mgr, c, bkp, cfg.Server.Token, logging.Component(logger, logCfg, "dispatcher"), m)
	srv := server.New(cfg.Addr(), disp, logging.Component(logger, logCfg, "server"), m, cfg.Server.HealthEnabled, cfg.Server.MetricsEnabled)

	sampleStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.SampleRuntime()
			case <-sampleStop:
				return
			}
		}
	}()

	shut := shutdown.NewManager(15*time.Second, logger)
	shut.Register("stop accepting connections", 0, func(ctx context.Context) error {
		close(sampleStop)
		return srv.Close()
	})
	shut.Register("close engine", 10, func(ctx context.Context) error {
		c.Close()
		return mgr.Close(ctx)
	})
	shut.Listen()

	logger.Infow("rangedbd starting", "addr", cfg.Addr(), "data_dir", cfg.Engine.DataDir, "cache_enabled", cfg.Cache.Enabled)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx) }()

	select {
	case err := <-serveErr:
		if err != nil {
			logger.Errorw("server stopped with error", "error", err)
			return err
		}
	case <-waitShutdown(shut):
	}

	shut.Wait()
	return nil
}

// waitShutdown adapts Manager.Wait to a channel so runServe can select on
// either the listener dying or a shutdown signal arriving.
func waitShutdown(m *shutdown.Manager) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		m.Wait()
		close(ch)
	}()
	return ch
}

func backupCmd() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "offline backup maintenance against a data directory (server must not be running against it concurrently)",
	}
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "./data", "engine data directory")

	cmd.AddCommand(backupCreateCmd(&dataDir))
	cmd.AddCommand(backupListCmd(&dataDir))
	cmd.AddCommand(backupRestoreCmd(&dataDir))
	return cmd
}

// openOfflineManager opens an engine manager directly against dataDir,
// the way an offline maintenance CLI would, without binding a TCP
// listener: it reuses the engine-manager/backup-manager types rather
// than speaking the wire protocol to itself.
func openOfflineManager(ctx context.Context, dataDir string) (*manager.Manager, *backup.Manager, *zap.SugaredLogger, error) {
	logger, err := logging.New(logging.DefaultConfig())
	if err != nil {
		return nil, nil, nil, err
	}
	eng := engine.NewMemEngine()
	mgr := manager.New(eng, logger)
	cfs := []engine.CFDescriptor{{Name: engine.DefaultCF, Merge: engine.NewJSONMergeOperator(nil)}}
	if err := mgr.Open(ctx, dataDir, cfs, engine.TTLOption{}); err != nil {
		return nil, nil, nil, fmt.Errorf("open engine at %s: %w", dataDir, err)
	}
	return mgr, backup.New(mgr), logger, nil
}

func backupCreateCmd(dataDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "take a new backup of the data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			mgr, bkp, logger, err := openOfflineManager(ctx, *dataDir)
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer mgr.Close(ctx)

			if err := bkp.Backup(ctx); err != nil {
				return err
			}
			fmt.Println("backup created")
			return nil
		},
	}
}

func backupListCmd(dataDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list retained backups",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			mgr, bkp, logger, err := openOfflineManager(ctx, *dataDir)
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer mgr.Close(ctx)

			infos, err := bkp.GetBackupInfo(ctx)
			if err != nil {
				return err
			}
			for _, info := range infos {
				fmt.Printf("%d\t%s\t%d bytes\t%d files\n", info.ID, time.Unix(info.Timestamp, 0).Format(time.RFC3339), info.SizeBytes, info.NumFiles)
			}
			return nil
		},
	}
}

func backupRestoreCmd(dataDir *string) *cobra.Command {
	var id uint32
	var latest bool

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "restore a backup in place (the data directory is overwritten)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			mgr, bkp, logger, err := openOfflineManager(ctx, *dataDir)
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer mgr.Close(ctx)

			if latest {
				if err := bkp.RestoreLatest(ctx); err != nil {
					return err
				}
			} else {
				if err := bkp.Restore(ctx, id); err != nil {
					return err
				}
			}
			fmt.Println("restore complete")
			return nil
		},
	}
	cmd.Flags().Uint32Var(&id, "id", 0, "backup id to restore")
	cmd.Flags().BoolVar(&latest, "latest", false, "restore the most recent backup")
	return cmd
}

