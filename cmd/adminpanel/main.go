package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/auditmos/adminpanel/archive"
	"github.com/auditmos/adminpanel/auth"
	"github.com/auditmos/adminpanel/config"
	"github.com/auditmos/adminpanel/dashboard"
	"github.com/auditmos/adminpanel/gateway"
	"github.com/auditmos/adminpanel/logging"
	"github.com/auditmos/adminpanel/metrics"
	"github.com/auditmos/adminpanel/recorder"
	"github.com/auditmos/adminpanel/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	app := NewApp()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func NewApp() *cli.App {
	return &cli.App{
		Name:    "adminpanel",
		Usage:   "record HTTP traffic and browse it from an admin dashboard",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		Commands: []*cli.Command{
			serveCommand(),
			pruneCommand(),
			hashPasswordCommand(),
			tokenCommand(),
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "start the recorder and admin dashboard",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "listen",
				Aliases: []string{"l"},
				Usage:   "listen address (default :8000)",
			},
			&cli.StringFlag{
				Name:  "db-driver",
				Usage: "record store: sqlite or postgres",
			},
			&cli.StringFlag{
				Name:  "db-path",
				Usage: "SQLite database file",
			},
			&cli.BoolFlag{
				Name:  "live",
				Usage: "show the live monitoring indicator",
			},
			&cli.BoolFlag{
				Name:  "safe",
				Usage: "scrub sensitive headers before recording",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "also write records to stdout in JSONL format",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "human or json",
			},
			&cli.StringFlag{
				Name:  "templates-dir",
				Usage: "directory of template overrides",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			return runServe(cfg, c.App.Writer)
		},
	}
}

func pruneCommand() *cli.Command {
	return &cli.Command{
		Name:  "prune",
		Usage: "delete records older than a cutoff",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "older-than",
				Usage: "age cutoff (default RETENTION_MAX_AGE)",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			maxAge := cfg.RetentionMaxAge
			if c.IsSet("older-than") {
				maxAge = c.Duration("older-than")
			}
			if maxAge <= 0 {
				return fmt.Errorf("--older-than or RETENTION_MAX_AGE must be > 0")
			}
			return runPrune(c.Context, cfg, maxAge, c.App.Writer)
		},
	}
}

func hashPasswordCommand() *cli.Command {
	return &cli.Command{
		Name:      "hash-password",
		Usage:     "print a bcrypt hash for the OPERATORS setting",
		ArgsUsage: "<password>",
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("password argument required")
			}
			hash, err := auth.HashPassword(c.Args().First())
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, hash)
			return nil
		},
	}
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "issue a signed bearer token",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "user",
				Aliases:  []string{"u"},
				Required: true,
				Usage:    "token subject",
			},
			&cli.BoolFlag{
				Name:  "admin",
				Usage: "grant staff access to the dashboard",
			},
			&cli.DurationFlag{
				Name:  "ttl",
				Value: 24 * time.Hour,
				Usage: "token lifetime",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return fmt.Errorf("JWT_SECRET is not set")
			}
			authn := auth.New(auth.Config{JWTSecret: []byte(cfg.JWTSecret)})
			token, err := authn.IssueToken(c.String("user"), c.Bool("admin"), c.Duration("ttl"))
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, token)
			return nil
		},
	}
}

// loadConfig reads the environment and lets any flags set on c win.
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, err
	}
	applyFlags(c, &cfg)
	return cfg, cfg.Validate()
}

func applyFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet("listen") {
		cfg.ListenAddr = c.String("listen")
	}
	if c.IsSet("db-driver") {
		cfg.DBDriver = c.String("db-driver")
	}
	if c.IsSet("db-path") {
		cfg.DBPath = c.String("db-path")
	}
	if c.IsSet("live") {
		cfg.LiveMonitoring = c.Bool("live")
	}
	if c.IsSet("safe") {
		cfg.SafeMode = c.Bool("safe")
	}
	if c.IsSet("json") {
		cfg.JSONOutput = c.Bool("json")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("log-format") {
		cfg.LogFormat = c.String("log-format")
	}
	if c.IsSet("templates-dir") {
		cfg.TemplatesDir = c.String("templates-dir")
	}
}

// buildLogger writes to out and feeds the in-process diagnostics buffer.
// JSON record output claims stdout, so the logger moves to stderr then.
func buildLogger(cfg config.Config, out io.Writer) logging.Logger {
	var formatter logging.Formatter
	if cfg.LogFormat == config.FormatJSON {
		formatter = &logging.JSONFormatter{}
	} else {
		formatter = logging.NewHumanFormatter(out)
	}
	return logging.NewLogger(logging.LoggerConfig{
		Output:    out,
		Formatter: formatter,
		Level:     logging.ParseLevel(cfg.LogLevel),
		Sanitize:  true,
		Hooks:     []logging.Hook{logging.Diagnostics()},
	})
}

type stores struct {
	records    storage.RecordRepo
	audit      storage.AuditRepo
	scrubRules storage.ScrubRuleRepo
	close      func() error
}

func openStores(ctx context.Context, cfg config.Config, log logging.Logger) (*stores, error) {
	if cfg.DBDriver == config.DriverPostgres {
		gdb, err := storage.OpenPostgres(cfg.PostgresDSN, log)
		if err != nil {
			return nil, err
		}
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, fmt.Errorf("postgres handle: %w", err)
		}
		return &stores{
			records: storage.NewGormRecordRepo(gdb),
			audit:   storage.NewGormAuditRepo(gdb),
			close:   sqlDB.Close,
		}, nil
	}

	db, err := storage.OpenDB(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	rules := storage.NewSQLiteScrubRuleRepo(db)
	if err := rules.Seed(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("seed scrub rules: %w", err)
	}
	return &stores{
		records:    storage.NewSQLiteRecordRepo(db),
		audit:      storage.NewSQLiteAuditRepo(db),
		scrubRules: rules,
		close:      db.Close,
	}, nil
}

func buildScrubber(ctx context.Context, cfg config.Config, st *stores) (*storage.Scrubber, error) {
	if !cfg.SafeMode {
		return nil, nil
	}
	if st.scrubRules == nil {
		return storage.NewScrubber(), nil
	}
	return storage.NewScrubberWithRepo(ctx, st.scrubRules)
}

// buildArchiver returns nil when neither a directory nor a bucket is set.
func buildArchiver(cfg config.Config) (dashboard.Archiver, error) {
	var store archive.Store
	switch {
	case cfg.S3Bucket != "":
		s3, err := archive.NewS3Store(archive.S3Config{
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3Prefix,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
		if err != nil {
			return nil, err
		}
		store = s3
	case cfg.ArchiveDir != "":
		store = archive.NewFileStore(cfg.ArchiveDir)
	default:
		return nil, nil
	}

	var key []byte
	if cfg.ArchiveKey != "" {
		k, err := archive.DecodeKey(cfg.ArchiveKey)
		if err != nil {
			return nil, fmt.Errorf("archive key: %w", err)
		}
		key = k
	}
	return archive.NewArchiver(store, key), nil
}

func buildSink(cfg config.Config, repo storage.RecordRepo, out io.Writer) recorder.Sink {
	if !cfg.JSONOutput {
		return repo
	}
	return recorder.NewMultiSink(repo, recorder.NewJSONSink(out))
}

func runServe(cfg config.Config, out io.Writer) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Fprintln(out, "\nShutting down...")
		cancel()
	}()

	logOut := out
	if cfg.JSONOutput {
		logOut = os.Stderr
	}
	log := buildLogger(cfg, logOut)

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer st.close()

	features := cfg.Features()
	logFeatures(log, features)

	scrubber, err := buildScrubber(ctx, cfg, st)
	if err != nil {
		return fmt.Errorf("init scrubber: %w", err)
	}
	if scrubber != nil {
		fmt.Fprintln(out, "Safe mode enabled: sensitive headers will be scrubbed")
	}

	proxies, err := recorder.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return fmt.Errorf("parse trusted proxies: %w", err)
	}

	archiver, err := buildArchiver(cfg)
	if err != nil {
		return fmt.Errorf("init archiver: %w", err)
	}

	operators, err := auth.ParseOperators(cfg.Operators)
	if err != nil {
		return fmt.Errorf("parse operators: %w", err)
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	rec := recorder.New(recorder.Config{
		Sink:           buildSink(cfg, st.records, out),
		Log:            log,
		Metrics:        m,
		Scrubber:       scrubber,
		Whitelist:      cfg.WhitelistedPaths,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		TrustedProxies: proxies,
	})

	hub := gateway.NewHub(gateway.HubConfig{
		Log:            log,
		Metrics:        m,
		MaxConnsPerIP:  cfg.WSMaxConnsPerIP,
		MessageRate:    cfg.WSMessageRate,
		MessageBurst:   cfg.WSMessageBurst,
		SendQueue:      cfg.WSSendQueue,
		TrustedProxies: proxies,
	})
	defer hub.Close()

	ctrlCfg := dashboard.ControllerConfig{
		Repo:                st.records,
		Audit:               st.audit,
		Archiver:            archiver,
		ScrubRules:          st.scrubRules,
		Log:                 log,
		Metrics:             m,
		LiveMonitoring:      features.LiveMonitoring,
		RequireConfirmation: cfg.RequireClearConfirmation,
		ConfirmTTL:          cfg.ConfirmTTL,
	}
	if scrubber != nil {
		ctrlCfg.Scrubber = scrubber
	}
	ctrl := dashboard.NewController(ctrlCfg)

	srv, err := dashboard.NewServer(dashboard.ServerConfig{
		Addr:           cfg.ListenAddr,
		Controller:     ctrl,
		Auth:           auth.New(auth.Config{JWTSecret: []byte(cfg.JWTSecret), Operators: operators, Log: log}),
		Recorder:       rec,
		Ping:           http.HandlerFunc(gateway.Ping),
		Socket:         hub,
		Gatherer:       prometheus.DefaultGatherer,
		Logger:         log,
		TemplatesDir:   cfg.TemplatesDir,
		AdminRateLimit: cfg.AdminRateLimit,
		AdminRateBurst: cfg.AdminRateBurst,
		TrustedProxies: proxies,
	})
	if err != nil {
		return fmt.Errorf("init dashboard: %w", err)
	}

	srv.SetReadyCallback(func() {
		fmt.Fprintf(out, "Admin panel: http://%s/admin/request-viewer/\n", displayAddr(srv.Addr()))
	})

	if features.Retention {
		pruner := storage.NewPruner(st.records, cfg.RetentionMaxAge, cfg.PruneInterval, log).WithMetrics(m)
		go pruner.Start(ctx)
	}

	return srv.Start(ctx)
}

func runPrune(ctx context.Context, cfg config.Config, maxAge time.Duration, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log := buildLogger(cfg, os.Stderr)

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer st.close()

	n, err := storage.NewPruner(st.records, maxAge, 0, log).PruneOnce(ctx)
	if err != nil {
		return err
	}
	remaining, err := st.records.Count(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Pruned %d records older than %s, %d remaining\n", n, maxAge, remaining)
	return nil
}

// logFeatures reports the optional subsystems this process runs with.
func logFeatures(log logging.Logger, f config.Features) {
	log.WithFields(logging.Fields{
		"live_monitoring": f.LiveMonitoring,
		"retention":       f.Retention,
		"archive":         f.Archive,
		"s3_archive":      f.S3Archive,
		"sealed_archive":  f.SealedArchive,
		"token_auth":      f.TokenAuth,
		"basic_auth":      f.BasicAuth,
	}).Info("main", "startup", "Features resolved")
	if !f.TokenAuth && !f.BasicAuth {
		log.Warn("main", "startup", "No operators or JWT secret configured, the dashboard will refuse everyone")
	}
}

// displayAddr turns a wildcard listen address into something clickable.
func displayAddr(addr string) string {
	if strings.HasPrefix(addr, "[::]:") {
		return "localhost:" + strings.TrimPrefix(addr, "[::]:")
	}
	if strings.HasPrefix(addr, "0.0.0.0:") {
		return "localhost:" + strings.TrimPrefix(addr, "0.0.0.0:")
	}
	return addr
}
