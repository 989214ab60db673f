package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/guseggert/liverun/archive"
	"github.com/guseggert/liverun/client"
	"github.com/guseggert/liverun/config"
	"github.com/guseggert/liverun/history"
	"github.com/guseggert/liverun/protocol"
	"github.com/guseggert/liverun/runner"
	"github.com/guseggert/liverun/runner/docker"
	"github.com/guseggert/liverun/runner/local"
	"github.com/guseggert/liverun/runner/lua"
	"github.com/guseggert/liverun/server"
	"github.com/guseggert/liverun/session"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "liverun",
		Usage: "run programs interactively over WebSocket connections",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "One of [debug,info,warn,error]. Overrides the config file.",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			runCommand(),
			historyCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "" {
		level = "info"
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	if lvl == zapcore.DebugLevel {
		return zap.NewDevelopment()
	}
	l, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return l.WithOptions(zap.IncreaseLevel(lvl)), nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "serve interactive sessions",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to the config file. By default liverun.yaml is searched for from the working directory up.",
			},
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the HTTP server to listen on.",
			},
			&cli.StringFlag{
				Name:  "runner",
				Usage: "How programs are run. One of [local,lua,docker].",
			},
			&cli.IntFlag{
				Name:  "max-sessions",
				Usage: "The maximum number of concurrently running programs.",
			},
			&cli.StringFlag{
				Name:  "session-timeout",
				Usage: "Duration a program may run before it is killed.",
			},
			&cli.StringFlag{
				Name:  "history-db",
				Usage: "SQLite database to record finished sessions in.",
			},
		},
		Action: serve,
	}
}

func loadConfig(ctx *cli.Context) (config.Config, string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return config.Config{}, "", fmt.Errorf("getting working dir: %w", err)
	}
	path, err := config.Discover(ctx.String("config"), wd)
	if err != nil {
		return config.Config{}, "", fmt.Errorf("finding config file: %w", err)
	}
	cfg := config.Default()
	if path != "" {
		cfg, err = config.Load(path)
		if err != nil {
			return cfg, "", err
		}
	}

	if ctx.IsSet("log-level") {
		cfg.LogLevel = ctx.String("log-level")
	}
	if ctx.IsSet("listen-addr") {
		cfg.ListenAddr = ctx.String("listen-addr")
	}
	if ctx.IsSet("runner") {
		cfg.Runner = ctx.String("runner")
	}
	if ctx.IsSet("max-sessions") {
		cfg.MaxSessions = ctx.Int("max-sessions")
	}
	if ctx.IsSet("session-timeout") {
		d, err := time.ParseDuration(ctx.String("session-timeout"))
		if err != nil {
			return cfg, "", fmt.Errorf("parsing session timeout: %w", err)
		}
		cfg.SessionTimeout = config.Duration(d)
	}
	if ctx.IsSet("history-db") {
		cfg.HistoryDB = ctx.String("history-db")
	}
	return cfg, path, cfg.Validate()
}

func buildRunner(cfg config.Config, log *zap.SugaredLogger) (runner.Runner, error) {
	switch cfg.Runner {
	case config.RunnerLocal:
		opts := []local.Option{local.WithLogger(log)}
		if len(cfg.Interpreter) > 0 {
			opts = append(opts, local.WithInterpreter(cfg.Interpreter...))
		}
		return local.New(opts...), nil
	case config.RunnerLua:
		return lua.New(log), nil
	case config.RunnerDocker:
		r, err := docker.NewRunner()
		if err != nil {
			return nil, fmt.Errorf("building docker runner: %w", err)
		}
		r = r.WithLogger(log)
		if cfg.DockerImage != "" {
			r = r.WithImage(cfg.DockerImage)
		}
		if len(cfg.Interpreter) > 0 {
			r = r.WithInterpreter(cfg.Interpreter...)
		}
		return r, nil
	}
	return nil, fmt.Errorf("unsupported runner %q", cfg.Runner)
}

func serve(ctx *cli.Context) error {
	cfg, cfgPath, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Sugar()
	if cfgPath != "" {
		log.Infow("loaded config", "Path", cfgPath)
	}

	sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, err := buildRunner(cfg, log)
	if err != nil {
		return err
	}

	managerOpts := []session.Option{
		session.WithLogger(log),
		session.WithMaxSessions(cfg.MaxSessions),
		session.WithSessionTimeout(cfg.SessionTimeout.Duration()),
		session.WithMaxOutputBytes(cfg.MaxOutputBytes),
		session.WithDrainTimeout(cfg.DrainTimeout.Duration()),
	}
	serverOpts := []server.Option{
		server.WithLogger(logger),
		server.WithListenAddr(cfg.ListenAddr),
		server.WithReadLimit(cfg.ReadLimit),
		server.WithInputRate(cfg.InputRate, cfg.InputBurst),
		server.WithCloseGrace(cfg.CloseGrace.Duration()),
		server.WithIdleTimeout(cfg.IdleTimeout.Duration()),
	}

	if cfg.HistoryDB != "" {
		store, err := history.Open(cfg.HistoryDB)
		if err != nil {
			return fmt.Errorf("opening history: %w", err)
		}
		defer store.Close()
		managerOpts = append(managerOpts, session.WithObserver(store))
		serverOpts = append(serverOpts, server.WithHistory(store))
	}
	if cfg.Archive.Bucket != "" {
		a, err := archive.New(cfg.Archive.Bucket,
			archive.WithLogger(log),
			archive.WithPrefix(cfg.Archive.Prefix),
			archive.WithRegion(cfg.Archive.Region),
		)
		if err != nil {
			return fmt.Errorf("building archive: %w", err)
		}
		managerOpts = append(managerOpts, session.WithObserver(a))
	}
	if cfg.TLSCert != "" {
		tlsConfig, err := server.LoadServerTLSConfig(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return err
		}
		serverOpts = append(serverOpts, server.WithTLSConfig(tlsConfig))
	}

	manager := session.NewManager(r, managerOpts...)
	srv := server.New(manager, serverOpts...)

	if cfgPath != "" {
		err := config.Watch(sigCtx, cfgPath, log, func(c config.Config) {
			manager.SetLimits(c.MaxSessions, c.SessionTimeout.Duration())
		})
		if err != nil {
			log.Warnw("not watching config file", "Error", err)
		}
	}

	if err := srv.Listen(); err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve() }()

	select {
	case err := <-errCh:
		return err
	case <-sigCtx.Done():
	}
	log.Info("shutting down")
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(stopCtx); err != nil {
		return fmt.Errorf("stopping server: %w", err)
	}
	return <-errCh
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "run a program file interactively, with the console as its terminal",
		ArgsUsage: "FILE",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "url",
				Usage: "The server's base URL.",
				Value: "http://127.0.0.1:8080",
			},
		},
		Action: func(ctx *cli.Context) error {
			if ctx.NArg() != 1 {
				return cli.Exit("expected exactly one program file", 2)
			}
			program, err := os.ReadFile(ctx.Args().First())
			if err != nil {
				return fmt.Errorf("reading program: %w", err)
			}
			logger, err := newLogger(ctx.String("log-level"))
			if err != nil {
				return err
			}
			defer logger.Sync()

			sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			c := client.New(ctx.String("url"), client.WithLogger(logger))
			term, err := c.Run(sigCtx, string(program), client.Console{
				Stdin:  os.Stdin,
				Stdout: os.Stdout,
				Stderr: os.Stderr,
			})
			if err != nil {
				return err
			}
			term.Dismiss()
			if code, ok := term.ExitCode(); ok {
				if code != 0 {
					return cli.Exit("", code)
				}
				return nil
			}
			if _, code := term.Err(); code == protocol.CodeTimeout {
				return cli.Exit("", 124)
			}
			return cli.Exit("", 1)
		},
	}
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "list recently finished sessions",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "db",
				Usage: "Read from this history database instead of asking the server.",
			},
			&cli.StringFlag{
				Name:  "url",
				Usage: "The server's base URL.",
				Value: "http://127.0.0.1:8080",
			},
			&cli.IntFlag{
				Name:  "limit",
				Value: 20,
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Print full records as JSON.",
			},
		},
		Action: func(ctx *cli.Context) error {
			var (
				recs []session.Record
				err  error
			)
			if db := ctx.String("db"); db != "" {
				store, err := history.Open(db)
				if err != nil {
					return fmt.Errorf("opening history: %w", err)
				}
				defer store.Close()
				recs, err = store.List(ctx.Context, ctx.Int("limit"))
				if err != nil {
					return err
				}
			} else {
				recs, err = client.New(ctx.String("url")).History(ctx.Context, ctx.Int("limit"))
				if err != nil {
					return err
				}
			}

			if ctx.Bool("json") {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(recs)
			}
			return printHistory(recs)
		},
	}
}

func printHistory(recs []session.Record) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tENDED\tRUNNER\tSTATE\tEXIT\tPROGRAM")
	for _, rec := range recs {
		exit := "-"
		if rec.ExitCode != nil {
			exit = fmt.Sprint(*rec.ExitCode)
		} else if rec.Reason != "" {
			exit = rec.Reason
		}
		program, _, _ := strings.Cut(strings.TrimSpace(rec.Program), "\n")
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", rec.ID, rec.EndedAt.Local().Format(time.DateTime), rec.Runner, rec.State, exit, truncate(program, 40))
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("writing history: %w", err)
	}
	return nil
}

// truncate shortens s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
