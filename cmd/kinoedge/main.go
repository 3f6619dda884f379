package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mmcdole/kinoedge/internal/config"
	"github.com/mmcdole/kinoedge/internal/httpapi"
	"github.com/mmcdole/kinoedge/internal/log"
	"github.com/mmcdole/kinoedge/internal/offline"
	"github.com/mmcdole/kinoedge/internal/progress"
	"github.com/mmcdole/kinoedge/internal/store"
)

// Version is set at build time via -ldflags
var Version = "dev"

// installTimeout bounds the precache on startup
const installTimeout = 30 * time.Second

func main() {
	var (
		showVersion bool
		configPath  string
	)
	flag.BoolVar(&showVersion, "v", false, "print version")
	flag.BoolVar(&showVersion, "version", false, "print version")
	flag.StringVar(&configPath, "config", "", "path to config file")
	flag.Usage = usage
	flag.Parse()

	if showVersion {
		fmt.Printf("kinoedge %s\n", Version)
		return
	}

	if err := run(configPath, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `Usage: kinoedge [flags] [command]

Commands:
  serve                 run the caching proxy (default)
  progress list [query] list continue-watching entries
  progress rm <id>      remove an entry
  cache clear           delete every cache partition

Flags:
`)
	flag.PrintDefaults()
}

func run(configPath string, args []string) error {
	// Optional .env; real environment variables still win
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, closer, err := log.Setup(cfg)
	if err != nil {
		logger = log.Stderr()
		logger.Warn("logging to stderr", "error", err)
	} else {
		defer closer.Close()
	}
	slog.SetDefault(logger)

	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		if !cfg.IsConfigured() {
			return runSetupFlow(cfg, configPath)
		}
		return serve(cfg, logger)
	case "progress":
		return runProgress(os.Stdout, cfg, logger, args)
	case "cache":
		return runCache(os.Stdout, cfg, logger, args)
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func serve(cfg *config.Config, logger *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	origin, _ := cfg.OriginURL()
	denylist, _ := cfg.CompileDenylist()

	logger.Info("starting kinoedge", "version", Version, "origin", origin.String())

	db, err := store.New(cfg.Store.Path, cfg.Server.Origin)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer db.Close()

	controller := offline.NewController(offline.Config{
		Version:   cfg.Cache.Version,
		Origin:    origin,
		ShellPath: cfg.Cache.ShellPath,
		APIPrefix: cfg.Cache.APIPrefix,
		DevHosts:  cfg.Cache.DevHosts,
		Denylist:  denylist,
		Precache:  cfg.Cache.Precache,
	}, nil, db, logger)

	progressStore := progress.NewStore(db, logger,
		progress.WithKey(cfg.Progress.Key),
		progress.WithLimit(cfg.Progress.Limit))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A failed install leaves the controller passing requests straight through
	installCtx, cancel := context.WithTimeout(ctx, installTimeout)
	if err := controller.Install(installCtx); err != nil {
		logger.Warn("install failed, serving without offline cache", "error", err)
	}
	cancel()

	srv := httpapi.NewServer(controller, progressStore, origin, httpapi.WithLogger(logger))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(cfg.Server.Listen)
	}()
	fmt.Printf("kinoedge %s listening on http://%s (origin %s)\n", Version, cfg.Server.Listen, origin)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
	controller.Wait()
	return nil
}

// runSetupFlow asks for the upstream origin and writes a config file
func runSetupFlow(cfg *config.Config, configPath string) error {
	fmt.Println()
	fmt.Println("Welcome to kinoedge!")
	fmt.Println()

	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("Enter the app origin to proxy (e.g., https://kino.example.com): ")
		input, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}

		cfg.Server.Origin = strings.TrimSpace(input)
		if _, err := cfg.OriginURL(); err != nil {
			fmt.Printf("%s %v\n\n", errorStyle.Render("✗"), err)
			continue
		}
		break
	}

	path, err := config.SaveConfig(cfg, configPath)
	if err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Println()
	fmt.Printf("%s Configuration saved to %s\n", successStyle.Render("✓"), path)
	fmt.Println()
	fmt.Println("Run kinoedge again to start the proxy.")
	return nil
}
