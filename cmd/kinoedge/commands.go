package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/mmcdole/kinoedge/internal/config"
	"github.com/mmcdole/kinoedge/internal/offline"
	"github.com/mmcdole/kinoedge/internal/progress"
	"github.com/mmcdole/kinoedge/internal/store"
)

func openStore(cfg *config.Config) (*store.Store, error) {
	db, err := store.New(cfg.Store.Path, cfg.Server.Origin)
	if err != nil {
		return nil, fmt.Errorf("failed to open store (is kinoedge serve running?): %w", err)
	}
	return db, nil
}

func runProgress(w io.Writer, cfg *config.Config, logger *slog.Logger, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: kinoedge progress list [query] | progress rm <id>")
	}

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	s := progress.NewStore(db, logger,
		progress.WithKey(cfg.Progress.Key),
		progress.WithLimit(cfg.Progress.Limit))

	switch args[0] {
	case "list", "ls":
		query := strings.Join(args[1:], " ")
		printMatches(w, s.Search(ctx, query))
		return nil
	case "rm", "remove":
		if len(args) != 2 {
			return fmt.Errorf("usage: kinoedge progress rm <id>")
		}
		if _, ok := s.Get(ctx, args[1]); !ok {
			fmt.Fprintf(w, "%s nothing stored for %s\n", dimStyle.Render("-"), args[1])
			return nil
		}
		if err := s.Remove(ctx, args[1]); err != nil {
			return fmt.Errorf("failed to remove %s: %w", args[1], err)
		}
		fmt.Fprintf(w, "%s removed %s\n", successStyle.Render("✓"), args[1])
		return nil
	default:
		return fmt.Errorf("unknown progress command %q", args[0])
	}
}

func runCache(w io.Writer, cfg *config.Config, logger *slog.Logger, args []string) error {
	if len(args) != 1 || args[0] != "clear" {
		return fmt.Errorf("usage: kinoedge cache clear")
	}

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	controller := offline.NewController(offline.Config{Version: cfg.Cache.Version}, nil, db, logger)

	before, err := controller.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to read cache status: %w", err)
	}
	if err := controller.ClearAll(ctx); err != nil {
		return err
	}

	entries := 0
	for _, p := range before.Partitions {
		entries += p.Entries
	}
	fmt.Fprintf(w, "%s cleared %d partitions (%d entries)\n", successStyle.Render("✓"), len(before.Partitions), entries)
	return nil
}
