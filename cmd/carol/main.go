// Command carol is a thin CLI front end over the library: fetch a source
// into the cache and optionally symlink it, in the style of the teacher's
// cmd/profiler/main.go (flag-based config struct, no heavier CLI
// framework).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/carolcache/carol"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("carol", flag.ContinueOnError)
	dbPath := fs.String("db", envOr("CAROL_DB", "carol.db"), "path to the metadata index database")
	cacheRoot := fs.String("cache-root", envOr("CAROL_CACHE_ROOT", filepath.Join(os.TempDir(), "carol-cache")), "cache directory root")
	verbose := fs.Bool("v", false, "enable verbose logging")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	rest := fs.Args()
	if len(rest) < 1 || rest[0] != "get" {
		fmt.Fprintln(os.Stderr, "usage: carol get <url> [target]")
		return 2
	}
	rest = rest[1:]
	if len(rest) < 1 {
		fmt.Fprintln(os.Stderr, "usage: carol get <url> [target]")
		return 2
	}
	source := rest[0]
	var target string
	if len(rest) > 1 {
		target = rest[1]
	}

	logLevel := slog.LevelWarn
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	ctx := context.Background()
	m, err := carol.Init(ctx, *dbPath, *cacheRoot,
		carol.WithFetcher(&carol.HTTPFetcher{}),
		carol.WithLogger(logger),
	)
	if err != nil {
		return reportError("init", err)
	}
	defer m.Close()

	h, err := m.Get(ctx, source)
	if err != nil {
		return reportError("get", err)
	}
	defer h.Release()

	if target == "" {
		fmt.Println(h.CachePath())
		return 0
	}
	if err := h.Symlink(target); err != nil {
		return reportError("symlink", err)
	}
	fmt.Println(target)
	return 0
}

func reportError(op string, err error) int {
	var cerr *carol.Error
	if errors.As(err, &cerr) {
		fmt.Fprintf(os.Stderr, "%s: %s\n", op, cerr.Kind)
	} else {
		fmt.Fprintf(os.Stderr, "%s: %v\n", op, err)
	}
	return 1
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
