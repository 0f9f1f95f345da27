// Command rabbit is a single-torrent BitTorrent client: give it a
// .torrent file, it streams the assembled payload to stdout as pieces
// complete (or serves an already-complete file to the swarm with -s/-f).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prxssh/rabbit/internal/config"
	"github.com/prxssh/rabbit/internal/logging"
	"github.com/prxssh/rabbit/internal/torrent"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		port     = flag.Uint("p", 8888, "TCP port to listen on for incoming peer connections")
		selector = flag.String("a", "inorder", "piece selection strategy: inorder, rarest, or bitos")
		seed     = flag.Bool("s", false, "seed mode: the torrent is already complete")
		file     = flag.String("f", "", "path to the already-downloaded payload; implies -s")
		verbose  = countFlag("v", "increase log verbosity (repeatable)")
	)
	flag.UintVar(port, "port", 8888, "same as -p")
	flag.StringVar(selector, "selector", "inorder", "same as -a")
	flag.BoolVar(seed, "seed", false, "same as -s")
	flag.StringVar(file, "file", "", "same as -f")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] TORRENT_FILE\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	setupLogger(*verbose)

	if flag.NArg() != 1 {
		flag.Usage()
		return 1
	}
	torrentPath := flag.Arg(0)

	if *file != "" {
		*seed = true
	}

	if err := config.Init(); err != nil {
		slog.Error("config init failed", "error", err)
		return 1
	}

	strategy, ok := parseSelector(*selector)
	if !ok {
		slog.Error("unknown selector", "selector", *selector)
		return 1
	}
	config.Update(func(c *config.Config) {
		c.Port = uint16(*port)
		c.PieceSelectionStrategy = strategy
	})

	data, err := os.ReadFile(torrentPath)
	if err != nil {
		slog.Error("failed to read torrent file", "path", torrentPath, "error", err)
		return 1
	}

	opts := &torrent.Opts{Out: os.Stdout, Seed: *seed, Logger: slog.Default()}
	if *seed {
		if *file == "" {
			slog.Error("seed mode requires -f")
			return 1
		}
		src, err := os.Open(*file)
		if err != nil {
			slog.Error("failed to open seed source", "path", *file, "error", err)
			return 1
		}
		defer src.Close()
		opts.Source = src
	}

	t, err := torrent.NewTorrent(data, opts)
	if err != nil {
		slog.Error("failed to load torrent", "error", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("starting session", "name", t.Metainfo.Info.Name, "seed", *seed, "port", *port)
	if err := t.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("session ended with error", "error", err)
		return 1
	}

	return 0
}

func parseSelector(s string) (config.PieceSelectionStrategy, bool) {
	switch s {
	case "inorder":
		return config.PieceSelectionInOrder, true
	case "rarest":
		return config.PieceSelectionRarestFirst, true
	case "bitos":
		return config.PieceSelectionBiTOS, true
	default:
		return 0, false
	}
}

func setupLogger(verbosity int) {
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = verbosityLevel(verbosity)
	opts.SlogOpts.AddSource = verbosity >= 2

	h := logging.NewPrettyHandler(os.Stderr, &opts)
	slog.SetDefault(slog.New(h))
}

func verbosityLevel(v int) slog.Level {
	switch {
	case v >= 2:
		return slog.LevelDebug
	case v == 1:
		return slog.LevelInfo
	default:
		return slog.LevelWarn
	}
}

// countFlag registers a repeatable boolean flag (-v -v -v) and returns a
// pointer to how many times it was seen.
func countFlag(name, usage string) *int {
	n := new(int)
	flag.Var(countValue{n}, name, usage)
	return n
}

type countValue struct{ n *int }

func (c countValue) String() string { return "" }
func (c countValue) Set(string) error {
	*c.n++
	return nil
}
func (c countValue) IsBoolFlag() bool { return true }
