package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/blackmichael/plebbit-feeds/internal/domain"
	"github.com/blackmichael/plebbit-feeds/internal/engine"
	"github.com/blackmichael/plebbit-feeds/internal/feeds"
	"github.com/blackmichael/plebbit-feeds/internal/fetch"
	"github.com/blackmichael/plebbit-feeds/internal/gateway"
	"github.com/blackmichael/plebbit-feeds/internal/rpc"
	"github.com/goccy/go-json"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		transport string
		url       string
		sources   string
		sortType  string
		pages     int
		replies   bool
		timeout   time.Duration
		verbose   bool
	)

	flag.StringVar(&transport, "transport", envOrDefault("PLEBBIT_FEEDS_FETCH__TRANSPORT", "rpc"), "Fetch transport: rpc or gateway")
	flag.StringVar(&url, "url", envOrDefault("PLEBBIT_RPC_URL", ""), "Plebbit RPC websocket URL or IPFS gateway URL")
	flag.StringVar(&sources, "sources", "", "Comma separated community addresses (or comment cids with --replies)")
	flag.StringVar(&sortType, "sort", "hot", "Sort type (hot, new, active, topAll, controversialWeek, ...)")
	flag.IntVar(&pages, "pages", intOrDefault("FEEDCAT_PAGES", 1), "Number of pages to load")
	flag.BoolVar(&replies, "replies", false, "Read the replies of the given comments instead of community posts")
	flag.DurationVar(&timeout, "timeout", 2*time.Minute, "Give up after this long")
	flag.BoolVar(&verbose, "v", false, "Log progress to stderr")
	flag.Parse()

	ids := strings.Split(sources, ",")
	if len(domain.NormalizeSourceIDs(ids)) == 0 {
		return fmt.Errorf("--sources is required")
	}
	if pages < 1 {
		return fmt.Errorf("--pages must be at least 1")
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var fetcher domain.Fetcher
	switch transport {
	case "rpc":
		if url == "" {
			url = "ws://localhost:9138"
		}
		client := rpc.NewClient(url, logger)
		defer client.Close()
		fetcher = client
	case "gateway":
		fetcher = gateway.NewClient(url, 30*time.Second)
	default:
		return fmt.Errorf("unknown transport %q", transport)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	eng, err := engine.New(engine.Config{}, engine.Deps{
		Fetcher: fetch.WithBreaker(fetcher, transport, 0, logger),
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer eng.Close()

	opts := domain.FeedOptions{SourceIDs: ids, SortType: sortType}
	agg := eng.Feeds()
	var name string
	if replies {
		agg = eng.Replies()
		name, err = eng.AddRepliesFeed(opts, false)
	} else {
		name, err = agg.AddFeed(opts)
	}
	if err != nil {
		return err
	}

	loaded, err := waitForPages(ctx, agg, name, pages)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	for _, c := range loaded {
		if err := enc.Encode(c); err != nil {
			return fmt.Errorf("write comment: %w", err)
		}
	}
	return nil
}

// waitForPages grows the feed until it has the requested number of pages
// or cannot grow any more.
func waitForPages(ctx context.Context, agg *feeds.Aggregator, name string, pages int) ([]*domain.Comment, error) {
	updates := make(chan struct{}, 1)
	unsubscribe := agg.Subscribe(func(feeds.Snapshot) {
		select {
		case updates <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	want := pages * agg.PageSize()
	for {
		if feed, ok := agg.Feed(name); ok {
			if len(feed.Loaded) >= want || !feed.HasMore {
				return feed.Loaded, nil
			}
			// the published options may lag behind an increment
			if opts, _ := agg.Options(name); opts.PageNumber < pages {
				err := agg.IncrementPageNumber(name)
				if err != nil && !errors.Is(err, feeds.ErrPageNotLoaded) {
					return nil, err
				}
			}
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for feed %s: %w", name, ctx.Err())
		case <-updates:
		}
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intOrDefault(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}
