// viewer connects to the feed and streams order-book and trade updates for
// the configured coins to the console.
// Usage: go run ./cmd/viewer --config configs/viewer.local.yaml
package main

import (
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/dquist/feedmux/internal/bucket"
	"github.com/dquist/feedmux/internal/config"
	"github.com/dquist/feedmux/internal/feed"
	"github.com/dquist/feedmux/internal/settings"
	"github.com/dquist/feedmux/internal/version"
)

// trade is the slice of the trades payload the viewer displays.
type trade struct {
	Coin string `json:"coin"`
	Side string `json:"side"`
	Px   string `json:"px"`
	Sz   string `json:"sz"`
	Time int64  `json:"time"`
}

// bookLevel is one side level of an l2Book payload.
type bookLevel struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
	N  int    `json:"n"`
}

// book is the slice of the l2Book payload the viewer displays.
type book struct {
	Coin   string        `json:"coin"`
	Levels [][]bookLevel `json:"levels"`
	Time   int64         `json:"time"`
}

func main() {
	configPath := flag.String("config", "configs/viewer.local.yaml", "path to config file")
	verbose := flag.Bool("verbose", false, "print full message JSON")
	flag.Parse()

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	logger.Info("starting viewer",
		"version", version.String(),
		"feed_url", cfg.Feed.URL,
		"coins", cfg.Display.Coins,
	)

	store, err := settings.Open(cfg.Display.SettingsPath)
	if err != nil {
		logger.Error("failed to open settings store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	svc := feed.NewService(serviceConfig(cfg), logger.With("component", "feed"))

	releaseStatus := svc.SubscribeStatus(func(st feed.State) {
		logger.Info("connection state changed", "state", st)
	})
	defer releaseStatus()

	var mu sync.Mutex
	booked := make(map[string]bool) // coins with an active book subscription

	for _, coin := range cfg.Display.Coins {
		coin := coin

		svc.Subscribe("trades", map[string]any{"coin": coin}, func(data json.RawMessage) {
			var trades []trade
			if err := json.Unmarshal(data, &trades); err != nil {
				logger.Warn("unexpected trades payload", "coin", coin, "error", err)
				return
			}

			for _, t := range trades {
				if *verbose {
					logger.Info("trade", "coin", t.Coin, "side", t.Side, "px", t.Px, "sz", t.Sz)
				}
			}

			// The first trade price pins down the book precision for this coin.
			if len(trades) == 0 {
				return
			}
			mu.Lock()
			already := booked[coin]
			booked[coin] = true
			mu.Unlock()
			if already {
				return
			}

			px, err := strconv.ParseFloat(trades[0].Px, 64)
			if err != nil || px <= 0 {
				return
			}
			subscribeBook(svc, store, logger, coin, px, *verbose)
		})
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig)

	svc.Disconnect()
	logger.Info("viewer stopped")
}

// subscribeBook resolves the coin's bucket size (stored setting, or the
// price-derived default persisted for next time) and subscribes the book
// at the matching wire precision.
func subscribeBook(svc *feed.Service, store *settings.Store, logger *slog.Logger, coin string, px float64, verbose bool) {
	desired, found, err := store.BucketSize(coin)
	if err != nil {
		logger.Warn("failed to read bucket setting", "coin", coin, "error", err)
	}
	if !found {
		desired = bucket.Default(px)
		if err := store.SetBucketSize(coin, desired); err != nil {
			logger.Warn("failed to persist bucket setting", "coin", coin, "error", err)
		}
	}

	cfg := bucket.Best(px, desired.InexactFloat64())

	params := map[string]any{"coin": coin}
	if !cfg.FullPrecision() {
		params["nSigFigs"] = cfg.SigFigs
		if cfg.Mantissa != 0 {
			params["mantissa"] = cfg.Mantissa
		}
	}

	logger.Info("subscribing book",
		"coin", coin,
		"bucket_size", cfg.Size,
		"n_sig_figs", cfg.SigFigs,
		"mantissa", cfg.Mantissa,
	)

	svc.Subscribe("l2Book", params, func(data json.RawMessage) {
		if !verbose {
			return
		}
		var b book
		if err := json.Unmarshal(data, &b); err != nil {
			logger.Warn("unexpected book payload", "coin", coin, "error", err)
			return
		}
		bids, asks := 0, 0
		if len(b.Levels) > 0 {
			bids = len(b.Levels[0])
		}
		if len(b.Levels) > 1 {
			asks = len(b.Levels[1])
		}
		logger.Info("book", "coin", b.Coin, "bids", bids, "asks", asks)
	})
}

// serviceConfig maps file configuration onto the feed service.
func serviceConfig(cfg *config.ViewerConfig) feed.Config {
	fc := feed.DefaultConfig()
	fc.Transport.URL = cfg.Feed.URL
	fc.Transport.PingInterval = cfg.Feed.PingInterval
	fc.Transport.PingTimeout = cfg.Feed.PingTimeout
	fc.Transport.WriteTimeout = cfg.Feed.WriteTimeout
	fc.Transport.BufferSize = cfg.Feed.MessageBufferSize
	fc.ReconnectBaseDelay = cfg.Feed.ReconnectBaseDelay
	fc.ReconnectMaxDelay = cfg.Feed.ReconnectMaxDelay
	fc.MaxReconnectAttempts = cfg.Feed.MaxReconnectAttempts
	return fc
}

// newLogger builds the root logger from config.
func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
