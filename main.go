package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"weather-alert-bot/approval"
	"weather-alert-bot/classify"
	"weather-alert-bot/config"
	"weather-alert-bot/content"
	"weather-alert-bot/dispatch"
	"weather-alert-bot/feed"
	"weather-alert-bot/rssout"
	"weather-alert-bot/runner"
	"weather-alert-bot/scheduler"
)

func main() {
	// Set up structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	slog.Info("starting weather alert bot")

	// Load configuration
	configPath := config.GetConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)
	slog.Info("config loaded", "path", configPath, "feed_url", cfg.FeedURL)

	// Set up context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize components
	fetcher := feed.NewClient(cfg.FeedURL, feed.WithTimeout(cfg.FetchTimeout()))

	rules, err := content.LoadRules(ctx, cfg.RulesMode, cfg.RulesPath, cfg.RulesURL, cfg.FetchTimeout())
	if err != nil {
		// Built-in templates cover every alert, so a broken rule table
		// degrades the output rather than blocking it.
		slog.Warn("failed to load content rules, using built-in templates", "error", err)
		rules = nil
	} else if len(rules) > 0 {
		slog.Info("content rules loaded", "count", len(rules))
	}
	selector := content.NewSelector(rules, cfg.DisplayAreaName, cfg.MoreInfoURL)

	var channels []dispatch.Channel
	if cfg.EnableXPosting {
		channels = append(channels, dispatch.NewXChannel(
			cfg.XClientID,
			cfg.XClientSecret,
			cfg.XRefreshToken,
			cfg.RotatedTokenPath,
			dispatch.WithXTimeout(cfg.PostTimeout()),
		))
	}
	if cfg.EnableFBPosting {
		channels = append(channels, dispatch.NewFBChannel(
			cfg.FBPageID,
			cfg.FBPageAccessToken,
			dispatch.WithFBTimeout(cfg.PostTimeout()),
		))
	}
	slog.Info("channels enabled", "x", cfg.EnableXPosting, "facebook", cfg.EnableFBPosting)

	rssWriter := rssout.NewWriter(cfg.RSSPath, cfg.RSSTitle, cfg.RSSLink,
		"Weather alerts for "+cfg.DisplayAreaName, cfg.MaxRSSItems)

	var opts []runner.Option
	if cfg.EnableApproval {
		tgBot, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
		if err != nil {
			slog.Error("failed to initialize Telegram bot", "error", err)
			os.Exit(1)
		}
		slog.Info("approval gate enabled", "username", tgBot.Self.UserName)
		gate := approval.NewGate(tgBot, cfg.TelegramChatID,
			approval.WithTTL(time.Duration(cfg.ApprovalTTLMins)*time.Minute),
			approval.WithPollInterval(time.Duration(cfg.ApprovalPollSecs)*time.Second),
			approval.WithMaxWait(time.Duration(cfg.ApprovalMaxWaitSecs)*time.Second),
		)
		opts = append(opts, runner.WithGate(gate))
	}

	run := runner.NewRunner(
		fetcher,
		selector,
		dispatch.NewDispatcher(channels...),
		rssWriter,
		cfg.StatePath,
		buildPolicy(cfg),
		opts...,
	)

	if cfg.RunInterval == "" {
		// Single-cycle mode: one run, exit status reflects fatal errors only.
		if _, err := run.Run(ctx); err != nil {
			slog.Error("run failed", "error", err)
			os.Exit(1)
		}
		return
	}

	// Daemon mode
	interval, err := time.ParseDuration(cfg.RunInterval)
	if err != nil {
		slog.Error("invalid run interval", "interval", cfg.RunInterval, "error", err)
		os.Exit(1)
	}

	sched := scheduler.NewScheduler()
	if err := sched.Schedule(interval, func() {
		// Scheduled runs share the signal context so an in-flight run is
		// interrupted on shutdown rather than left dangling.
		if _, err := run.Run(ctx); err != nil {
			slog.Error("run failed", "error", err)
		}
	}); err != nil {
		slog.Error("failed to schedule runs", "interval", cfg.RunInterval, "error", err)
		os.Exit(1)
	}

	// One run right away so a restart does not wait a full interval.
	if _, err := run.Run(ctx); err != nil {
		slog.Error("run failed", "error", err)
	}

	sched.Start()
	defer sched.Stop()
	slog.Info("runs scheduled", "interval", cfg.RunInterval)

	<-ctx.Done()
	slog.Info("bot stopped")
}

func buildPolicy(cfg *config.Config) classify.Policy {
	cooldowns := make(map[string]time.Duration, len(cfg.CooldownMins))
	for kind, mins := range cfg.CooldownMins {
		cooldowns[kind] = time.Duration(mins) * time.Minute
	}
	return classify.Policy{
		Cooldowns:      cooldowns,
		GlobalCooldown: time.Duration(cfg.GlobalCooldownMins) * time.Minute,
		Grace:          cfg.ExpiryGrace(),
	}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
