package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"twitter2telegram/config"
	"twitter2telegram/internal/logger"
	"twitter2telegram/internal/metrics"
	"twitter2telegram/internal/router"
	"twitter2telegram/internal/store/sqlite"
	"twitter2telegram/internal/subscriber"
	"twitter2telegram/internal/telegram"
	"twitter2telegram/internal/ttlcache"
	"twitter2telegram/internal/twitter"
)

const (
	tweetQueueSize = 100
	dedupeWindow   = 72 * time.Hour
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := config.Load()
	logg := logger.Init("bridge", logger.ParseLevel(os.Getenv("LOG_LEVEL")))
	logg.Info("starting")

	// ---- Setup metrics & health ----
	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	// ---- Setup context for graceful shutdown ----
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Storage ----
	store, err := sqlite.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("sqlite init failed: %v", err)
	}
	defer store.Close()
	health.CheckSQLite(ctx, store.DB())
	health.StartLivenessChecker(ctx, store.DB(), 10*time.Second)

	// ---- Telegram ----
	tgClient, err := telegram.NewClient(cfg.TelegramBotToken, logg)
	if err != nil {
		log.Fatalf("telegram init failed: %v", err)
	}
	health.SetTelegramOK(true)

	// ---- Twitter + subscription manager ----
	twClient := twitter.NewClient(cfg.TwitterKey, cfg.TwitterSecret)
	tweetCh := make(chan interface{}, tweetQueueSize)

	sub := subscriber.New(twClient, tgClient, tweetCh, logg)
	sub.OnRebalance = prom.Rebalances.Inc
	sub.OnSessionStart = prom.StreamSessions.Inc
	sub.OnCredentialExpired = func(userID int64, hash string) {
		prom.ExpiredTokens.Inc()
		if err := store.SetTwitterStatus(userID, false); err != nil {
			logg.Error("set twitter status", "user", userID, "err", err)
		}
	}

	// ---- Router ----
	dedupe := ttlcache.New[string, struct{}](dedupeWindow)
	go dedupe.Sweeper(ctx, time.Hour)

	rtr := router.New(sub, tgClient, dedupe, logg)
	rtr.OnTweet = func() {
		prom.TweetsTotal.Inc()
		health.SetLastTweetTime(time.Now())
	}
	rtr.OnNonTweet = prom.NonTweetMessages.Inc
	rtr.OnDedupeHit = prom.DedupeHits.Inc
	rtr.OnSend = prom.SendsTotal.Inc
	rtr.OnSendError = prom.SendErrors.Inc

	go sub.Run(ctx)
	go rtr.Run(ctx, tweetCh)

	// ---- Seed in-memory state from the database ----
	if err := bootstrap(store, sub, tgClient, logg); err != nil {
		log.Fatalf("bootstrap failed: %v", err)
	}

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				prom.TokensActive.Set(float64(sub.TokenCount()))
			}
		}
	}()

	// ---- Command dispatcher ----
	bot := telegram.NewBot(tgClient, store, sub, twClient, cfg.TelegramAdminID, logg)
	go bot.Run(ctx)
	logg.Info("bridge ready", "tokens", sub.TokenCount())

	// ---- Wait for shutdown signal ----
	<-sigCh
	logg.Info("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Stop(shutdownCtx)

	logg.Info("shutdown complete")
}

// bootstrap replays persisted state into the subscription manager: block
// entries, user preferences, stored credentials and the follows of every user
// whose credential is still valid. Credentials that fail the probe are marked
// expired and their owner notified.
func bootstrap(store *sqlite.Store, sub *subscriber.Subscriber, tg *telegram.Client, logg *slog.Logger) error {
	blacklist, err := store.GetAllBlacklist()
	if err != nil {
		return err
	}
	for _, b := range blacklist {
		sub.Block(b, 0)
	}

	users, err := store.GetUsersWithValidTwitterStatus()
	if err != nil {
		return err
	}

	var validIDs []int64
	for _, u := range users {
		sub.SetPrefs(u.ID, u.DisableRetweet, u.DisableTextMsg)
		if u.TwitterAccessToken == "" {
			continue
		}
		if err := sub.AddToken(u.ID, u.TwitterAccessToken); err != nil {
			if errors.Is(err, subscriber.ErrCredentialExpired) || errors.Is(err, twitter.ErrTokenMalformed) {
				logg.Warn("stored credential unusable", "user", u.ID, "err", err)
				if dbErr := store.SetTwitterStatus(u.ID, false); dbErr != nil {
					logg.Error("set twitter status", "user", u.ID, "err", dbErr)
				}
				if sendErr := tg.SendText(u.ID, "Your Twitter authorization has expired, you will not receive future messages."); sendErr != nil {
					logg.Error("notify user", "user", u.ID, "err", sendErr)
				}
				continue
			}
			logg.Warn("credential probe inconclusive, skipping", "user", u.ID, "err", err)
			continue
		}
		validIDs = append(validIDs, u.ID)
	}

	follows, err := store.GetFollowsByUsers(validIDs)
	if err != nil {
		return err
	}
	restart := make(map[string]struct{})
	for _, f := range follows {
		blob, err := sub.AddFollow(f, 0)
		if err != nil {
			logg.Warn("replay follow", "user", f.UserID, "account", f.TwitterUserID, "err", err)
			continue
		}
		if blob != "" {
			restart[blob] = struct{}{}
		}
	}
	for blob := range restart {
		sub.EnqueueRebalance(blob)
	}

	logg.Info("bootstrap complete",
		"blacklist", len(blacklist), "users", len(users), "follows", len(follows), "sessions", len(restart))
	return nil
}
