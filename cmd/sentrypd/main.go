// Command sentrypd is the autonomous perpetual-futures trading control
// plane: it wires the exchange adapter, admission control, persistence, risk
// engine, decision loop, reversal monitor, reconciler, health aggregator,
// and HTTP read API into one running process.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sentrypd/api"
	"sentrypd/auth"
	"sentrypd/cache"
	"sentrypd/config"
	"sentrypd/coordinator"
	"sentrypd/crypto"
	"sentrypd/exchange"
	"sentrypd/exchange/binance"
	"sentrypd/exchange/bybit"
	"sentrypd/health"
	"sentrypd/llm"
	"sentrypd/logger"
	"sentrypd/notify"
	"sentrypd/reconcile"
	"sentrypd/reversal"
	"sentrypd/risk"
	"sentrypd/scheduler"
	"sentrypd/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(&logger.Config{Level: cfg.Log.Level}); err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Shutdown()

	logger.Infof("sentrypd starting: provider=%s symbols=%v", cfg.ExchangeProvider, cfg.TradingSymbols)

	apiKey, apiSecret := resolveCredentials(cfg)

	st, err := store.NewFromEnv(cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("store: %v", err)
	}
	defer st.Close()

	var inner exchange.Exchange
	switch cfg.ExchangeProvider {
	case "bybit":
		inner = bybit.New(apiKey, apiSecret, cfg.ExchangeTestnet)
	default:
		inner = binance.New(apiKey, apiSecret, cfg.ExchangeTestnet)
	}

	co := coordinator.New(cfg.ExchangeProvider, coordinator.Config{})
	co.Start()
	defer co.Stop()

	priceCache := cache.New(nil)
	ex := newGuardedExchange(inner, co, priceCache)

	notifier := buildNotifier(cfg)
	defer notifier.Close()

	riskEngine := risk.New(st, ex, notifier, risk.Config{})

	reversalMonitor := reversal.New(st, ex, riskEngine, reversal.Config{
		Interval: cfg.ReversalMonitorInterval(),
	})
	reversalMonitor.Start()
	defer reversalMonitor.Stop()

	llmClient := llm.NewHTTPClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel)
	sched := scheduler.New(st, ex, riskEngine, llmClient, scheduler.Config{
		Interval: cfg.TradingInterval(),
		Symbols:  cfg.TradingSymbols,
	})
	sched.Start()
	defer sched.Stop()

	reconciler := reconcile.New(st, ex, notifier, reconcile.Config{
		Interval: cfg.ResolveInterval(),
	})
	reconciler.Start()
	defer reconciler.Stop()

	healthAgg := health.New(st, reconciler, co)

	authMgr := auth.New(cfg.JWTSecret, 24*time.Hour)

	server := api.NewServer(st, ex, priceCache, riskEngine, sched, reconciler, healthAgg, authMgr,
		cfg.AdminPasswordHash, cfg.AdminOTPSecret, cfg.APIServerPort)
	if err := server.Start(); err != nil {
		logger.Fatalf("api: %v", err)
	}

	logger.Infof("sentrypd running, api on :%d", cfg.APIServerPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Infof("shutdown signal received, draining in-flight work")

	if err := server.Shutdown(); err != nil {
		logger.Warnf("api shutdown: %v", err)
	}
	logger.Infof("sentrypd stopped")
}

// resolveCredentials decrypts the exchange API secret if it was provisioned
// as an ENC:v1: at-rest value (e.g. rotated in by cmd/migrate); a plaintext
// env var passes through unchanged.
func resolveCredentials(cfg *config.Config) (apiKey, apiSecret string) {
	cs, err := crypto.NewCryptoService()
	if err != nil {
		logger.Warnf("crypto service unavailable, using credentials as plaintext: %v", err)
		return cfg.ExchangeAPIKey, cfg.ExchangeAPISecret
	}

	apiKey = cfg.ExchangeAPIKey
	apiSecret = cfg.ExchangeAPISecret
	if cs.IsEncryptedStorageValue(apiSecret) {
		if plain, err := cs.DecryptFromStorage(apiSecret); err != nil {
			logger.Fatalf("failed to decrypt exchange API secret: %v", err)
		} else {
			apiSecret = plain
		}
	}
	if cs.IsEncryptedStorageValue(apiKey) {
		if plain, err := cs.DecryptFromStorage(apiKey); err != nil {
			logger.Fatalf("failed to decrypt exchange API key: %v", err)
		} else {
			apiKey = plain
		}
	}
	return apiKey, apiSecret
}

func buildNotifier(cfg *config.Config) *notify.Manager {
	var backends []notify.Backend
	if cfg.SMTPHost != "" {
		backends = append(backends, &notify.SMTPBackend{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPass,
			From:     cfg.SMTPFrom,
			To:       []string{cfg.SMTPTo},
		})
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		chatID, err := parseChatID(cfg.TelegramChatID)
		if err != nil {
			logger.Warnf("invalid TELEGRAM_CHAT_ID, skipping Telegram backend: %v", err)
		} else if tg, err := notify.NewTelegramBackend(cfg.TelegramBotToken, chatID); err != nil {
			logger.Warnf("failed to initialize Telegram backend: %v", err)
		} else {
			backends = append(backends, tg)
		}
	}
	return notify.New(5*time.Minute, backends...)
}

func parseChatID(s string) (int64, error) {
	var chatID int64
	_, err := fmt.Sscanf(s, "%d", &chatID)
	return chatID, err
}
