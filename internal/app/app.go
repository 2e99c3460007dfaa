// Package app wires configuration into the vault, the classifier stack and
// the scan orchestrator. Both binaries build on it.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/YKarmar/JobFunnel/internal/aggregator"
	"github.com/YKarmar/JobFunnel/internal/analyzer"
	"github.com/YKarmar/JobFunnel/internal/circuitbreaker"
	"github.com/YKarmar/JobFunnel/internal/client"
	"github.com/YKarmar/JobFunnel/internal/config"
	"github.com/YKarmar/JobFunnel/internal/exporter"
	"github.com/YKarmar/JobFunnel/internal/scan"
	"github.com/YKarmar/JobFunnel/internal/types"
	"github.com/YKarmar/JobFunnel/internal/vault"
)

// App holds the long-lived components built from one Config.
type App struct {
	Config  *config.Config
	Logger  *zap.Logger
	Redis   *redis.Client
	Vault   *vault.Manager
	Scanner *scan.Orchestrator
}

// New connects to Redis when configured and builds every component.
// A configured but unreachable Redis is an error only for the session store;
// the scan lock falls back to a local lock on its own.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: log}

	if cfg.Redis.Addr != "" {
		a.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := a.Redis.Ping(pctx).Err()
		cancel()
		if err != nil {
			if cfg.Session.Store == "redis" {
				a.Redis.Close()
				return nil, fmt.Errorf("connect redis: %w", err)
			}
			log.Warn("Redis unreachable, continuing without it", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		} else {
			log.Info("Redis connected", zap.String("addr", cfg.Redis.Addr))
		}
	}

	store, err := vault.OpenStore(cfg.Session.Store, a.Redis, cfg.Session.TTL)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open session store: %w", err)
	}
	a.Vault, err = vault.NewManager(vault.Options{
		Credentials:   cfg.Credentials,
		Store:         store,
		SessionSecret: cfg.Session.Secret,
		EncryptionKey: cfg.Session.EncryptionKey,
		SessionTTL:    cfg.Session.TTL,
		RefreshMargin: cfg.Session.RefreshMargin,
		Logger:        log.Named("vault"),
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	var cache *exporter.ArtifactCache
	if cfg.Cache.Dir != "" {
		cache = exporter.NewArtifactCache(cfg.Cache.Dir, cfg.Cache.TTL, cfg.Cache.MaxEntries, log.Named("cache"))
	}

	var locker scan.Locker = scan.NewMemoryLocker()
	if a.Redis != nil {
		locker = scan.NewRedisLocker(a.Redis, cfg.Scan.Timeout+time.Minute, log.Named("lock"))
	}

	a.Scanner, err = scan.New(scan.Options{
		Sessions:      a.Vault,
		Mailboxes:     MailboxFactory(cfg, log.Named("mailbox")),
		Classifier:    NewClassifier(cfg, log.Named("classifier")),
		Aggregator:    aggregator.New(cfg.CompanyAliases),
		Cache:         cache,
		Locker:        locker,
		Workers:       cfg.Scan.Workers,
		RatePerSecond: cfg.Scan.RatePerSecond,
		Timeout:       cfg.Scan.Timeout,
		Logger:        log.Named("scan"),
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// MailboxFactory opens provider mailboxes with the configured retry policy.
func MailboxFactory(cfg *config.Config, log *zap.Logger) scan.MailboxFactory {
	opts := client.Options{
		MaxAttempts: cfg.Scan.MaxAttempts,
		BackoffBase: cfg.Scan.BackoffBase,
		StrictQuery: cfg.Scan.GmailQueryMode == "strict",
		Logger:      log,
	}
	return func(p types.Provider, tokens client.TokenSource) (client.Mailbox, error) {
		return client.NewMailbox(p, tokens, opts)
	}
}

// NewClassifier returns the tiered classifier. Without an LLM key it runs
// on rules alone.
func NewClassifier(cfg *config.Config, log *zap.Logger) analyzer.Classifier {
	var primary analyzer.Primary
	if cfg.LLMEnabled() {
		primary = analyzer.NewLLMClassifier(analyzer.LLMConfig{
			APIBase:     cfg.LLM.APIBase,
			APIKey:      cfg.LLM.APIKey,
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
			Timeout:     cfg.LLM.Timeout,
		}, log)
	} else {
		log.Info("LLM disabled, classifying with rules only")
	}
	return analyzer.NewTiered(primary, analyzer.TieredOptions{
		MinConfidence: cfg.LLM.MinConfidence,
		Breaker:       circuitbreaker.New(circuitbreaker.DefaultConfig()),
		Limiter:       rate.NewLimiter(rate.Limit(cfg.Scan.RatePerSecond), max(cfg.Scan.Workers, 1)),
		Logger:        log,
	})
}

func (a *App) Close() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Warn("close redis", zap.Error(err))
		}
	}
}
