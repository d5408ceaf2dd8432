package core

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Options describes a complete ledger setup. Zero values give in-memory
// storage, a KV-backed user directory and the default windows.
type Options struct {
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string
	DB             *sqlx.DB

	Logger   *zap.Logger
	Metrics  *Metrics
	Notifier Notifier
	Now      func() time.Time
	Keys     Keys

	SessionTTL       time.Duration
	ResetTTL         time.Duration
	ResetMaxAttempts int
	ResetKeyMode     KeyMode
	ResetStaticKey   string
	ResetLinkBase    string
	HMACSecret       string
	RateLimit        int
	RateWindow       time.Duration
	BcryptCost       int
}

// Ledgers bundles both ledgers over one store.
type Ledgers struct {
	Store  Store
	Users  UserDirectory
	Tokens *TokenManager
	Resets *ResetManager

	redis     *redis.Client
	keyPrefix string
	db        *sqlx.DB
}

func NewLedgers() (*Ledgers, error) {
	return NewLedgersWithOptions(Options{})
}

func NewLedgersWithOptions(opts Options) (*Ledgers, error) {
	var (
		store       Store
		rateLimiter RateLimiter
		client      *redis.Client
	)

	if opts.RedisAddr != "" {
		client = redis.NewClient(&redis.Options{
			Addr:     opts.RedisAddr,
			Password: opts.RedisPassword,
			DB:       opts.RedisDB,
		})
		store = NewRedisStore(client, opts.RedisKeyPrefix)
		if opts.RateLimit > 0 {
			rateLimiter = NewRedisRateLimiter(client, opts.RedisKeyPrefix+"reset-rate:")
		}
	} else {
		store = NewMemoryStore()
		if opts.RateLimit > 0 {
			rateLimiter = NewMemoryRateLimiter()
		}
	}

	keys := opts.Keys.withDefaults()

	var users UserDirectory
	if opts.DB != nil {
		users = NewPostgresUserDirectory(opts.DB)
	} else {
		users = NewKVUserDirectory(store, keys.Users)
	}

	rateWindow := opts.RateWindow
	if rateWindow == 0 && opts.RateLimit > 0 {
		rateWindow = 1 * time.Hour
	}

	secret := opts.HMACSecret
	if secret == "" {
		generated, err := randomKey(32)
		if err != nil {
			return nil, fmt.Errorf("generate hmac secret: %w", err)
		}
		secret = generated
	}

	tokens, err := NewTokenManager(TokenConfig{
		Store:   store,
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
		Now:     opts.Now,
		TTL:     opts.SessionTTL,
		Keys:    keys,
	})
	if err != nil {
		return nil, err
	}

	resets, err := NewResetManager(ResetConfig{
		Store:       store,
		Users:       users,
		Tokens:      tokens,
		Signer:      NewSigner(secret),
		Notifier:    opts.Notifier,
		RateLimiter: rateLimiter,
		RateLimit:   opts.RateLimit,
		RateWindow:  rateWindow,
		Now:         opts.Now,
		TTL:         opts.ResetTTL,
		MaxAttempts: opts.ResetMaxAttempts,
		KeyMode:     opts.ResetKeyMode,
		StaticKey:   opts.ResetStaticKey,
		LinkBase:    opts.ResetLinkBase,
		BcryptCost:  opts.BcryptCost,
		Logger:      opts.Logger,
		Metrics:     opts.Metrics,
		Keys:        keys,
	})
	if err != nil {
		return nil, err
	}

	return &Ledgers{
		Store:  store,
		Users:  users,
		Tokens: tokens,
		Resets: resets,
		redis:     client,
		keyPrefix: opts.RedisKeyPrefix,
		db:        opts.DB,
	}, nil
}

// RateLimiter returns a limiter sharing the ledgers' Redis connection under
// the given key namespace, or an in-process one when Redis is not configured.
func (l *Ledgers) RateLimiter(namespace string) RateLimiter {
	if l.redis == nil {
		return NewMemoryRateLimiter()
	}
	return NewRedisRateLimiter(l.redis, l.keyPrefix+namespace)
}

// Ping checks the backing Redis and Postgres connections that are configured.
func (l *Ledgers) Ping(ctx context.Context) error {
	if l.redis != nil {
		if err := l.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
	}
	if l.db != nil {
		if err := l.db.PingContext(ctx); err != nil {
			return fmt.Errorf("postgres ping: %w", err)
		}
	}
	return nil
}

// Close releases the Redis connection, if any.
func (l *Ledgers) Close() error {
	if l.redis == nil {
		return nil
	}
	return l.redis.Close()
}
