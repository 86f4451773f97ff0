package bank

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/craftlink/backend/internal/gateway"
	"github.com/craftlink/backend/internal/models"
)

// directoryCache is the slice of redis.Client the directory uses.
type directoryCache interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// listSource fetches the live directory when the cache cannot answer.
type listSource interface {
	ListBanks(ctx context.Context, country string) ([]models.Bank, error)
}

// Directory serves the gateway's bank list through a Redis cache. The list
// changes rarely and backs both the public endpoint and bank-code validation
// on the payout path, so one TTL'd copy per country keeps reconciliation and
// payouts off the gateway's rate limits. A nil cache degrades to direct
// gateway reads.
type Directory struct {
	gw     listSource
	cache  directoryCache
	ttl    time.Duration
	logger *slog.Logger
}

func NewDirectory(gw listSource, rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Directory{gw: gw, ttl: ttl, logger: logger}
	if rdb != nil {
		d.cache = rdb
	}
	return d
}

func bankListKey(country string) string {
	return "craftlink:banks:" + country
}

// ListBanks returns the bank directory for a country, cached copy first.
// Cache failures are logged and treated as misses.
func (d *Directory) ListBanks(ctx context.Context, country string) ([]models.Bank, error) {
	if d.cache != nil {
		raw, err := d.cache.Get(ctx, bankListKey(country)).Result()
		if err == nil {
			var banks []models.Bank
			if err := json.Unmarshal([]byte(raw), &banks); err == nil {
				return banks, nil
			}
			d.logger.Warn("discarding corrupt bank directory cache entry", "country", country)
		} else if err != redis.Nil {
			d.logger.Warn("bank directory cache read failed", "country", country, "error", err)
		}
	}

	banks, err := d.gw.ListBanks(ctx, country)
	if err != nil {
		return nil, err
	}

	if d.cache != nil {
		if data, err := json.Marshal(banks); err == nil {
			if err := d.cache.Set(ctx, bankListKey(country), string(data), d.ttl).Err(); err != nil {
				d.logger.Warn("bank directory cache write failed", "country", country, "error", err)
			}
		}
	}
	return banks, nil
}

// ValidateBankCode resolves a code against the cached directory. false with a
// nil error is a definitive "no such bank"; a directory fetch failure is
// returned as-is so callers keep ambiguity separate from rejection.
func (d *Directory) ValidateBankCode(ctx context.Context, bankCode, country string) (bool, error) {
	banks, err := d.ListBanks(ctx, country)
	if err != nil {
		return false, err
	}
	for _, b := range banks {
		if b.Code == bankCode {
			return true, nil
		}
	}
	return false, nil
}

// CachingClient is a gateway.Client whose directory reads go through the
// cache. Everything else passes through to the wrapped client, so the payout
// and reconciliation paths can take a single dependency and still get cached
// bank-code validation.
type CachingClient struct {
	gateway.Client
	dir *Directory
}

var _ gateway.Client = (*CachingClient)(nil)

func NewCachingClient(gw gateway.Client, dir *Directory) *CachingClient {
	return &CachingClient{Client: gw, dir: dir}
}

func (c *CachingClient) ListBanks(ctx context.Context, country string) ([]models.Bank, error) {
	return c.dir.ListBanks(ctx, country)
}

func (c *CachingClient) ValidateBankCode(ctx context.Context, bankCode, country string) (bool, error) {
	return c.dir.ValidateBankCode(ctx, bankCode, country)
}
