package oracle

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/cdp-engine/internal/fixedpoint"
	"github.com/atmx/cdp-engine/internal/model"
)

// Redis reads quotes from hashes at "oracle:price:<asset>" with fields
// price, multiplier (optional, default 1) and last_update (unix seconds).
// Writing the hashes is the feeder's job.
type Redis struct {
	rdb redis.Cmdable
}

// NewRedis creates a Redis-backed oracle.
func NewRedis(rdb redis.Cmdable) *Redis {
	return &Redis{rdb: rdb}
}

func (o *Redis) Price(ctx context.Context, asset model.AssetInfo) (model.PriceQuote, error) {
	fields, err := o.rdb.HGetAll(ctx, PriceKey(asset)).Result()
	if err != nil {
		return model.PriceQuote{}, fmt.Errorf("oracle: read %s: %w", asset, err)
	}
	if len(fields) == 0 {
		return model.PriceQuote{}, fmt.Errorf("%w: %s", ErrPriceNotFound, asset)
	}
	return parseQuote(fields)
}

// Publish writes a quote in the layout Price reads. Used by feeders and
// tests.
func (o *Redis) Publish(ctx context.Context, asset model.AssetInfo, q model.PriceQuote) error {
	return o.rdb.HSet(ctx, PriceKey(asset),
		"price", q.Price.String(),
		"multiplier", q.Multiplier.String(),
		"last_update", strconv.FormatInt(q.LastUpdateTime.Unix(), 10),
	).Err()
}

// PriceKey returns the Redis key holding an asset's quote.
func PriceKey(asset model.AssetInfo) string {
	return fmt.Sprintf("oracle:price:%s", asset)
}

func parseQuote(fields map[string]string) (model.PriceQuote, error) {
	var q model.PriceQuote
	var err error

	if q.Price, err = fixedpoint.ParseDecimal(fields["price"]); err != nil {
		return q, fmt.Errorf("oracle: price: %w", err)
	}
	q.Multiplier = fixedpoint.OneDecimal()
	if m, ok := fields["multiplier"]; ok && m != "" {
		if q.Multiplier, err = fixedpoint.ParseDecimal(m); err != nil {
			return q, fmt.Errorf("oracle: multiplier: %w", err)
		}
	}
	ts, err := strconv.ParseInt(fields["last_update"], 10, 64)
	if err != nil {
		return q, fmt.Errorf("oracle: last_update: %w", err)
	}
	q.LastUpdateTime = time.Unix(ts, 0).UTC()
	return q, nil
}
