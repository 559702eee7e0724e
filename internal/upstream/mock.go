package upstream

import (
	"context"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/orderfox/marketfeed/internal/obtypes"
)

// newMockOrderBookSource is the synthetic generator fallback used when
// neither a depth-cache nor a push-subscription source is reachable for
// symbol (spec §4.9 orderbook source (c)). It emits a plausible,
// slowly-drifting book so downstream aggregation/formatting keeps
// exercising its full path even with no live upstream, rather than a
// stream that simply stalls.
func newMockOrderBookSource(ctx context.Context, symbol string) <-chan OrderBookUpdate {
	out := make(chan OrderBookUpdate, 1)
	go func() {
		defer close(out)
		mid := decimal.NewFromFloat(100)
		tick := time.NewTicker(500 * time.Millisecond)
		defer tick.Stop()
		seq := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				seq++
				drift := decimal.NewFromFloat(math.Sin(float64(seq)) * 0.05)
				mid = mid.Add(drift)
				snap := syntheticSnapshot(symbol, mid)
				select {
				case out <- OrderBookUpdate{Snapshot: &snap, TimestampMs: time.Now().UnixMilli()}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func syntheticSnapshot(symbol string, mid decimal.Decimal) obtypes.Snapshot {
	step := decimal.NewFromFloat(0.1)
	bids := make([]obtypes.Level, 0, 10)
	asks := make([]obtypes.Level, 0, 10)
	for i := 1; i <= 10; i++ {
		offset := step.Mul(decimal.NewFromInt(int64(i)))
		bids = append(bids, obtypes.Level{Price: mid.Sub(offset), Amount: decimal.NewFromFloat(1).Div(decimal.NewFromInt(int64(i)))})
		asks = append(asks, obtypes.Level{Price: mid.Add(offset), Amount: decimal.NewFromFloat(1).Div(decimal.NewFromInt(int64(i)))})
	}
	return obtypes.Snapshot{
		Symbol: symbol,
		Bids:   bids,
		Asks:   asks,
	}
}
