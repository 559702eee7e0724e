package liquidation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/orderfox/marketfeed/internal/obtypes"
)

// BinanceSource is the direct-WebSocket EventSource for forceOrder
// streams (spec §4.10; original_source's LiquidationService exists
// specifically because CCXT-style libraries don't expose this stream).
type BinanceSource struct {
	wsBaseURL string
	dialer    *websocket.Dialer
}

func NewBinanceSource(wsBaseURL string) *BinanceSource {
	return &BinanceSource{
		wsBaseURL: wsBaseURL,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

type forceOrderMessage struct {
	Event string `json:"e"`
	Time  int64  `json:"E"`
	Order struct {
		Symbol   string `json:"s"`
		Side     string `json:"S"`
		Quantity string `json:"z"`
		AvgPrice string `json:"ap"`
	} `json:"o"`
}

func (b *BinanceSource) Stream(ctx context.Context, symbol string) (<-chan obtypes.LiquidationEvent, error) {
	url := fmt.Sprintf("%s/ws/%s@forceOrder", b.wsBaseURL, strings.ToLower(symbol))
	conn, _, err := b.dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial forceOrder stream: %w", err)
	}

	out := make(chan obtypes.LiquidationEvent, 32)
	go func() {
		defer close(out)
		defer conn.Close()
		go func() {
			<-ctx.Done()
			conn.Close()
		}()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg forceOrderMessage
			if err := json.Unmarshal(raw, &msg); err != nil {
				continue
			}
			if msg.Event != "forceOrder" {
				continue
			}
			qty, _ := decimal.NewFromString(msg.Order.Quantity)
			price, _ := decimal.NewFromString(msg.Order.AvgPrice)
			side := obtypes.SideSell
			if msg.Order.Side == "BUY" {
				side = obtypes.SideBuy
			}
			evt := NewEvent(symbol, side, qty, price, msg.Time, "", nil, nil)
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// HistoryClient fetches historical liquidation volume rollups from the
// configured backfill API (spec §4.10 "historical backfill via resty"),
// grounded on fetch_historical_liquidations_by_timeframe's 120s
// timeout/limit-1000/60s cache shape.
type HistoryClient struct {
	client  *resty.Client
	baseURL string

	mu    sync.Mutex
	cache map[string]historyCacheEntry
	ttl   time.Duration
}

type historyCacheEntry struct {
	buckets  []obtypes.LiquidationVolumeBucket
	storedAt time.Time
}

func NewHistoryClient(baseURL string) *HistoryClient {
	client := resty.New().SetTimeout(120 * time.Second)
	return &HistoryClient{
		client:  client,
		baseURL: baseURL,
		cache:   make(map[string]historyCacheEntry),
		ttl:     60 * time.Second,
	}
}

type rawLiquidationRow struct {
	OrderTradeTime             int64  `json:"order_trade_time"`
	OrderFilledAccumulatedQty  string `json:"order_filled_accumulated_quantity"`
	AveragePrice               string `json:"average_price"`
	Side                       string `json:"side"`
}

// FetchByTimeframe mirrors fetch_historical_liquidations_by_timeframe:
// cache check, limit-1000 GET, then bucket aggregation.
func (h *HistoryClient) FetchByTimeframe(ctx context.Context, symbol, timeframe string, startMs, endMs int64) ([]obtypes.LiquidationVolumeBucket, error) {
	if h.baseURL == "" {
		return nil, nil
	}
	tfMs, ok := timeframeMs[timeframe]
	if !ok {
		return nil, fmt.Errorf("unsupported timeframe %q", timeframe)
	}

	key := fmt.Sprintf("%s:%s:%d:%d", symbol, timeframe, startMs, endMs)
	h.mu.Lock()
	if entry, found := h.cache[key]; found && time.Since(entry.storedAt) < h.ttl {
		h.mu.Unlock()
		return entry.buckets, nil
	}
	h.mu.Unlock()

	req := h.client.R().
		SetContext(ctx).
		SetQueryParam("symbol", strings.ToUpper(symbol)).
		SetQueryParam("timeframe", timeframe).
		SetQueryParam("limit", "1000")
	if startMs > 0 {
		req.SetQueryParam("start_timestamp", strconv.FormatInt(startMs, 10))
	}
	if endMs > 0 {
		req.SetQueryParam("end_timestamp", strconv.FormatInt(endMs, 10))
	}

	var rows []rawLiquidationRow
	resp, err := req.SetResult(&rows).Get(h.baseURL + "/liquidations")
	if err != nil {
		return nil, fmt.Errorf("fetch liquidation history: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("liquidation history API returned %d", resp.StatusCode())
	}

	buckets := aggregateRows(rows, tfMs)

	h.mu.Lock()
	h.cache[key] = historyCacheEntry{buckets: buckets, storedAt: time.Now()}
	h.mu.Unlock()

	return buckets, nil
}

func aggregateRows(rows []rawLiquidationRow, tfMs int64) []obtypes.LiquidationVolumeBucket {
	byBucket := make(map[int64]*obtypes.LiquidationVolumeBucket)
	for _, row := range rows {
		if row.OrderTradeTime == 0 {
			continue
		}
		bucketStart := (row.OrderTradeTime / tfMs) * tfMs
		qty, _ := decimal.NewFromString(row.OrderFilledAccumulatedQty)
		price, _ := decimal.NewFromString(row.AveragePrice)
		value := qty.Mul(price)

		b, ok := byBucket[bucketStart]
		if !ok {
			b = &obtypes.LiquidationVolumeBucket{BucketStartMs: bucketStart}
			byBucket[bucketStart] = b
		}
		if strings.ToUpper(row.Side) == "BUY" {
			b.BuyValue = b.BuyValue.Add(value)
		} else {
			b.SellValue = b.SellValue.Add(value)
		}
		b.Count++
	}

	result := make([]obtypes.LiquidationVolumeBucket, 0, len(byBucket))
	for _, b := range byBucket {
		result = append(result, *b)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].BucketStartMs < result[j].BucketStartMs })
	return result
}
