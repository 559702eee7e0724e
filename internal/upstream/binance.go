package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/orderfox/marketfeed/internal/obtypes"
)

// BinanceDriver is the push-subscription Driver implementation (spec
// §4.9 orderbook source (b)): it dials the exchange's single-stream
// WebSocket endpoints (/ws/<symbol>@<stream>) directly, the way the teacher's
// internal/exchanges/binance/websocket.go createConnection/
// processConnection pair does, but normalized onto this package's
// Driver interface instead of exchanges/common's ticker/orderbook/trade
// channel trio.
type BinanceDriver struct {
	wsBaseURL  string
	restBaseURL string
	dialer     *websocket.Dialer
}

func NewBinanceDriver(wsBaseURL, restBaseURL string) *BinanceDriver {
	return &BinanceDriver{
		wsBaseURL:   wsBaseURL,
		restBaseURL: restBaseURL,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

type depthMessage struct {
	EventTime int64      `json:"E"`
	Bids      [][]string `json:"b"`
	Asks      [][]string `json:"a"`
}

func (d *BinanceDriver) WatchOrderBook(ctx context.Context, symbol string) (<-chan OrderBookUpdate, error) {
	url := fmt.Sprintf("%s/ws/%s@depth@100ms", d.wsBaseURL, strings.ToLower(symbol))
	conn, _, err := d.dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial depth stream: %w", err)
	}
	out := make(chan OrderBookUpdate, 32)
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
			var msg depthMessage
			if err := json.Unmarshal(raw, &msg); err != nil {
				continue
			}
			upd := OrderBookUpdate{
				DeltaBids:   parseLevels(msg.Bids),
				DeltaAsks:   parseLevels(msg.Asks),
				TimestampMs: msg.EventTime,
			}
			select {
			case out <- upd:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

type tickerMessage struct {
	Symbol      string `json:"s"`
	LastPrice   string `json:"c"`
	BidPrice    string `json:"b"`
	AskPrice    string `json:"a"`
	High        string `json:"h"`
	Low         string `json:"l"`
	Open        string `json:"o"`
	Change      string `json:"p"`
	Percentage  string `json:"P"`
	Volume      string `json:"v"`
	QuoteVolume string `json:"q"`
	EventTime   int64  `json:"E"`
}

func (d *BinanceDriver) WatchTicker(ctx context.Context, symbol string) (<-chan TickerUpdate, error) {
	url := fmt.Sprintf("%s/ws/%s@ticker", d.wsBaseURL, strings.ToLower(symbol))
	conn, _, err := d.dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial ticker stream: %w", err)
	}
	out := make(chan TickerUpdate, 8)
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
			var msg tickerMessage
			if err := json.Unmarshal(raw, &msg); err != nil {
				continue
			}
			tick := TickerUpdate{
				Symbol:      msg.Symbol,
				Last:        parseFloat(msg.LastPrice),
				Bid:         parseFloat(msg.BidPrice),
				Ask:         parseFloat(msg.AskPrice),
				High:        parseFloat(msg.High),
				Low:         parseFloat(msg.Low),
				Open:        parseFloat(msg.Open),
				Close:       parseFloat(msg.LastPrice),
				Change:      parseFloat(msg.Change),
				Percentage:  parseFloat(msg.Percentage),
				Volume:      parseFloat(msg.Volume),
				QuoteVolume: parseFloat(msg.QuoteVolume),
				TimestampMs: msg.EventTime,
			}
			select {
			case out <- tick:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

type klineMessage struct {
	EventTime int64 `json:"E"`
	Kline     struct {
		StartTime int64  `json:"t"`
		Open      string `json:"o"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Close     string `json:"c"`
		Volume    string `json:"v"`
	} `json:"k"`
}

func (d *BinanceDriver) WatchOHLCV(ctx context.Context, symbol, timeframe string) (<-chan CandleUpdate, error) {
	url := fmt.Sprintf("%s/ws/%s@kline_%s", d.wsBaseURL, strings.ToLower(symbol), timeframe)
	conn, _, err := d.dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial kline stream: %w", err)
	}
	out := make(chan CandleUpdate, 8)
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
			var msg klineMessage
			if err := json.Unmarshal(raw, &msg); err != nil {
				continue
			}
			candle := CandleUpdate{
				Symbol:      symbol,
				Timeframe:   timeframe,
				TimestampMs: msg.Kline.StartTime,
				Open:        parseFloat(msg.Kline.Open),
				High:        parseFloat(msg.Kline.High),
				Low:         parseFloat(msg.Kline.Low),
				Close:       parseFloat(msg.Kline.Close),
				Volume:      parseFloat(msg.Kline.Volume),
			}
			// Each kline message yields one candle. When the channel
			// buffer (8 candles) is full, the oldest buffered candle is
			// dropped to make room for this one.
			select {
			case out <- candle:
			default:
				select {
				case <-out:
				default:
				}
				out <- candle
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	return out, nil
}

func (d *BinanceDriver) ForcedOrderStream(ctx context.Context, symbol string) (<-chan ForcedOrderEvent, error) {
	url := fmt.Sprintf("%s/ws/%s@forceOrder", d.wsBaseURL, strings.ToLower(symbol))
	conn, _, err := d.dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial forceOrder stream: %w", err)
	}
	out := make(chan ForcedOrderEvent, 16)
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
			var evt ForcedOrderEvent
			if err := json.Unmarshal(raw, &evt); err != nil {
				continue
			}
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (d *BinanceDriver) FetchStatus(ctx context.Context) error {
	conn, _, err := d.dialer.DialContext(ctx, d.wsBaseURL+"/ws/!bookTicker", nil)
	if err != nil {
		return fmt.Errorf("probe websocket endpoint: %w", err)
	}
	conn.Close()
	return nil
}

func (d *BinanceDriver) FetchOrderBook(ctx context.Context, symbol string, limit int) (obtypes.Snapshot, error) {
	return obtypes.Snapshot{Symbol: symbol}, fmt.Errorf("FetchOrderBook: REST depth snapshot not wired in this driver, use WatchOrderBook")
}

func parseLevels(raw [][]string) []obtypes.Level {
	levels := make([]obtypes.Level, 0, len(raw))
	for _, row := range raw {
		if len(row) != 2 {
			continue
		}
		price, err := decimal.NewFromString(row[0])
		if err != nil {
			continue
		}
		amount, err := decimal.NewFromString(row[1])
		if err != nil {
			continue
		}
		levels = append(levels, obtypes.Level{Price: price, Amount: amount})
	}
	return levels
}

func parseFloat(s string) float64 {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	f, _ := d.Float64()
	return f
}
