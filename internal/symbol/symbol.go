// Package symbol implements the Symbol Service (spec §4.13, §6):
// resolving a client-supplied symbol id to its canonical exchange
// metadata, and suggesting corrections for an id that doesn't resolve.
// Grounded on original_source's symbol_service.py — its bidirectional
// id/exchange-format cache, fallback table, and exact/partial/pattern
// three-pass suggestion algorithm — re-expressed with an explicit
// resty-backed refresh instead of the Python singleton's lazy
// _initialize_cache.
package symbol

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/orderfox/marketfeed/internal/obtypes"
)

// fallbackSymbols seeds the cache before the first successful refresh,
// and is also a fallback for a misconfigured or unreachable market-info
// endpoint (spec's "demo mode" note).
var fallbackSymbols = map[string]string{
	"BTCUSDT":  "BTC/USDT",
	"ETHUSDT":  "ETH/USDT",
	"ADAUSDT":  "ADA/USDT",
	"SOLUSDT":  "SOL/USDT",
	"DOTUSDT":  "DOT/USDT",
	"LINKUSDT": "LINK/USDT",
	"LTCUSDT":  "LTC/USDT",
	"XRPUSDT":  "XRP/USDT",
	"BCHUSDT":  "BCH/USDT",
	"AVAXUSDT": "AVAX/USDT",
	"MATICUSDT": "MATIC/USDT",
	"ATOMUSDT": "ATOM/USDT",
	"NEARUSDT": "NEAR/USDT",
	"ETHBTC":   "ETH/BTC",
	"ADABTC":   "ADA/BTC",
	"SOLBTC":   "SOL/BTC",
}

type marketInfo struct {
	PricePrecision  int32
	AmountPrecision int32
}

// Service resolves symbol ids, offers suggestions for typos, and
// returns the precision/rounding metadata the Aggregator and Formatter
// need.
type Service struct {
	client   *resty.Client
	infoURL  string

	mu            sync.RWMutex
	idToExchange  map[string]string
	exchangeToID  map[string]string
	marketInfo    map[string]marketInfo
	refreshedAt   time.Time
}

// New builds a Service seeded with the fallback table; Refresh pulls
// live market metadata from infoURL when one is configured.
func New(infoURL string) *Service {
	s := &Service{
		client:       resty.New().SetTimeout(15 * time.Second),
		infoURL:      infoURL,
		idToExchange: make(map[string]string),
		exchangeToID: make(map[string]string),
		marketInfo:   make(map[string]marketInfo),
	}
	s.seedFallback()
	return s
}

func (s *Service) seedFallback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, exch := range fallbackSymbols {
		s.idToExchange[id] = exch
		s.exchangeToID[exch] = id
	}
}

type marketsResponse struct {
	Markets map[string]struct {
		ID        string `json:"id"`
		Precision struct {
			Price  int32 `json:"price"`
			Amount int32 `json:"amount"`
		} `json:"precision"`
	} `json:"markets"`
}

// Refresh pulls market metadata from the configured info endpoint,
// rebuilding the bidirectional cache (spec §4.13 "refresh_cache").
// Leaves the existing cache untouched on any failure, same as the
// original falling back to its seed table rather than going empty.
func (s *Service) Refresh(ctx context.Context) error {
	if s.infoURL == "" {
		return nil
	}
	var resp marketsResponse
	r, err := s.client.R().SetContext(ctx).SetResult(&resp).Get(s.infoURL + "/markets")
	if err != nil {
		return err
	}
	if r.IsError() {
		return fmt.Errorf("market info request failed: %s", r.Status())
	}

	idToExchange := make(map[string]string, len(resp.Markets))
	exchangeToID := make(map[string]string, len(resp.Markets))
	info := make(map[string]marketInfo, len(resp.Markets))
	for exchangeSymbol, m := range resp.Markets {
		if m.ID == "" {
			continue
		}
		idToExchange[m.ID] = exchangeSymbol
		exchangeToID[exchangeSymbol] = m.ID
		info[m.ID] = marketInfo{PricePrecision: m.Precision.Price, AmountPrecision: m.Precision.Amount}
	}

	s.mu.Lock()
	s.idToExchange = idToExchange
	s.exchangeToID = exchangeToID
	s.marketInfo = info
	s.refreshedAt = time.Now()
	s.mu.Unlock()
	return nil
}

// Resolve converts a client-supplied symbol (either ID or exchange
// format) to its canonical ID, per resolve_symbol_to_exchange_format's
// "already in cache either direction" logic.
func (s *Service) Resolve(symbolID string) (canonical string, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, exists := s.idToExchange[symbolID]; exists {
		return symbolID, true
	}
	if id, exists := s.exchangeToID[symbolID]; exists {
		return id, true
	}
	return "", false
}

// Info returns the precision/rounding metadata for a resolved symbol.
func (s *Service) Info(symbolID string) (obtypes.SymbolMeta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.marketInfo[symbolID]
	if !ok {
		return obtypes.SymbolMeta{}, false
	}
	exchangeSymbol := s.idToExchange[symbolID]
	base, quote := splitExchangeSymbol(exchangeSymbol)
	options, defaultRounding := roundingOptions(info.PricePrecision, nil)
	return obtypes.SymbolMeta{
		Base:            base,
		Quote:           quote,
		PricePrecision:  info.PricePrecision,
		AmountPrecision: info.AmountPrecision,
		RoundingOptions: options,
		DefaultRounding: defaultRounding,
	}, true
}

func splitExchangeSymbol(exchangeSymbol string) (base, quote string) {
	parts := strings.SplitN(exchangeSymbol, "/", 2)
	if len(parts) != 2 {
		return exchangeSymbol, ""
	}
	return parts[0], parts[1]
}

// roundingOptions generates power-of-ten rounding choices derived from
// pricePrecision, capped at 1/10th of currentPrice when known, and picks
// the third option (or the last available) as default (spec §4.13
// "calculate_rounding_options").
func roundingOptions(pricePrecision int32, currentPrice *float64) ([]float64, float64) {
	if pricePrecision <= 0 {
		return nil, 0.01
	}
	maxRounding := decimal.NewFromFloat(1000)
	if currentPrice != nil && *currentPrice > 0 {
		maxRounding = decimal.NewFromFloat(*currentPrice).Div(decimal.NewFromInt(10))
	}

	base := decimal.New(1, -pricePrecision)
	var options []float64
	for i := 0; i < 7; i++ {
		candidate := base.Mul(decimal.New(1, int32(i)))
		if candidate.GreaterThan(maxRounding) {
			break
		}
		f, _ := candidate.Float64()
		options = append(options, f)
	}
	if len(options) == 0 {
		return nil, 0.01
	}

	defaultRounding := options[len(options)-1]
	if len(options) >= 3 {
		defaultRounding = options[2]
	} else if len(options) >= 2 {
		defaultRounding = options[1]
	}
	return options, defaultRounding
}

var quotePattern = regexp.MustCompile(`(USDT|BUSD|BTC|ETH)$`)

// Suggestions implements get_symbol_suggestions's three-pass algorithm:
// exact case-insensitive match, substring/prefix match, then same-quote
// pattern match, each pass only filling remaining slots.
func (s *Service) Suggestions(invalidSymbol string, max int) []string {
	if max <= 0 {
		max = 5
	}
	s.mu.RLock()
	available := make([]string, 0, len(s.idToExchange))
	for id := range s.idToExchange {
		available = append(available, id)
	}
	s.mu.RUnlock()

	if len(available) == 0 {
		available = []string{"BTCUSDT", "ETHUSDT", "ADAUSDT"}
	}

	invalidUpper := strings.ToUpper(invalidSymbol)
	var suggestions []string
	seen := make(map[string]bool)

	add := func(id string) bool {
		if seen[id] {
			return false
		}
		seen[id] = true
		suggestions = append(suggestions, id)
		return len(suggestions) >= max
	}

	for _, id := range available {
		if strings.ToUpper(id) == invalidUpper {
			if add(id) {
				return suggestions
			}
		}
	}

	for _, id := range available {
		upper := strings.ToUpper(id)
		if strings.Contains(upper, invalidUpper) || strings.HasPrefix(upper, invalidUpper) {
			if add(id) {
				return suggestions
			}
		}
	}

	if match := quotePattern.FindString(invalidUpper); match != "" {
		for _, id := range available {
			if strings.HasSuffix(strings.ToUpper(id), match) {
				if add(id) {
					return suggestions
				}
			}
		}
	}

	if len(suggestions) > max {
		suggestions = suggestions[:max]
	}
	return suggestions
}
