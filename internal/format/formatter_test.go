package format_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/orderfox/marketfeed/internal/format"
)

func f(v float64) *float64 { return &v }

func TestFormatPrice(t *testing.T) {
	assert.Equal(t, "0.00", format.FormatPrice(nil, nil))
	assert.Equal(t, "0.00", format.FormatPrice(f(0), nil))
	assert.Equal(t, "1.23e-06", format.FormatPrice(f(0.00000123), nil))
	assert.Equal(t, "100.25", format.FormatPrice(f(100.25), &format.SymbolPrecision{PricePrecision: 2}))
	assert.Equal(t, "100.2500", format.FormatPrice(f(100.25), &format.SymbolPrecision{PricePrecision: 4}))
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "0.00", format.FormatAmount(nil, nil))
	assert.Equal(t, "1.50M", format.FormatAmount(f(1500000), nil))
	assert.Equal(t, "2.50K", format.FormatAmount(f(2500), nil))
	assert.Equal(t, "1.23e-06", format.FormatAmount(f(0.00000123), nil))
	assert.Equal(t, "3.12345678", format.FormatAmount(f(3.12345678), &format.SymbolPrecision{AmountPrecision: 8}))
	assert.Equal(t, "3.00", format.FormatAmount(f(3), nil))
}

func TestFormatTotal(t *testing.T) {
	assert.Equal(t, "0.00", format.FormatTotal(nil, nil))
	assert.Equal(t, "1.50M", format.FormatTotal(f(1500000), nil))
	assert.Equal(t, "0.0050", format.FormatTotal(f(0.005), nil))
	assert.Equal(t, "12.35", format.FormatTotal(f(12.3456), nil))
}

func TestCache_HitAndExpire(t *testing.T) {
	c := format.NewCache(true, 20*time.Millisecond, 100)
	fm := format.New(c)

	v := 123.456
	first := fm.Price(&v, nil)
	second := fm.Price(&v, nil)
	assert.Equal(t, first, second)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)

	time.Sleep(30 * time.Millisecond)
	fm.Price(&v, nil)
	stats = c.Stats()
	assert.Equal(t, int64(2), stats.Misses)
}

func TestCache_DisabledIsAlwaysMiss(t *testing.T) {
	c := format.NewCache(false, time.Minute, 100)
	v := 1.0
	_, ok := c.Get(format.MethodPrice, nil, v)
	assert.False(t, ok)
	c.Set(format.MethodPrice, nil, v, "1.00")
	_, ok = c.Get(format.MethodPrice, nil, v)
	assert.False(t, ok)
}

func TestCache_OverflowDropsOldest20Percent(t *testing.T) {
	c := format.NewCache(true, time.Hour, 10)
	for i := 0; i < 10; i++ {
		c.Set(format.MethodAmount, nil, float64(i), "x")
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, 10, c.Stats().Size)

	c.Set(format.MethodAmount, nil, float64(99), "x")
	assert.LessOrEqual(t, c.Stats().Size, 10)
}
