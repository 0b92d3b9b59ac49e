// Package candles implements the exchange-facing CandleFetcher: a REST
// kline client with rate limiting, bounded retries, and a TTL cache.
// Only the single read-only kline query the decision pipeline needs is
// implemented — there is deliberately no order or account surface here.
package candles

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/avrilquant/regime-core/internal/observ"
	"github.com/avrilquant/regime-core/internal/ports"
)

// Config tunes the exchange client. Zero values get conservative
// defaults in NewExchangeFetcher.
type Config struct {
	BaseURL            string
	Category           string
	RateLimitPerMinute int
	TimeoutSeconds     int
	MaxRetries         int
	BackoffBaseMs      int
	CacheTTLSeconds    int
	CacheMaxEntries    int
}

// ExchangeFetcher implements ports.CandleFetcher against a v5-style
// market-data REST endpoint (GET /v5/market/kline).
type ExchangeFetcher struct {
	cfg         Config
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	cache       *candleCache
}

// NewExchangeFetcher builds an ExchangeFetcher for cfg.BaseURL.
func NewExchangeFetcher(cfg Config) (*ExchangeFetcher, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("exchange base URL is required")
	}
	if cfg.Category == "" {
		cfg.Category = "linear"
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 120
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 10
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBaseMs <= 0 {
		cfg.BackoffBaseMs = 250
	}
	if cfg.CacheTTLSeconds <= 0 {
		cfg.CacheTTLSeconds = 30
	}
	if cfg.CacheMaxEntries <= 0 {
		cfg.CacheMaxEntries = 512
	}

	return &ExchangeFetcher{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		rateLimiter: rate.NewLimiter(rate.Limit(float64(cfg.RateLimitPerMinute)/60), 4),
		cache:       newCandleCache(cfg.CacheMaxEntries, time.Duration(cfg.CacheTTLSeconds)*time.Second),
	}, nil
}

// klineResponse is the exchange's wire shape: a retCode envelope around a
// result.list of row arrays, newest bar first.
type klineResponse struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		Symbol string     `json:"symbol"`
		List   [][]string `json:"list"`
	} `json:"result"`
}

// intervalParam maps the pipeline's timeframe labels to the exchange's
// interval query values.
var intervalParam = map[string]string{
	"1m":  "1",
	"5m":  "5",
	"15m": "15",
	"30m": "30",
	"1h":  "60",
	"4h":  "240",
	"1d":  "D",
}

// FetchCandles queries recent klines for symbol/timeframe and returns them
// in chronological order. A non-zero retCode or a missing result.list is
// not an error: it logs a warning and returns an empty slice, so the
// pipeline treats the symbol as "skip this cycle" rather than failing the
// whole fetch pass.
func (f *ExchangeFetcher) FetchCandles(ctx context.Context, symbol, timeframe string, lookback int) ([]ports.Candle, error) {
	interval, ok := intervalParam[timeframe]
	if !ok {
		return nil, fmt.Errorf("unsupported timeframe %q", timeframe)
	}
	if lookback <= 0 {
		lookback = 100
	}

	cacheKey := symbol + "|" + timeframe + "|" + strconv.Itoa(lookback)
	if cached, hit := f.cache.get(cacheKey); hit {
		observ.IncCounter("candles_cache_hit_total", map[string]string{"symbol": symbol, "timeframe": timeframe})
		return cached, nil
	}

	if err := f.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := f.getWithRetry(ctx, f.klineURL(symbol, interval, lookback))
	if err != nil {
		return nil, err
	}

	var resp klineResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode kline response for %s/%s: %w", symbol, timeframe, err)
	}
	if resp.RetCode != 0 {
		observ.Warn("candles.exchange_error", map[string]any{
			"symbol": symbol, "timeframe": timeframe, "ret_code": resp.RetCode, "ret_msg": resp.RetMsg,
		})
		return []ports.Candle{}, nil
	}
	if len(resp.Result.List) == 0 {
		observ.Warn("candles.empty_result", map[string]any{"symbol": symbol, "timeframe": timeframe})
		return []ports.Candle{}, nil
	}

	candles, err := parseRows(symbol, timeframe, resp.Result.List)
	if err != nil {
		return nil, err
	}
	f.cache.put(cacheKey, candles)
	return candles, nil
}

// HealthCheck issues a one-bar probe for a liquid instrument; any
// transport-level failure marks the provider unhealthy.
func (f *ExchangeFetcher) HealthCheck(ctx context.Context) error {
	_, err := f.getWithRetry(ctx, f.klineURL("BTCUSDT", "1", 1))
	return err
}

func (f *ExchangeFetcher) klineURL(symbol, interval string, limit int) string {
	q := url.Values{}
	q.Set("category", f.cfg.Category)
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	q.Set("limit", strconv.Itoa(limit))
	return f.cfg.BaseURL + "/v5/market/kline?" + q.Encode()
}

// getWithRetry retries transport errors and 5xx/429 responses with
// exponential backoff; 4xx responses other than 429 fail immediately.
func (f *ExchangeFetcher) getWithRetry(ctx context.Context, reqURL string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(f.cfg.BackoffBaseMs*(1<<(attempt-1))) * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := f.httpClient.Do(req)
		if err != nil {
			lastErr = err
			observ.IncCounter("candles_request_errors_total", map[string]string{"kind": "transport"})
			continue
		}
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK && readErr == nil:
			return body, nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = fmt.Errorf("exchange returned status %d", resp.StatusCode)
			observ.IncCounter("candles_request_errors_total", map[string]string{"kind": "status"})
			continue
		case readErr != nil:
			lastErr = readErr
			continue
		default:
			return nil, fmt.Errorf("exchange returned status %d", resp.StatusCode)
		}
	}
	return nil, fmt.Errorf("kline request failed after %d retries: %w", f.cfg.MaxRetries, lastErr)
}

// parseRows converts the exchange's newest-first row arrays
// [startMs, open, high, low, close, volume, turnover] into chronological
// ports.Candle values.
func parseRows(symbol, timeframe string, rows [][]string) ([]ports.Candle, error) {
	candles := make([]ports.Candle, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		if len(row) < 6 {
			return nil, fmt.Errorf("kline row for %s has %d fields, want >= 6", symbol, len(row))
		}
		startMs, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("kline start time for %s: %w", symbol, err)
		}
		open, err := decimal.NewFromString(row[1])
		if err != nil {
			return nil, fmt.Errorf("kline open for %s: %w", symbol, err)
		}
		high, err := decimal.NewFromString(row[2])
		if err != nil {
			return nil, fmt.Errorf("kline high for %s: %w", symbol, err)
		}
		low, err := decimal.NewFromString(row[3])
		if err != nil {
			return nil, fmt.Errorf("kline low for %s: %w", symbol, err)
		}
		closePx, err := decimal.NewFromString(row[4])
		if err != nil {
			return nil, fmt.Errorf("kline close for %s: %w", symbol, err)
		}
		volume, err := decimal.NewFromString(row[5])
		if err != nil {
			return nil, fmt.Errorf("kline volume for %s: %w", symbol, err)
		}
		candles = append(candles, ports.Candle{
			Symbol:    symbol,
			Timeframe: timeframe,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closePx,
			Volume:    volume,
			Timestamp: time.UnixMilli(startMs).UTC(),
		})
	}
	return candles, nil
}
