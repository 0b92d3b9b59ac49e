package candles

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const klinePayload = `{
  "retCode": 0,
  "retMsg": "OK",
  "result": {
    "symbol": "BTCUSDT",
    "list": [
      ["1700000120000", "60200", "60400", "60100", "60300", "12.5", "755000"],
      ["1700000060000", "60100", "60250", "60000", "60200", "10.1", "608000"],
      ["1700000000000", "60000", "60150", "59900", "60100", "11.3", "679000"]
    ]
  }
}`

func newFetcher(t *testing.T, baseURL string) *ExchangeFetcher {
	t.Helper()
	f, err := NewExchangeFetcher(Config{BaseURL: baseURL, BackoffBaseMs: 1})
	require.NoError(t, err)
	return f
}

func TestFetchCandlesReversesToChronological(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v5/market/kline", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "15", r.URL.Query().Get("interval"))
		fmt.Fprint(w, klinePayload)
	}))
	defer server.Close()

	f := newFetcher(t, server.URL)
	candles, err := f.FetchCandles(context.Background(), "BTCUSDT", "15m", 3)
	require.NoError(t, err)
	require.Len(t, candles, 3)

	for i := 1; i < len(candles); i++ {
		assert.True(t, candles[i].Timestamp.After(candles[i-1].Timestamp),
			"candles must be chronological, got %v then %v", candles[i-1].Timestamp, candles[i].Timestamp)
	}
	assert.Equal(t, "60000", candles[0].Open.String())
	assert.Equal(t, "60300", candles[2].Close.String())
}

func TestFetchCandlesNonZeroRetCodeReturnsEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"retCode": 10001, "retMsg": "params error", "result": {}}`)
	}))
	defer server.Close()

	f := newFetcher(t, server.URL)
	candles, err := f.FetchCandles(context.Background(), "BTCUSDT", "5m", 10)
	require.NoError(t, err)
	assert.Empty(t, candles)
}

func TestFetchCandlesMissingListReturnsEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"retCode": 0, "retMsg": "OK", "result": {"symbol": "BTCUSDT"}}`)
	}))
	defer server.Close()

	f := newFetcher(t, server.URL)
	candles, err := f.FetchCandles(context.Background(), "BTCUSDT", "5m", 10)
	require.NoError(t, err)
	assert.Empty(t, candles)
}

func TestFetchCandlesServesFromCache(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		fmt.Fprint(w, klinePayload)
	}))
	defer server.Close()

	f := newFetcher(t, server.URL)
	_, err := f.FetchCandles(context.Background(), "BTCUSDT", "15m", 3)
	require.NoError(t, err)
	_, err = f.FetchCandles(context.Background(), "BTCUSDT", "15m", 3)
	require.NoError(t, err)

	assert.Equal(t, int64(1), requests.Load(), "second fetch should hit the cache")
}

func TestFetchCandlesRetriesServerErrors(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, klinePayload)
	}))
	defer server.Close()

	f := newFetcher(t, server.URL)
	candles, err := f.FetchCandles(context.Background(), "BTCUSDT", "15m", 3)
	require.NoError(t, err)
	assert.Len(t, candles, 3)
	assert.Equal(t, int64(2), requests.Load())
}

func TestFetchCandlesRejectsUnknownTimeframe(t *testing.T) {
	f := newFetcher(t, "http://127.0.0.1:0")
	_, err := f.FetchCandles(context.Background(), "BTCUSDT", "7m", 10)
	assert.Error(t, err)
}

func TestFetchCandlesMalformedRowFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"retCode": 0, "result": {"list": [["1700000000000", "not-a-number", "1", "1", "1", "1"]]}}`)
	}))
	defer server.Close()

	f := newFetcher(t, server.URL)
	_, err := f.FetchCandles(context.Background(), "BTCUSDT", "5m", 1)
	assert.Error(t, err)
}
