// Package stubs hosts the local stand-ins for external services the
// pipeline talks to. ExchangeServer serves a v5-style kline REST API from
// a seeded random walk, so cmd/decision's "exchange" candle provider can
// be exercised end to end with no network access and reproducible data.
// Only the kline query the pipeline reads and a server-time query are
// served.
package stubs

import (
	"encoding/json"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/avrilquant/regime-core/internal/observ"
)

// intervalDuration maps the exchange's interval query values to bar
// durations.
var intervalDuration = map[string]time.Duration{
	"1":   time.Minute,
	"5":   5 * time.Minute,
	"15":  15 * time.Minute,
	"30":  30 * time.Minute,
	"60":  time.Hour,
	"240": 4 * time.Hour,
	"D":   24 * time.Hour,
}

// ExchangeServer generates deterministic synthetic klines per
// symbol/interval. The walk is seeded per symbol and interval, so the same
// seed always produces the same tape.
type ExchangeServer struct {
	mu   sync.Mutex
	seed int64

	bases map[string]float64
}

// NewExchangeServer builds a server whose walks derive from seed.
func NewExchangeServer(seed int64) *ExchangeServer {
	return &ExchangeServer{
		seed: seed,
		bases: map[string]float64{
			"BTCUSDT": 60000,
			"ETHUSDT": 3000,
			"SOLUSDT": 150,
		},
	}
}

// Router returns the HTTP routes: GET /v5/market/kline and
// GET /v5/market/time.
func (s *ExchangeServer) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v5/market/kline", s.handleKline).Methods(http.MethodGet)
	r.HandleFunc("/v5/market/time", s.handleTime).Methods(http.MethodGet)
	return r
}

type klineResult struct {
	Symbol string     `json:"symbol"`
	List   [][]string `json:"list"`
}

type envelope struct {
	RetCode int         `json:"retCode"`
	RetMsg  string      `json:"retMsg"`
	Result  interface{} `json:"result"`
}

func (s *ExchangeServer) handleKline(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	interval := r.URL.Query().Get("interval")
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}

	barDuration, ok := intervalDuration[interval]
	if symbol == "" || !ok {
		writeJSON(w, envelope{RetCode: 10001, RetMsg: "params error", Result: struct{}{}})
		return
	}

	rows := s.generate(symbol, interval, barDuration, limit)
	writeJSON(w, envelope{RetCode: 0, RetMsg: "OK", Result: klineResult{Symbol: symbol, List: rows}})
}

func (s *ExchangeServer) handleTime(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, envelope{RetCode: 0, RetMsg: "OK", Result: map[string]string{
		"timeNano": strconv.FormatInt(time.Now().UnixNano(), 10),
	}})
}

// generate produces limit bars ending at the current bar boundary, newest
// first — the exchange's wire convention; clients reverse to chronological.
func (s *ExchangeServer) generate(symbol, interval string, barDuration time.Duration, limit int) [][]string {
	s.mu.Lock()
	base, ok := s.bases[symbol]
	if !ok {
		base = 100
		s.bases[symbol] = base
	}
	s.mu.Unlock()

	// Seed per symbol/interval so every request for the same pair replays
	// the same walk.
	var seedMix int64 = s.seed
	for _, c := range symbol + "/" + interval {
		seedMix = seedMix*31 + int64(c)
	}
	rng := rand.New(rand.NewSource(seedMix))

	end := time.Now().UTC().Truncate(barDuration)
	start := end.Add(-time.Duration(limit-1) * barDuration)

	vol := 0.01
	price := base
	chronological := make([][]string, 0, limit)
	for i := 0; i < limit; i++ {
		ts := start.Add(time.Duration(i) * barDuration)
		change := (rng.Float64()*2 - 1) * vol
		open := price
		closePx := open * (1 + change)
		high := math.Max(open, closePx) * (1 + rng.Float64()*vol*0.3)
		low := math.Min(open, closePx) * (1 - rng.Float64()*vol*0.3)
		volume := 1000 + rng.Float64()*9000

		chronological = append(chronological, []string{
			strconv.FormatInt(ts.UnixMilli(), 10),
			formatPrice(open),
			formatPrice(high),
			formatPrice(low),
			formatPrice(closePx),
			formatPrice(volume),
			formatPrice(volume * closePx),
		})
		price = closePx
	}

	newestFirst := make([][]string, len(chronological))
	for i, row := range chronological {
		newestFirst[len(chronological)-1-i] = row
	}
	return newestFirst
}

func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		observ.Error("stubs.encode_failed", err, nil)
	}
}
