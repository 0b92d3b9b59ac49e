package observerapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avrilquant/regime-core/internal/fsm"
	"github.com/avrilquant/regime-core/internal/portfolio"
	"github.com/avrilquant/regime-core/internal/ports"
	"github.com/avrilquant/regime-core/internal/systemstate"
)

type stubCommands struct{}

func (stubCommands) Handle(_ context.Context, command string, args map[string]string) (ports.CommandResult, error) {
	return ports.CommandResult{OK: true, Message: "handled " + command, Data: map[string]any{"args": args}}, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	machine := fsm.New(fsm.Config{})
	state := systemstate.New()
	p := portfolio.NewManager(t.TempDir()+"/portfolio.json", decimal.NewFromInt(100000), decimal.NewFromInt(50000))

	srv := New(":0", Deps{
		Machine:   machine,
		State:     state,
		Portfolio: p,
		Commands:  stubCommands{},
	})
	return httptest.NewServer(srv.httpServer.Handler)
}

func TestHealthzReturnsOK(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestFSMReportsRunningState(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/fsm")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "RUNNING", body["state"])
	assert.Equal(t, false, body["trading_paused"])
}

func TestDriftNotConfiguredReturns404(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/drift")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCommandDelegatesToHandler(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/commands/risk_status?symbol=BTCUSDT")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var result ports.CommandResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.True(t, result.OK)
	assert.Equal(t, "handled risk_status", result.Message)
}

func TestPortfolioReportsNAV(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/portfolio")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
