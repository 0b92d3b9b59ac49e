// Command chat-gateway bridges a chat platform's slash commands to the
// decision process's read-only command surface. It verifies the
// platform's v0 HMAC request signature, maps the slash command onto the
// observer API's /commands/{name} route, and renders the answer back as
// a chat response. It holds no pipeline state of its own and accepts no
// control commands — every command it forwards is a read.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/avrilquant/regime-core/internal/alerts"
	"github.com/avrilquant/regime-core/internal/config"
	"github.com/avrilquant/regime-core/internal/observ"
)

type gateway struct {
	rbac       *alerts.RBACManager
	apiBaseURL string
	httpClient *http.Client
}

type chatResponse struct {
	ResponseType string `json:"response_type"`
	Text         string `json:"text"`
}

func main() {
	var cfgPath, apiBaseURL string
	flag.StringVar(&cfgPath, "config", "config/config.yaml", "config path")
	flag.StringVar(&apiBaseURL, "api", "", "observer API base URL (overrides config addr)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(77)
	}
	defer observ.Sync()

	secret := os.Getenv(cfg.Commands.SigningSecretEnv)
	if secret == "" {
		fmt.Fprintf(os.Stderr, "signing secret env %s is empty\n", cfg.Commands.SigningSecretEnv)
		os.Exit(77)
	}
	if apiBaseURL == "" {
		apiBaseURL = "http://127.0.0.1" + cfg.ObserverAPI.Addr
	}

	g := &gateway{
		rbac:       alerts.NewRBACManager(secret, "data/command_audit.jsonl"),
		apiBaseURL: strings.TrimRight(apiBaseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}

	router := http.NewServeMux()
	router.HandleFunc("/commands", g.handleCommand)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{
		Addr:         cfg.Commands.Addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	observ.Log("chat_gateway.listening", map[string]any{"addr": cfg.Commands.Addr, "api": g.apiBaseURL})
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		observ.Error("chat_gateway.failed", err, nil)
		os.Exit(2)
	}
}

func (g *gateway) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	signature := r.Header.Get("X-Signature")
	timestamp := r.Header.Get("X-Request-Timestamp")
	if err := g.rbac.ValidateRequest(signature, timestamp, string(body)); err != nil {
		observ.Warn("chat_gateway.bad_signature", map[string]any{"error": err.Error()})
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		http.Error(w, "parse form", http.StatusBadRequest)
		return
	}

	command := strings.TrimPrefix(form.Get("command"), "/")
	userID := form.Get("user_id")
	args := parseArgs(command, form.Get("text"))
	args.Set("user_id", userID)

	result, err := g.forward(command, args)
	if err != nil {
		observ.Error("chat_gateway.forward_failed", err, map[string]any{"command": command})
		respond(w, chatResponse{ResponseType: "ephemeral", Text: "command surface unavailable, try again shortly"})
		return
	}
	respond(w, chatResponse{ResponseType: "ephemeral", Text: result})
}

// parseArgs maps the free-text argument onto the parameter each command
// expects: a symbol for should_i_trade, an amount for invest, a count for
// signals/gatekeeper, days for stats.
func parseArgs(command, text string) url.Values {
	args := url.Values{}
	text = strings.TrimSpace(text)
	if text == "" {
		return args
	}
	first := strings.Fields(text)[0]
	switch command {
	case "should_i_trade":
		args.Set("symbol", strings.ToUpper(first))
	case "invest":
		args.Set("amount", first)
	case "signals", "gatekeeper":
		args.Set("n", first)
	case "stats":
		args.Set("days", first)
	}
	return args
}

func (g *gateway) forward(command string, args url.Values) (string, error) {
	reqURL := g.apiBaseURL + "/commands/" + url.PathEscape(command)
	if len(args) > 0 {
		reqURL += "?" + args.Encode()
	}
	resp, err := g.httpClient.Get(reqURL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result struct {
		OK      bool   `json:"ok"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	if result.Message == "" {
		return "", fmt.Errorf("empty command result (status %d)", resp.StatusCode)
	}
	return result.Message, nil
}

func respond(w http.ResponseWriter, resp chatResponse) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		observ.Error("chat_gateway.encode_failed", err, nil)
	}
}
