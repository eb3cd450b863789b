package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"golang.org/x/time/rate"

	"github.com/nlipgo-dev/nlipgo/envelope"
	obsmetrics "github.com/nlipgo-dev/nlipgo/pkg/observability"
)

// StockConfig configures the stock adapter. The quote source is keyless, so
// nothing here is required.
type StockConfig struct {
	BaseURL string  `envconfig:"STOCK_API_URL" default:"https://stooq.com"`
	RPS     float64 `envconfig:"STOCK_RPS" default:"2"`
	Burst   int     `envconfig:"STOCK_BURST" default:"5"`
}

// StockConfigFromEnv loads the stock adapter configuration.
func StockConfigFromEnv() (StockConfig, error) {
	var cfg StockConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return StockConfig{}, fmt.Errorf("stock config: %w", err)
	}
	return cfg, nil
}

// StockAdapter answers quote queries from a CSV quote endpoint.
type StockAdapter struct {
	cfg        StockConfig
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewStockAdapter creates the stock adapter.
func NewStockAdapter(cfg StockConfig) *StockAdapter {
	return &StockAdapter{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 20 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
	}
}

func (a *StockAdapter) Capability() string { return "stock" }

// CheckUpstream reports whether the quote endpoint is reachable. Any HTTP
// answer counts; only a transport failure marks the provider down.
func (a *StockAdapter) CheckUpstream(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, a.cfg.BaseURL, nil)
	if err != nil {
		return fmt.Errorf("build quote check: %w", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("quote provider unreachable: %w", err)
	}
	_ = resp.Body.Close()
	return nil
}

// NormalizeTicker uppercases the query and strips everything except
// letters, digits and dots.
func NormalizeTicker(query string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(strings.TrimSpace(query)) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Handle fetches an OHLCV quote for the ticker in the envelope content.
func (a *StockAdapter) Handle(ctx context.Context, env *envelope.Envelope) *Result {
	ticker := NormalizeTicker(env.Text())
	if ticker == "" {
		return errResult(NoData, "empty ticker")
	}
	if !a.limiter.Allow() {
		return errResult(RateLimited, "stock rate limit exceeded")
	}

	// Bare tickers default to the US market.
	sym := strings.ToLower(ticker)
	if !strings.Contains(sym, ".") {
		sym += ".us"
	}
	u := fmt.Sprintf("%s/q/l/?s=%s&f=sd2t2ohlcv&h&e=csv", strings.TrimRight(a.cfg.BaseURL, "/"), sym)

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return errResult(Upstream, fmt.Sprintf("build quote request: %v", err))
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		obsmetrics.RecordUpstreamCall("stock", "error", time.Since(start))
		return errResult(Upstream, fmt.Sprintf("quote provider unavailable: %v", err))
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		obsmetrics.RecordUpstreamCall("stock", "error", time.Since(start))
		return errResult(Upstream, fmt.Sprintf("read quote response: %v", err))
	}
	if resp.StatusCode != http.StatusOK {
		obsmetrics.RecordUpstreamCall("stock", "error", time.Since(start))
		return errResult(KindForHTTPStatus(resp.StatusCode), fmt.Sprintf("quote provider replied %d", resp.StatusCode))
	}
	obsmetrics.RecordUpstreamCall("stock", "ok", time.Since(start))

	row, ok := parseQuoteCSV(string(body))
	if !ok {
		return errResult(NoData, fmt.Sprintf("no quote found for %q, try a ticker like NVDA or AAPL", env.Text()))
	}
	if c := row["Close"]; c == "" || c == "N/A" {
		return errResult(NoData, fmt.Sprintf("quote unavailable for %q (symbol used: %s)", env.Text(), sym))
	}

	symbol := row["Symbol"]
	if symbol == "" {
		symbol = ticker
	}
	return okResult(fmt.Sprintf(
		"**%s**\n- Date: %s %s\n- Open: %s\n- High: %s\n- Low: %s\n- Close: %s\n- Volume: %s\n",
		symbol, row["Date"], row["Time"], row["Open"], row["High"], row["Low"], row["Close"], row["Volume"]))
}

// parseQuoteCSV zips the header and value rows of a two-line CSV quote.
func parseQuoteCSV(text string) (map[string]string, bool) {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	if len(lines) < 2 {
		return nil, false
	}
	header := strings.Split(strings.TrimSpace(lines[0]), ",")
	vals := strings.Split(strings.TrimSpace(lines[1]), ",")

	row := make(map[string]string, len(header))
	for i, h := range header {
		if i < len(vals) {
			row[h] = vals[i]
		}
	}
	return row, true
}
