package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"golang.org/x/time/rate"

	"github.com/nlipgo-dev/nlipgo/envelope"
	obsmetrics "github.com/nlipgo-dev/nlipgo/pkg/observability"
)

const defaultNewsDomains = "arstechnica.com,techcrunch.com,theverge.com,wired.com," +
	"theregister.com,zdnet.com,venturebeat.com,engadget.com,bleepingcomputer.com," +
	"securityweek.com,krebsonsecurity.com"

// NewsConfig configures the news adapter from the environment. A missing
// NEWS_API_KEY is a startup error, never a first-request failure.
type NewsConfig struct {
	APIKey   string  `envconfig:"NEWS_API_KEY" required:"true"`
	BaseURL  string  `envconfig:"NEWS_API_URL" default:"https://newsapi.org/v2/everything"`
	Domains  string  `envconfig:"NEWS_DOMAINS"`
	Days     int     `envconfig:"NEWS_WINDOW_DAYS" default:"1"`
	PageSize int     `envconfig:"NEWS_PAGE_SIZE" default:"20"`
	RPS      float64 `envconfig:"NEWS_RPS" default:"1"`
	Burst    int     `envconfig:"NEWS_BURST" default:"3"`
}

// NewsConfigFromEnv loads the news adapter configuration.
func NewsConfigFromEnv() (NewsConfig, error) {
	var cfg NewsConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return NewsConfig{}, fmt.Errorf("news config: %w", err)
	}
	// An empty value is as useless as an absent one.
	if cfg.APIKey == "" {
		return NewsConfig{}, fmt.Errorf("news config: required key NEWS_API_KEY missing value")
	}
	if cfg.Domains == "" {
		cfg.Domains = defaultNewsDomains
	}
	return cfg, nil
}

// NewsAdapter answers news queries from a news article search API.
type NewsAdapter struct {
	cfg        NewsConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	now        func() time.Time
}

// NewNewsAdapter creates the news adapter.
func NewNewsAdapter(cfg NewsConfig) *NewsAdapter {
	return &NewsAdapter{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 20 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		now:        time.Now,
	}
}

func (a *NewsAdapter) Capability() string { return "news" }

// CheckUpstream reports whether the news endpoint is reachable. The probe
// carries no API key; a 401 still proves the provider is up.
func (a *NewsAdapter) CheckUpstream(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, a.cfg.BaseURL, nil)
	if err != nil {
		return fmt.Errorf("build news check: %w", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("news provider unreachable: %w", err)
	}
	_ = resp.Body.Close()
	return nil
}

type newsResponse struct {
	Articles []struct {
		Title       string `json:"title"`
		URL         string `json:"url"`
		PublishedAt string `json:"publishedAt"`
		Description string `json:"description"`
		Source      struct {
			Name string `json:"name"`
		} `json:"source"`
	} `json:"articles"`
}

// Handle fetches recent articles about the topic in the envelope content.
func (a *NewsAdapter) Handle(ctx context.Context, env *envelope.Envelope) *Result {
	topic := strings.TrimSpace(env.Text())
	if topic == "" {
		return errResult(NoData, "empty news topic")
	}
	if !a.limiter.Allow() {
		return errResult(RateLimited, "news rate limit exceeded")
	}

	fromDate := a.now().UTC().AddDate(0, 0, -a.cfg.Days).Format("2006-01-02")
	q := fmt.Sprintf(`(%s) AND (technology OR tech OR software OR AI OR "artificial intelligence" OR cybersecurity OR "information security" OR cloud OR "data center" OR semiconductors OR GPU OR chip OR "export controls")`, topic)

	params := url.Values{}
	params.Set("q", q)
	params.Set("from", fromDate)
	params.Set("sortBy", "publishedAt")
	params.Set("language", "en")
	params.Set("searchIn", "title,description")
	params.Set("apiKey", a.cfg.APIKey)
	params.Set("domains", a.cfg.Domains)
	params.Set("pageSize", fmt.Sprintf("%d", a.cfg.PageSize))

	start := time.Now()
	body, kind, errMsg := a.get(ctx, a.cfg.BaseURL+"?"+params.Encode())
	if kind != "" {
		obsmetrics.RecordUpstreamCall("news", "error", time.Since(start))
		return errResult(kind, errMsg)
	}
	obsmetrics.RecordUpstreamCall("news", "ok", time.Since(start))

	var resp newsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return errResult(Upstream, fmt.Sprintf("malformed news response: %v", err))
	}
	if len(resp.Articles) == 0 {
		return errResult(NoData, fmt.Sprintf("no news found about %q in the last %d day(s)", topic, a.cfg.Days))
	}

	summaries := make([]string, 0, len(resp.Articles))
	for _, art := range resp.Articles {
		desc := art.Description
		if desc == "" {
			desc = "(no description)"
		}
		summaries = append(summaries, fmt.Sprintf(
			"**%s**\n  - Source: %s\n  - Date: %s\n  - Summary: %s\n  - URL: %s\n",
			art.Title, art.Source.Name, art.PublishedAt, desc, art.URL))
	}
	return okResult(strings.Join(summaries, "\n---\n"))
}

// get performs one upstream GET and translates HTTP failures into the
// protocol error taxonomy. A non-empty kind means the call failed.
func (a *NewsAdapter) get(ctx context.Context, u string) ([]byte, ErrorKind, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, Upstream, fmt.Sprintf("build news request: %v", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, Upstream, fmt.Sprintf("news provider unavailable: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Upstream, fmt.Sprintf("read news response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, KindForHTTPStatus(resp.StatusCode), fmt.Sprintf("news provider replied %d", resp.StatusCode)
	}
	return body, "", ""
}
