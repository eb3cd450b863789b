package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"golang.org/x/time/rate"

	"github.com/nlipgo-dev/nlipgo/envelope"
	obsmetrics "github.com/nlipgo-dev/nlipgo/pkg/observability"
)

// WeatherConfig configures the weather adapter. The National Weather Service
// API is keyless but requires an identifying User-Agent.
type WeatherConfig struct {
	BaseURL   string  `envconfig:"WEATHER_API_URL" default:"https://api.weather.gov"`
	UserAgent string  `envconfig:"WEATHER_USER_AGENT" default:"nlipgo/1.0"`
	RPS       float64 `envconfig:"WEATHER_RPS" default:"2"`
	Burst     int     `envconfig:"WEATHER_BURST" default:"5"`
}

// WeatherConfigFromEnv loads the weather adapter configuration.
func WeatherConfigFromEnv() (WeatherConfig, error) {
	var cfg WeatherConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return WeatherConfig{}, fmt.Errorf("weather config: %w", err)
	}
	return cfg, nil
}

// WeatherAdapter answers alert and forecast queries from the NWS API.
type WeatherAdapter struct {
	cfg        WeatherConfig
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewWeatherAdapter creates the weather adapter.
func NewWeatherAdapter(cfg WeatherConfig) *WeatherAdapter {
	return &WeatherAdapter{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
	}
}

func (a *WeatherAdapter) Capability() string { return "weather" }

// CheckUpstream reports whether the NWS API is reachable.
func (a *WeatherAdapter) CheckUpstream(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, a.cfg.BaseURL, nil)
	if err != nil {
		return fmt.Errorf("build weather check: %w", err)
	}
	req.Header.Set("User-Agent", a.cfg.UserAgent)
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("weather provider unreachable: %w", err)
	}
	_ = resp.Body.Close()
	return nil
}

var coordRe = regexp.MustCompile(`(-?\d+(?:\.\d+)?)\s*,\s*(-?\d+(?:\.\d+)?)`)

// stateCodes covers the postal codes the alerts endpoint accepts.
var stateCodes = map[string]bool{
	"AL": true, "AK": true, "AZ": true, "AR": true, "CA": true, "CO": true,
	"CT": true, "DE": true, "FL": true, "GA": true, "HI": true, "ID": true,
	"IL": true, "IN": true, "IA": true, "KS": true, "KY": true, "LA": true,
	"ME": true, "MD": true, "MA": true, "MI": true, "MN": true, "MS": true,
	"MO": true, "MT": true, "NE": true, "NV": true, "NH": true, "NJ": true,
	"NM": true, "NY": true, "NC": true, "ND": true, "OH": true, "OK": true,
	"OR": true, "PA": true, "RI": true, "SC": true, "SD": true, "TN": true,
	"TX": true, "UT": true, "VT": true, "VA": true, "WA": true, "WV": true,
	"WI": true, "WY": true, "DC": true, "PR": true, "VI": true, "GU": true,
}

// weatherQuery is a parsed weather question: either alerts for a US state or
// a forecast for a coordinate pair.
type weatherQuery struct {
	state    string
	lat, lon string
}

// parseWeatherQuery extracts a coordinate pair or a two-letter state code
// from free-form query text.
func parseWeatherQuery(text string) (weatherQuery, bool) {
	if m := coordRe.FindStringSubmatch(text); m != nil {
		return weatherQuery{lat: m[1], lon: m[2]}, true
	}
	for _, field := range strings.Fields(strings.ToUpper(text)) {
		field = strings.Trim(field, ".,!?")
		if stateCodes[field] {
			return weatherQuery{state: field}, true
		}
	}
	return weatherQuery{}, false
}

// Handle answers one weather query from the envelope content.
func (a *WeatherAdapter) Handle(ctx context.Context, env *envelope.Envelope) *Result {
	q, ok := parseWeatherQuery(env.Text())
	if !ok {
		return errResult(NoData, "weather query needs a two-letter state code or a lat,lon pair")
	}
	if !a.limiter.Allow() {
		return errResult(RateLimited, "weather rate limit exceeded")
	}

	if q.state != "" {
		return a.alerts(ctx, q.state)
	}
	return a.forecast(ctx, q.lat, q.lon)
}

type alertsResponse struct {
	Features []struct {
		Properties struct {
			Event       string `json:"event"`
			AreaDesc    string `json:"areaDesc"`
			Severity    string `json:"severity"`
			Description string `json:"description"`
			Instruction string `json:"instruction"`
		} `json:"properties"`
	} `json:"features"`
}

func (a *WeatherAdapter) alerts(ctx context.Context, state string) *Result {
	body, res := a.get(ctx, fmt.Sprintf("%s/alerts/active/area/%s", strings.TrimRight(a.cfg.BaseURL, "/"), state))
	if res != nil {
		return res
	}

	var resp alertsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return errResult(Upstream, fmt.Sprintf("malformed alerts response: %v", err))
	}
	if len(resp.Features) == 0 {
		// No alerts is an answer, not a failure.
		return okResult(fmt.Sprintf("No active weather alerts for %s.", state))
	}

	alerts := make([]string, 0, len(resp.Features))
	for _, f := range resp.Features {
		p := f.Properties
		if p.Instruction == "" {
			p.Instruction = "No specific instructions provided"
		}
		alerts = append(alerts, fmt.Sprintf(
			"**%s**\nArea: %s\nSeverity: %s\nDescription: %s\nInstructions: %s\n",
			p.Event, p.AreaDesc, p.Severity, p.Description, p.Instruction))
	}
	return okResult(strings.Join(alerts, "\n---\n"))
}

type pointsResponse struct {
	Properties struct {
		Forecast string `json:"forecast"`
	} `json:"properties"`
}

type forecastResponse struct {
	Properties struct {
		Periods []struct {
			Name            string `json:"name"`
			Temperature     int    `json:"temperature"`
			TemperatureUnit string `json:"temperatureUnit"`
			WindSpeed       string `json:"windSpeed"`
			WindDirection   string `json:"windDirection"`
			DetailedCast    string `json:"detailedForecast"`
		} `json:"periods"`
	} `json:"properties"`
}

// forecast resolves the coordinate to its gridpoint forecast URL, then
// formats the next few periods.
func (a *WeatherAdapter) forecast(ctx context.Context, lat, lon string) *Result {
	body, res := a.get(ctx, fmt.Sprintf("%s/points/%s,%s", strings.TrimRight(a.cfg.BaseURL, "/"), lat, lon))
	if res != nil {
		return res
	}

	var points pointsResponse
	if err := json.Unmarshal(body, &points); err != nil {
		return errResult(Upstream, fmt.Sprintf("malformed points response: %v", err))
	}
	if points.Properties.Forecast == "" {
		return errResult(NoData, fmt.Sprintf("no forecast available for %s,%s", lat, lon))
	}

	body, res = a.get(ctx, points.Properties.Forecast)
	if res != nil {
		return res
	}

	var forecast forecastResponse
	if err := json.Unmarshal(body, &forecast); err != nil {
		return errResult(Upstream, fmt.Sprintf("malformed forecast response: %v", err))
	}
	periods := forecast.Properties.Periods
	if len(periods) == 0 {
		return errResult(NoData, fmt.Sprintf("no forecast periods for %s,%s", lat, lon))
	}
	if len(periods) > 5 {
		periods = periods[:5]
	}

	out := make([]string, 0, len(periods))
	for _, p := range periods {
		out = append(out, fmt.Sprintf(
			"**%s**\nTemperature: %d°%s\nWind: %s %s\nForecast: %s\n",
			p.Name, p.Temperature, p.TemperatureUnit, p.WindSpeed, p.WindDirection, p.DetailedCast))
	}
	return okResult(strings.Join(out, "\n---\n"))
}

// get performs one upstream GET. A non-nil Result means the call failed.
func (a *WeatherAdapter) get(ctx context.Context, u string) ([]byte, *Result) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errResult(Upstream, fmt.Sprintf("build weather request: %v", err))
	}
	req.Header.Set("User-Agent", a.cfg.UserAgent)
	req.Header.Set("Accept", "application/geo+json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		obsmetrics.RecordUpstreamCall("weather", "error", time.Since(start))
		return nil, errResult(Upstream, fmt.Sprintf("weather provider unavailable: %v", err))
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		obsmetrics.RecordUpstreamCall("weather", "error", time.Since(start))
		return nil, errResult(Upstream, fmt.Sprintf("read weather response: %v", err))
	}
	if resp.StatusCode != http.StatusOK {
		obsmetrics.RecordUpstreamCall("weather", "error", time.Since(start))
		return nil, errResult(KindForHTTPStatus(resp.StatusCode), fmt.Sprintf("weather provider replied %d", resp.StatusCode))
	}
	obsmetrics.RecordUpstreamCall("weather", "ok", time.Since(start))
	return body, nil
}
