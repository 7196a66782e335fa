// Package weather looks up current conditions for the world-info block of
// the system prompt.
package weather

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/stellarlinkco/companion/internal/config"
)

const defaultLocation = "Tokyo"

// Plugin returns a one-line, human-readable weather summary.
type Plugin interface {
	Current(ctx context.Context) (string, error)
}

// Client talks to an OpenWeatherMap-compatible current weather endpoint.
type Client struct {
	apiKey     string
	baseURL    string
	location   string
	httpClient *http.Client
}

// New returns nil when no API key is configured; callers treat a nil
// plugin as "no weather line".
func New(cfg config.WeatherConfig) *Client {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil
	}
	c := &Client{
		apiKey:     strings.TrimSpace(cfg.APIKey),
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		location:   strings.TrimSpace(cfg.Location),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	if c.baseURL == "" {
		c.baseURL = config.DefaultWeatherBaseURL
	}
	if c.location == "" {
		c.location = defaultLocation
	}
	return c
}

func (c *Client) Current(ctx context.Context) (string, error) {
	q := url.Values{}
	q.Set("q", c.location)
	q.Set("appid", c.apiKey)
	q.Set("units", "metric")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/data/2.5/weather?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("weather request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("weather http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if !gjson.ValidBytes(body) {
		return "", fmt.Errorf("weather: invalid JSON response")
	}
	return summarize(gjson.ParseBytes(body), c.location)
}

func summarize(doc gjson.Result, fallbackName string) (string, error) {
	temp := doc.Get("main.temp")
	if !temp.Exists() {
		return "", fmt.Errorf("weather: response has no temperature")
	}

	name := doc.Get("name").String()
	if name == "" {
		name = fallbackName
	}
	var conditions []string
	for _, w := range doc.Get("weather.#.description").Array() {
		if s := strings.TrimSpace(w.String()); s != "" {
			conditions = append(conditions, s)
		}
	}

	var b strings.Builder
	b.WriteString(name)
	b.WriteString(": ")
	if len(conditions) > 0 {
		b.WriteString(strings.Join(conditions, ", "))
		b.WriteString(", ")
	}
	fmt.Fprintf(&b, "%.1f°C", temp.Float())
	if feels := doc.Get("main.feels_like"); feels.Exists() {
		fmt.Fprintf(&b, " (feels like %.1f°C)", feels.Float())
	}
	if hum := doc.Get("main.humidity"); hum.Exists() {
		fmt.Fprintf(&b, ", humidity %d%%", hum.Int())
	}
	return b.String(), nil
}
