package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/neexbeast/weather-etl/internal/location"
)

const (
	// DefaultBaseURL is the Open-Meteo forecast endpoint.
	DefaultBaseURL = "https://api.open-meteo.com/v1/forecast"
	// DefaultTimezone is used to interpret the returned hour strings.
	DefaultTimezone = "America/New_York"
	// DateLayout renders a calendar date for start_date/end_date.
	DateLayout = "2006-01-02"

	defaultHTTPTimeout = 10 * time.Second
)

// HourlyVariables are the quantities requested for every location.
var HourlyVariables = []string{"temperature_2m", "wind_speed_10m", "precipitation"}

// Client fetches hourly series from Open-Meteo.
type Client struct {
	baseURL  string
	timezone string
	client   *http.Client
}

// NewClient constructs a Client against the production endpoint.
func NewClient() *Client {
	return NewClientWithURL(DefaultBaseURL, DefaultTimezone, defaultHTTPTimeout)
}

// NewClientWithURL constructs a Client with a custom base URL, timezone and
// request timeout (used by config and tests).
func NewClientWithURL(baseURL, timezone string, timeout time.Duration) *Client {
	if timezone == "" {
		timezone = DefaultTimezone
	}
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &Client{baseURL: baseURL, timezone: timezone, client: &http.Client{Timeout: timeout}}
}

// Timezone returns the timezone sent with every query.
func (c *Client) Timezone() string {
	return c.timezone
}

type openMeteoResponse struct {
	Hourly *struct {
		Time          []string   `json:"time"`
		Temperature2m []*float64 `json:"temperature_2m"`
		WindSpeed10m  []*float64 `json:"wind_speed_10m"`
		Precipitation []*float64 `json:"precipitation"`
	} `json:"hourly"`
}

// queryURL builds the request URL for a single-day window.
func (c *Client) queryURL(loc location.Location, date string) string {
	values := url.Values{}
	values.Set("latitude", strconv.FormatFloat(loc.Latitude, 'f', -1, 64))
	values.Set("longitude", strconv.FormatFloat(loc.Longitude, 'f', -1, 64))
	values.Set("hourly", strings.Join(HourlyVariables, ","))
	values.Set("timezone", c.timezone)
	values.Set("start_date", date)
	values.Set("end_date", date)

	return c.baseURL + "?" + values.Encode()
}

// doGet performs a GET request and decodes the JSON response into dst,
// classifying failures as transport, status or malformed errors.
func doGet(ctx context.Context, client *http.Client, rawURL string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("creating request for %s: %w", rawURL, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: GET %s: %w", ErrTransport, rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: GET %s returned %d", ErrStatus, rawURL, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: reading response from %s: %w", ErrTransport, rawURL, err)
		}
		return fmt.Errorf("%w: decoding response from %s: %w", ErrMalformed, rawURL, err)
	}

	return nil
}

// FetchHourly retrieves the hourly block for loc on the given calendar date.
func (c *Client) FetchHourly(ctx context.Context, loc location.Location, date string) (*Hourly, error) {
	var raw openMeteoResponse
	if err := doGet(ctx, c.client, c.queryURL(loc, date), &raw); err != nil {
		return nil, fmt.Errorf("open-meteo fetch for %s: %w", loc.Name, err)
	}

	h, err := toHourly(raw)
	if err != nil {
		return nil, fmt.Errorf("open-meteo response for %s: %w", loc.Name, err)
	}

	return h, nil
}

func toHourly(raw openMeteoResponse) (*Hourly, error) {
	if raw.Hourly == nil {
		return nil, fmt.Errorf("%w: hourly block missing", ErrMalformed)
	}
	hb := raw.Hourly

	series := []struct {
		name   string
		values []*float64
	}{
		{"temperature_2m", hb.Temperature2m},
		{"wind_speed_10m", hb.WindSpeed10m},
		{"precipitation", hb.Precipitation},
	}

	if hb.Time == nil {
		return nil, fmt.Errorf("%w: hourly.time missing", ErrMalformed)
	}
	for _, s := range series {
		if s.values == nil {
			return nil, fmt.Errorf("%w: hourly.%s missing", ErrMalformed, s.name)
		}
	}

	n := len(hb.Time)
	for _, s := range series {
		if len(s.values) != n {
			return nil, fmt.Errorf("%w: hourly.time has %d entries, hourly.%s has %d",
				ErrLengthMismatch, n, s.name, len(s.values))
		}
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: no hours returned", ErrMalformed)
	}

	h := &Hourly{
		Time:          hb.Time,
		Temperature:   make([]float64, n),
		WindSpeed:     make([]float64, n),
		Precipitation: make([]float64, n),
	}
	dst := [][]float64{h.Temperature, h.WindSpeed, h.Precipitation}

	for si, s := range series {
		for i, v := range s.values {
			if v == nil {
				return nil, fmt.Errorf("%w: hourly.%s[%d] is null", ErrMalformed, s.name, i)
			}
			dst[si][i] = *v
		}
	}

	return h, nil
}
