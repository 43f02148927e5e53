// Package geocoding resolves free-form addresses to coordinates with the
// OpenStreetMap Nominatim search API.
package geocoding

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"github.com/tidwall/gjson"

	"github.com/iliyamo/local-heroes/internal/config"
)

var errNoResult = errors.New("no geocoding result")

// Nominatim looks addresses up behind a circuit breaker so that an
// unavailable upstream does not slow down task writes.
type Nominatim struct {
	baseURL   string
	userAgent string
	client    *http.Client
	cb        *gobreaker.CircuitBreaker
	log       logrus.FieldLogger
}

func NewNominatim(cfg config.GeocodingConfig, log logrus.FieldLogger) *Nominatim {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	log = log.WithField("component", "geocoding")
	return &Nominatim{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		userAgent: cfg.UserAgent,
		client:    &http.Client{Timeout: timeout},
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "nominatim",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 3 && failureRatio >= 0.6
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, errNoResult)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).Warn("geocoding breaker state changed")
			},
		}),
		log: log,
	}
}

// Geocode returns the coordinates of the best match for address.  Any
// failure, including an open breaker, reports ok=false.
func (n *Nominatim) Geocode(ctx context.Context, address string) (lat, lng float64, ok bool) {
	address = strings.TrimSpace(address)
	if address == "" {
		return 0, 0, false
	}
	res, err := n.cb.Execute(func() (any, error) { return n.lookup(ctx, address) })
	if err != nil {
		if !errors.Is(err, errNoResult) {
			n.log.WithError(err).WithField("address", address).Warn("geocoding failed")
		}
		return 0, 0, false
	}
	p := res.([2]float64)
	return p[0], p[1], true
}

func (n *Nominatim) lookup(ctx context.Context, address string) ([2]float64, error) {
	q := url.Values{}
	q.Set("q", address)
	q.Set("format", "json")
	q.Set("limit", "1")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.baseURL+"/search?"+q.Encode(), nil)
	if err != nil {
		return [2]float64{}, err
	}
	req.Header.Set("Accept", "application/json")
	if n.userAgent != "" {
		req.Header.Set("User-Agent", n.userAgent)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return [2]float64{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return [2]float64{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return [2]float64{}, fmt.Errorf("nominatim returned %d", resp.StatusCode)
	}
	if !gjson.ValidBytes(body) {
		return [2]float64{}, errors.New("nominatim returned invalid json")
	}

	first := gjson.GetBytes(body, "0")
	lat, lon := first.Get("lat"), first.Get("lon")
	if !lat.Exists() || !lon.Exists() {
		return [2]float64{}, errNoResult
	}
	return [2]float64{lat.Float(), lon.Float()}, nil
}
