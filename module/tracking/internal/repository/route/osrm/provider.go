// Package osrm adapts the OSRM HTTP route service to route.Provider.
package osrm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/nandanugg/enroute/module/tracking/domain"
	"github.com/nandanugg/enroute/module/tracking/internal/repository/route"
)

var _ route.Provider = (*Provider)(nil)

const defaultProfile = "driving"

type Provider struct {
	baseURL string
	profile string
	timeout time.Duration
	client  *http.Client
	log     logrus.FieldLogger
}

func NewProvider(baseURL string, timeout time.Duration, client *http.Client, log logrus.FieldLogger) *Provider {
	if client == nil {
		client = &http.Client{}
	}
	return &Provider{
		baseURL: strings.TrimRight(baseURL, "/"),
		profile: defaultProfile,
		timeout: timeout,
		client:  client,
		log:     log,
	}
}

type routeResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Routes  []struct {
		Distance float64         `json:"distance"`
		Duration float64         `json:"duration"`
		Geometry json.RawMessage `json:"geometry"`
	} `json:"routes"`
}

func (p *Provider) Estimate(ctx context.Context, origin, dest domain.Coordinate) domain.RouteEstimate {
	est, err := p.fetch(ctx, origin, dest)
	if err != nil {
		entry := p.log.WithError(err).WithFields(logrus.Fields{
			"origin":      origin,
			"destination": dest,
		})
		if errors.Is(err, context.Canceled) {
			entry.Debug("route request cancelled")
		} else {
			entry.Warn("route estimate unavailable")
		}
		return domain.Unavailable
	}
	return est
}

func (p *Provider) fetch(ctx context.Context, origin, dest domain.Coordinate) (domain.RouteEstimate, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.routeURL(origin, dest), nil)
	if err != nil {
		return domain.Unavailable, fmt.Errorf("build request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return domain.Unavailable, fmt.Errorf("route request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return domain.Unavailable, fmt.Errorf("route service returned HTTP %d", resp.StatusCode)
	}

	var body routeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return domain.Unavailable, fmt.Errorf("decode route response: %w", err)
	}
	if body.Code != "Ok" {
		return domain.Unavailable, fmt.Errorf("route service code %q: %s", body.Code, body.Message)
	}
	if len(body.Routes) == 0 {
		return domain.Unavailable, errors.New("route service returned no routes")
	}

	r := body.Routes[0]
	if r.Distance < 0 || r.Duration < 0 {
		return domain.Unavailable, fmt.Errorf("malformed route: distance=%f duration=%f", r.Distance, r.Duration)
	}

	line, err := decodeLine(r.Geometry)
	if err != nil {
		return domain.Unavailable, err
	}

	return domain.RouteEstimate{
		DistanceM: r.Distance,
		DurationS: r.Duration,
		Geometry:  line,
		Available: true,
	}, nil
}

// routeURL builds /route/v1/{profile}/{lon},{lat};{lon},{lat}. OSRM takes
// longitude first.
func (p *Provider) routeURL(origin, dest domain.Coordinate) string {
	coords := formatCoord(origin) + ";" + formatCoord(dest)
	q := url.Values{}
	q.Set("overview", "full")
	q.Set("geometries", "geojson")
	return fmt.Sprintf("%s/route/v1/%s/%s?%s", p.baseURL, p.profile, coords, q.Encode())
}

func formatCoord(c domain.Coordinate) string {
	return strconv.FormatFloat(c.Lon, 'f', 6, 64) + "," + strconv.FormatFloat(c.Lat, 'f', 6, 64)
}

func decodeLine(raw json.RawMessage) (*geom.LineString, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var g geom.T
	if err := geojson.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("decode route geometry: %w", err)
	}
	line, ok := g.(*geom.LineString)
	if !ok {
		return nil, fmt.Errorf("route geometry is %T, want LineString", g)
	}
	return line, nil
}
