// SPDX-License-Identifier: MIT

// Package multiviewer fetches the high-fidelity display path for a circuit.
// Strictly best effort: the caller imposes a short timeout and any failure
// leaves GPS as the only display layer.
package multiviewer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/pitwall-hq/pitwall/internal/geom"
	"github.com/pitwall-hq/pitwall/internal/log"
)

const requestTimeout = 5 * time.Second

// Client fetches circuit maps.
type Client struct {
	baseURL string
	http    *http.Client
	clock   clockwork.Clock
	logger  zerolog.Logger
}

// New returns a client for the given API root. A nil clock falls back to
// the wall clock.
func New(baseURL string, clock clockwork.Clock) *Client {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: requestTimeout},
		clock:   clock,
		logger:  log.WithComponent("multiviewer"),
	}
}

// circuitResponse is the published map shape: parallel coordinate arrays.
type circuitResponse struct {
	X []float64 `json:"x"`
	Y []float64 `json:"y"`
}

// FetchTrack returns the circuit centerline for the named track, closed the
// same way the GPS path is.
func (c *Client) FetchTrack(ctx context.Context, trackName string) ([]geom.Point, error) {
	year := c.clock.Now().Year()
	u := fmt.Sprintf("%s/circuits/%s/%d", c.baseURL, url.PathEscape(trackName), year)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var body circuitResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if len(body.X) != len(body.Y) || len(body.X) < 2 {
		return nil, errors.New("degenerate circuit map")
	}
	pts := make([]geom.Point, len(body.X))
	for i := range body.X {
		pts[i] = geom.Point{X: body.X[i], Y: body.Y[i]}
	}
	return geom.CloseLoop(pts), nil
}
