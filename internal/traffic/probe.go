// Package traffic implements the out-of-band traffic meter probe: a
// GET against a per-instance JSON endpoint that reports outbound bytes
// and whether the link is currently throttled upstream.
package traffic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const probeTimeout = 5 * time.Second

// sentinelThrottledBytes (10^9 bytes, about 954 MiB) makes the dispatch
// eligibility predicate's traffic_out < traffic_limit check exclude the
// instance until the next probe whenever its traffic_limit is at most
// that size; an instance with a larger traffic_limit stays eligible.
const sentinelThrottledBytes = 1_000_000_000

type response struct {
	OutMiB    float64 `json:"out"`
	Throttled bool    `json:"trafficThrottled"`
}

// Probe fetches and parses the traffic endpoint. On any failure it
// returns (0, false, err) — the caller treats traffic_out=0 as
// "unknown, allowed" per spec.md §4.4.
func Probe(ctx context.Context, url string) (outBytes int64, throttled bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, false, fmt.Errorf("traffic: build request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, false, fmt.Errorf("traffic: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, false, fmt.Errorf("traffic: unexpected status %s", resp.Status)
	}

	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return 0, false, fmt.Errorf("traffic: decode response: %w", err)
	}

	if r.Throttled {
		return sentinelThrottledBytes, true, nil
	}
	return int64(r.OutMiB * 1024 * 1024), false, nil
}
