package timesync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	ErrMissingBaseURL = errors.New("missing clock base url")
	ErrNoTimestamp    = errors.New("response carries no timestamp")
	ErrNotFound       = errors.New("no clock endpoint found")
)

// DefaultInterval matches the once-a-minute NTP refresh of the middleware.
const DefaultInterval = time.Minute

// Sample is one offset measurement.
type Sample struct {
	Offset    time.Duration
	RoundTrip time.Duration
}

// BuildPaths lists the endpoints tried, in order, for a clock base URL.
func BuildPaths(baseURL string) []string {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return nil
	}
	return []string{
		baseURL + "/api/v1/time",
		baseURL + "/time",
		baseURL,
	}
}

// Query measures the offset of the master clock at baseURL. The server time is
// assumed to be read halfway through the round trip.
func Query(ctx context.Context, client *http.Client, baseURL string, now func() time.Time) (Sample, error) {
	paths := BuildPaths(baseURL)
	if len(paths) == 0 {
		return Sample{}, ErrMissingBaseURL
	}
	if now == nil {
		now = time.Now
	}
	var lastErr error = ErrNotFound
	for _, path := range paths {
		t0 := now()
		server, status, err := fetchTime(ctx, client, path)
		t3 := now()
		if err != nil {
			if status == http.StatusNotFound {
				continue
			}
			lastErr = err
			if ctx.Err() != nil {
				return Sample{}, ctx.Err()
			}
			continue
		}
		rtt := t3.Sub(t0)
		mid := t0.Add(rtt / 2)
		return Sample{Offset: time.Unix(0, server).Sub(mid), RoundTrip: rtt}, nil
	}
	return Sample{}, lastErr
}

// Poll queries baseURL immediately and then every interval until ctx is done,
// updating clock on success. report, if set, sees every outcome.
func Poll(ctx context.Context, baseURL string, interval time.Duration, clock *Clock, report func(Sample, error)) {
	if baseURL == "" || clock == nil {
		return
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	client := &http.Client{
		Timeout: 900 * time.Millisecond,
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		sample, err := Query(ctx, client, baseURL, clock.LocalNow)
		if err == nil {
			clock.Update(sample)
		}
		if report != nil {
			report(sample, err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func fetchTime(ctx context.Context, client *http.Client, endpoint string) (int64, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, resp.StatusCode, fmt.Errorf("clock endpoint %s: http_%d", endpoint, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, resp.StatusCode, err
	}
	nanos, ok := extractNanos(body)
	if !ok {
		return 0, resp.StatusCode, fmt.Errorf("clock endpoint %s: %w", endpoint, ErrNoTimestamp)
	}
	return nanos, resp.StatusCode, nil
}

func extractNanos(payload []byte) (int64, bool) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return 0, false
	}
	return findNanos(decoded)
}

// findNanos accepts {"unix_nanos": n}, {"unix_seconds": s}, a bare number of
// nanoseconds, or any of those nested under "time" or "value".
func findNanos(value any) (int64, bool) {
	switch v := value.(type) {
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case map[string]any:
		if n, ok := v["unix_nanos"].(json.Number); ok {
			if nanos, err := n.Int64(); err == nil {
				return nanos, true
			}
		}
		if s, ok := v["unix_seconds"].(json.Number); ok {
			if secs, err := s.Float64(); err == nil {
				return int64(secs * float64(time.Second)), true
			}
		}
		for _, key := range []string{"time", "value"} {
			if entry, ok := v[key]; ok {
				if nanos, ok := findNanos(entry); ok {
					return nanos, true
				}
			}
		}
	}
	return 0, false
}
