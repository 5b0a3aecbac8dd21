package guard

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

var ErrX402Upstream = errors.New("upstream already requires x402 payment")

// ProbePath replaces :name parameters with a placeholder so the probe
// hits a concrete URL.
func ProbePath(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if strings.HasPrefix(part, ":") {
			parts[i] = "probe"
		}
	}
	return strings.Join(parts, "/")
}

// ProbeX402 GETs the upstream route once with a short timeout and
// refuses registration when the upstream itself answers 402 with a
// payment-required header; reselling an already-paid upstream would
// just add markup. Transport errors are unknown territory and allow
// the route.
func ProbeX402(ctx context.Context, client *http.Client, backendURL, path string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 2500 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	target := strings.TrimSuffix(backendURL, "/") + ProbePath(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil
	}
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil
	}
	if resp.Header.Get("payment-required") != "" || resp.Header.Get("x-payment-required") != "" {
		return ErrX402Upstream
	}
	return nil
}
