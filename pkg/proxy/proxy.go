package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"paygate/pkg/routes"
)

// Hop-by-hop headers never forwarded upstream.
var hopByHop = map[string]struct{}{
	"host":                {},
	"connection":          {},
	"transfer-encoding":   {},
	"content-length":      {},
	"keep-alive":          {},
	"upgrade":             {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailer":             {},
}

// Gateway-internal headers, including the gateway-level credentials;
// the upstream sees only provider.auth.
var internal = map[string]struct{}{
	"x-request-idempotency-key": {},
	"x-mandate":                 {},
	"x-mandate-confirm":         {},
	"x-payment":                 {},
	"x-receipt":                 {},
	"x-api-key":                 {},
	"x-agent-address":           {},
	"authorization":             {},
}

// Dropped reports whether a header name is excluded from forwarding.
func Dropped(name string) bool {
	lower := strings.ToLower(name)
	if _, ok := hopByHop[lower]; ok {
		return true
	}
	_, ok := internal[lower]
	return ok
}

// Result is the upstream response. A non-2xx status is a valid result,
// not an error; only transport failures error out.
type Result struct {
	Status int
	Header http.Header
	Body   []byte
}

// BuildHeaders applies the forwarding policy: strip hop-by-hop and
// internal headers, join multi-valued headers with ", ", then inject
// provider auth.
func BuildHeaders(in http.Header, auth *routes.Auth) http.Header {
	out := http.Header{}
	for name, vals := range in {
		if Dropped(name) || len(vals) == 0 {
			continue
		}
		out.Set(name, strings.Join(vals, ", "))
	}
	if auth != nil && auth.Header != "" {
		out.Set(auth.Header, auth.Value)
	}
	return out
}

// Forward issues the upstream request for a matched route.
func Forward(ctx context.Context, client *http.Client, provider routes.Provider, method, path, rawQuery string, inHeaders http.Header, body []byte) (*Result, error) {
	target := strings.TrimSuffix(provider.BackendURL, "/") + path
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = BuildHeaders(inHeaders, provider.Auth)
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}
	return &Result{Status: resp.StatusCode, Header: resp.Header.Clone(), Body: respBody}, nil
}
