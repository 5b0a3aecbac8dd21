package routes

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrNotFound  = errors.New("route not found")
	ErrDuplicate = errors.New("tool_id already registered")
)

// Auth is an upstream credential injected by the proxy as a single header.
type Auth struct {
	Header string `json:"header"`
	Value  string `json:"value"`
}

type Provider struct {
	ID         string `json:"id"`
	BackendURL string `json:"backend_url"`
	Auth       *Auth  `json:"auth,omitempty"`
}

// Rule maps one (method, path) pattern to a priced upstream endpoint.
// Rules are immutable once registered; admin mutations replace the whole
// compiled table.
type Rule struct {
	Method      string   `json:"method"`
	Path        string   `json:"path"`
	ToolID      string   `json:"tool_id"`
	Price       string   `json:"price"`
	Provider    Provider `json:"provider"`
	Group       string   `json:"group,omitempty"`
	Description string   `json:"description,omitempty"`
	Restricted  bool     `json:"restricted,omitempty"`
	// SkipSSRFCheck is the operator escape hatch for intentionally
	// private upstreams; it also bypasses the x402 probe.
	SkipSSRFCheck bool `json:"skip_ssrf_check,omitempty"`
}

func (r Rule) Validate() error {
	if strings.TrimSpace(r.Method) == "" {
		return errors.New("method required")
	}
	if !strings.HasPrefix(r.Path, "/") {
		return errors.New("path must start with /")
	}
	if strings.TrimSpace(r.ToolID) == "" {
		return errors.New("tool_id required")
	}
	if strings.TrimSpace(r.Provider.BackendURL) == "" {
		return errors.New("provider.backend_url required")
	}
	return nil
}

// compiled is one rule with its derived matcher. Ordering for match is
// (segments desc, literals desc, insertion order asc) so that
// /a/b/:x wins over /a/:y/:z.
type compiled struct {
	rule     Rule
	rx       *regexp.Regexp
	params   []string
	segments int
	literals int
	order    int
}

func compileRule(r Rule, order int) (*compiled, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	r.Method = strings.ToUpper(strings.TrimSpace(r.Method))
	parts := strings.Split(strings.TrimPrefix(r.Path, "/"), "/")
	pattern := make([]string, 0, len(parts))
	var params []string
	literals := 0
	for _, part := range parts {
		if strings.HasPrefix(part, ":") {
			name := strings.TrimPrefix(part, ":")
			if name == "" {
				return nil, fmt.Errorf("empty path parameter in %q", r.Path)
			}
			params = append(params, name)
			pattern = append(pattern, "([^/]+)")
			continue
		}
		literals++
		pattern = append(pattern, regexp.QuoteMeta(part))
	}
	rx, err := regexp.Compile("^/" + strings.Join(pattern, "/") + "$")
	if err != nil {
		return nil, fmt.Errorf("compile path %q: %w", r.Path, err)
	}
	return &compiled{
		rule:     r,
		rx:       rx,
		params:   params,
		segments: len(parts),
		literals: literals,
		order:    order,
	}, nil
}

func (c *compiled) match(method, path string) (map[string]string, bool) {
	if c.rule.Method != strings.ToUpper(method) {
		return nil, false
	}
	m := c.rx.FindStringSubmatch(path)
	if m == nil {
		return nil, false
	}
	params := make(map[string]string, len(c.params))
	for i, name := range c.params {
		params[name] = m[i+1]
	}
	return params, true
}
