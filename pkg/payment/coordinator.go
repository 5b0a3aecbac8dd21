package payment

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"paygate/pkg/routes"
)

var ErrNoRoute = errors.New("no payment requirement for tool")

// CAIP2 maps a base network name to its chain identifier. Already
// qualified identifiers pass through.
func CAIP2(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "base":
		return "eip155:8453"
	case "base-sepolia", "", "testnet":
		return "eip155:84532"
	}
	if strings.Contains(name, ":") {
		return name
	}
	return "eip155:84532"
}

// PaymentRequiredBody is the HTTP 402 challenge.
type PaymentRequiredBody struct {
	Accepts     []Requirement `json:"accepts"`
	Description string        `json:"description"`
	MimeType    string        `json:"mimeType"`
}

// Coordinator owns the x402 side of the pipeline: it keeps a compiled
// requirement per tool in sync with the route table, quotes 402
// challenges, and talks to the facilitator for verify and settle. The
// CAIP-2 network is fixed at construction; runtime changes to the
// display network name never retarget the facilitator.
type Coordinator struct {
	facilitator *Facilitator
	network     string
	payTo       string

	mu           sync.RWMutex
	requirements map[string]requirementEntry
}

type requirementEntry struct {
	req         Requirement
	description string
}

// NewCoordinator wires the coordinator; facilitator may be nil, which
// turns verify and settle into no-op stubs (every payment accepted,
// no tx hash) for development deployments.
func NewCoordinator(facilitator *Facilitator, networkName, payTo string) *Coordinator {
	return &Coordinator{
		facilitator:  facilitator,
		network:      CAIP2(networkName),
		payTo:        payTo,
		requirements: map[string]requirementEntry{},
	}
}

func (c *Coordinator) Network() string { return c.network }

// RouteAdded and RouteRemoved implement routes.Listener, keeping the
// coordinator's requirements in sync with the main table.
func (c *Coordinator) RouteAdded(r routes.Rule) {
	c.mu.Lock()
	c.requirements[r.ToolID] = requirementEntry{
		req: Requirement{
			Scheme:  "exact",
			Price:   normalizePrice(r.Price),
			Network: c.network,
			PayTo:   c.payTo,
		},
		description: r.Description,
	}
	c.mu.Unlock()
}

func (c *Coordinator) RouteRemoved(toolID string) {
	c.mu.Lock()
	delete(c.requirements, toolID)
	c.mu.Unlock()
}

func normalizePrice(price string) string {
	price = strings.TrimSpace(price)
	if price == "" {
		return price
	}
	if !strings.HasPrefix(price, "$") {
		return "$" + price
	}
	return price
}

// Require returns the quoted requirement for a tool.
func (c *Coordinator) Require(toolID string) (Requirement, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.requirements[toolID]
	return entry.req, ok
}

// Challenge builds the 402 body for a tool.
func (c *Coordinator) Challenge(toolID string) (*PaymentRequiredBody, error) {
	c.mu.RLock()
	entry, ok := c.requirements[toolID]
	c.mu.RUnlock()
	if !ok {
		return nil, ErrNoRoute
	}
	description := entry.description
	if description == "" {
		description = fmt.Sprintf("Payment required for %s", toolID)
	}
	return &PaymentRequiredBody{
		Accepts:     []Requirement{entry.req},
		Description: description,
		MimeType:    "application/json",
	}, nil
}

// DecodePayment decodes the base64 X-Payment header into the raw JSON
// payload handed to the facilitator.
func DecodePayment(header string) (json.RawMessage, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header))
	if err != nil {
		return nil, fmt.Errorf("decode payment header: %w", err)
	}
	if !json.Valid(raw) {
		return nil, errors.New("payment payload is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

// Verify checks the payment payload against the tool's requirement.
func (c *Coordinator) Verify(ctx context.Context, toolID string, payload json.RawMessage) (*VerifyResult, error) {
	req, ok := c.Require(toolID)
	if !ok {
		return nil, ErrNoRoute
	}
	if c.facilitator == nil {
		return &VerifyResult{IsValid: true}, nil
	}
	return c.facilitator.Verify(ctx, payload, req)
}

// Settle submits the verified payment. Callers treat a failure here as
// soft: the receipt carries a null tx hash and no spend is recorded.
func (c *Coordinator) Settle(ctx context.Context, toolID string, payload json.RawMessage) (*SettleResult, error) {
	req, ok := c.Require(toolID)
	if !ok {
		return nil, ErrNoRoute
	}
	if c.facilitator == nil {
		return &SettleResult{Success: true, Network: c.network}, nil
	}
	return c.facilitator.Settle(ctx, payload, req)
}

// Supported proxies the facilitator listing; a nil facilitator
// supports exactly the configured network.
func (c *Coordinator) Supported(ctx context.Context) ([]SupportedKind, error) {
	if c.facilitator == nil {
		return []SupportedKind{{Scheme: "exact", Network: c.network}}, nil
	}
	return c.facilitator.Supported(ctx)
}
