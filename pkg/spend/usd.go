package spend

import (
	"errors"
	"fmt"
	"strings"
)

// Micro is a USDC amount in millionths (6 decimal places), the token's
// native resolution. All budget arithmetic is integral.
type Micro int64

const microPerUnit = 1_000_000

var errBadAmount = errors.New("invalid USD amount")

// ParseUSD parses a decimal USD string such as "0.01" or "$1.25" into
// micro-USDC. Amounts are non-negative with at most 6 fraction digits.
func ParseUSD(s string) (Micro, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "$")
	if s == "" {
		return 0, errBadAmount
	}
	whole := s
	frac := ""
	if idx := strings.IndexByte(s, '.'); idx >= 0 {
		whole = s[:idx]
		frac = s[idx+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 6 {
		return 0, fmt.Errorf("%w: more than 6 fraction digits in %q", errBadAmount, s)
	}
	var units int64
	for _, r := range whole {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("%w: %q", errBadAmount, s)
		}
		units = units*10 + int64(r-'0')
		if units > (1<<62)/microPerUnit {
			return 0, fmt.Errorf("%w: overflow in %q", errBadAmount, s)
		}
	}
	var fracMicro int64
	scale := int64(microPerUnit / 10)
	for _, r := range frac {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("%w: %q", errBadAmount, s)
		}
		fracMicro += int64(r-'0') * scale
		scale /= 10
	}
	return Micro(units*microPerUnit + fracMicro), nil
}

// Decimal renders the amount as a plain decimal string with trailing
// zeros trimmed, e.g. 10000 -> "0.01".
func (m Micro) Decimal() string {
	neg := m < 0
	v := int64(m)
	if neg {
		v = -v
	}
	units := v / microPerUnit
	frac := v % microPerUnit
	out := fmt.Sprintf("%d", units)
	if frac > 0 {
		fracStr := fmt.Sprintf("%06d", frac)
		fracStr = strings.TrimRight(fracStr, "0")
		out += "." + fracStr
	}
	if neg {
		out = "-" + out
	}
	return out
}
