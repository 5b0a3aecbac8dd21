package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MintToken builds a short-lived facilitator bearer token from the
// long-lived API key pair. The MAC binds method, host, path and expiry
// so a leaked token cannot be replayed elsewhere.
func MintToken(keyID, keySecret, method, host, path string, now time.Time, ttl time.Duration) string {
	if ttl <= 0 {
		ttl = time.Minute
	}
	exp := now.UTC().Add(ttl).Unix()
	msg := fmt.Sprintf("%s|%s|%s|%d", strings.ToUpper(method), host, path, exp)
	mac := hmac.New(sha256.New, []byte(keySecret))
	mac.Write([]byte(msg))
	return fmt.Sprintf("%s.%d.%s", keyID, exp, hex.EncodeToString(mac.Sum(nil)))
}

// VerifyToken checks a minted token; the facilitator side of the
// contract, kept here so tests can close the loop.
func VerifyToken(token, keySecret, method, host, path string, now time.Time) bool {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return false
	}
	exp, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || now.UTC().Unix() > exp {
		return false
	}
	msg := fmt.Sprintf("%s|%s|%s|%d", strings.ToUpper(method), host, path, exp)
	mac := hmac.New(sha256.New, []byte(keySecret))
	mac.Write([]byte(msg))
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(parts[2]))
}
