package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// HMACAuth holds the L2 credentials for authenticated CLOB requests.
type HMACAuth struct {
	Key        string
	Secret     string // base64-encoded
	Passphrase string
}

// L2Headers returns the POLY_* headers for an authenticated CLOB request
// signed at the current time.
func (h *HMACAuth) L2Headers(address, method, path, body string) map[string]string {
	return h.L2HeadersAt(address, method, path, body, time.Now().Unix())
}

// L2HeadersAt is L2Headers with an explicit Unix timestamp. The signature is
// base64(HMAC-SHA256(base64decode(secret), ts+method+path+body)).
func (h *HMACAuth) L2HeadersAt(address, method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)

	key, err := base64.URLEncoding.DecodeString(h.Secret)
	if err != nil {
		key, err = base64.StdEncoding.DecodeString(h.Secret)
	}
	if err != nil {
		// Produces a signature the server will reject rather than panicking.
		key = []byte(h.Secret)
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(ts + method + path + body))
	sig := base64.URLEncoding.EncodeToString(mac.Sum(nil))

	return map[string]string{
		"POLY_ADDRESS":    address,
		"POLY_API_KEY":    h.Key,
		"POLY_TIMESTAMP":  ts,
		"POLY_PASSPHRASE": h.Passphrase,
		"POLY_SIGNATURE":  sig,
	}
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}

func redact(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "****"
}
