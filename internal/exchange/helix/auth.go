// Package helix implements the lighter-style, WS-batch-capable venue
// (spec.md §6's "helix" column), grounded on the WS-token auth and
// two-leg batched market order submission of
// original_source/.../lighter_batch_executor.py.
package helix

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Credentials is the standard API-key/secret pair this venue's REST
// auth uses — no per-order cryptographic signing, unlike ark or vega.
type Credentials struct {
	APIKey    string
	APISecret string
}

// SignedHeaders is the header set a standard API-key/secret REST call
// attaches: key, HMAC-SHA256 signature over a canonical request
// string, and the timestamp the signature covers.
type SignedHeaders struct {
	APIKey    string
	Signature string
	Timestamp string
}

// Sign builds the canonical string "method&path&sorted params&timestamp"
// and HMAC-SHA256-signs it with the API secret, the idiomatic
// standard-auth rendition of this venue's REST scheme.
func Sign(creds Credentials, method, path string, params map[string]string, timestampMs int64) SignedHeaders {
	ts := strconv.FormatInt(timestampMs, 10)
	canonical := canonicalString(method, path, params, ts)

	mac := hmac.New(sha256.New, []byte(creds.APISecret))
	mac.Write([]byte(canonical))
	sig := hex.EncodeToString(mac.Sum(nil))

	return SignedHeaders{APIKey: creds.APIKey, Signature: sig, Timestamp: ts}
}

func canonicalString(method, path string, params map[string]string, ts string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(strings.ToUpper(method))
	b.WriteByte('&')
	b.WriteString(path)
	for _, k := range keys {
		b.WriteByte('&')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	b.WriteByte('&')
	b.WriteString(ts)
	return b.String()
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// wsTokenResponse models the REST-fetched token the WS upgrade
// carries, per §6's "WS auth: Token" cell.
type wsTokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

func tokenStillValid(expiresAtUnix int64) bool {
	return time.Until(time.Unix(expiresAtUnix, 0)) > 10*time.Second
}
