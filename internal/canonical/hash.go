// Package canonical produces the deterministic request fingerprint used
// for replay suppression, plus the keccak256 helpers shared by the
// mandate verifier and the receipt engine.
package canonical

import (
	"encoding/hex"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Keccak256Hex returns the lowercase hex keccak256 digest of data
// (64 hex chars, no 0x prefix).
func Keccak256Hex(data []byte) string {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Keccak256 returns the raw 32-byte keccak256 digest of data.
func Keccak256(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}

// FingerprintInput carries every observable field that participates in
// the idempotency fingerprint.
type FingerprintInput struct {
	Method         string
	Path           string // as matched, literal segments included
	Query          url.Values
	Body           []byte
	PriceUSDC      string
	IdempotencyKey string
	NowMS          int64
	ReplayTTLMS    int64
}

// Fingerprint computes
//
//	keccak256(METHOD | path | sorted_query | body_hash | price | key | window)
//
// where window = floor(now_ms / ttl_ms), so a fingerprint cannot survive
// across TTL boundaries.
func Fingerprint(in FingerprintInput) string {
	window := int64(0)
	if in.ReplayTTLMS > 0 {
		window = in.NowMS / in.ReplayTTLMS
	}
	parts := []string{
		strings.ToUpper(in.Method),
		in.Path,
		SortedQuery(in.Query),
		Keccak256Hex(in.Body),
		in.PriceUSDC,
		in.IdempotencyKey,
		strconv.FormatInt(window, 10),
	}
	return Keccak256Hex([]byte(strings.Join(parts, "|")))
}

// SortedQuery canonicalises a query string: keys lowercased and sorted,
// values URL-escaped, joined k=v&k=v. Reordering keys in the original
// request does not change the result.
func SortedQuery(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	keys := make([]string, 0, len(q))
	lowered := make(map[string][]string, len(q))
	for k, vs := range q {
		lk := strings.ToLower(k)
		if _, seen := lowered[lk]; !seen {
			keys = append(keys, lk)
		}
		lowered[lk] = append(lowered[lk], vs...)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		vs := lowered[k]
		sort.Strings(vs)
		for j, v := range vs {
			if i > 0 || j > 0 {
				b.WriteByte('&')
			}
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}
