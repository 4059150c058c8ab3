package mandate

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// HashBounded computes the Kind A hash-to-sign: keccak256 of the
// pipe-joined canonical string. allowlisted_tool_ids are sorted
// lexicographically and comma-joined; an absent require_confirm_over
// contributes the empty string.
func HashBounded(m *Bounded) []byte {
	tools := make([]string, len(m.AllowlistedToolIDs))
	copy(tools, m.AllowlistedToolIDs)
	sort.Strings(tools)
	canonical := strings.Join([]string{
		m.MandateID,
		m.OwnerPubkey,
		m.ExpiresAt,
		m.MaxSpendUSDCPerDay,
		strings.Join(tools, ","),
		m.RequireConfirmOver,
	}, "|")
	return crypto.Keccak256([]byte(canonical))
}

// HashIntent computes the Kind B hash-to-sign: keccak256 over the
// deterministically sorted JSON serialization of contents (keys sorted
// recursively, array order preserved).
func HashIntent(m *Intent) ([]byte, error) {
	canonical, err := CanonicalJSON(m.RawContents)
	if err != nil {
		return nil, fmt.Errorf("canonicalize intent contents: %w", err)
	}
	return crypto.Keccak256(canonical), nil
}

// IntentID derives the ledger key: "intent-" plus the first 16 hex
// characters of the contents hash.
func IntentID(hash []byte) string {
	return "intent-" + hex.EncodeToString(hash)[:16]
}

// CanonicalJSON re-serializes a JSON document with object keys sorted
// recursively. Numbers pass through verbatim (json.Number), array order
// is preserved, string escaping is encoding/json's standard escaping.
func CanonicalJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []interface{}:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case json.Number:
		buf.WriteString(t.String())
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}

// VerifyPersonalSign checks a personal_sign signature over a 32-byte
// hash: the signature recovers to the expected address after applying
// the Ethereum signed-message prefix.
func VerifyPersonalSign(hash []byte, sigHex, expectedAddr string) error {
	sig, err := decodeHex(sigHex)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != 65 {
		return fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	// Wallets emit v as 27/28; crypto.SigToPub expects 0/1.
	if sig[64] >= 27 {
		sig = append(append([]byte{}, sig[:64]...), sig[64]-27)
	}
	prefixed := crypto.Keccak256(append(
		[]byte(fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(hash))),
		hash...,
	))
	pub, err := crypto.SigToPub(prefixed, sig)
	if err != nil {
		return fmt.Errorf("recover signer: %w", err)
	}
	recovered := crypto.PubkeyToAddress(*pub)
	if recovered != common.HexToAddress(expectedAddr) {
		return fmt.Errorf("signature recovers to %s, expected %s", recovered.Hex(), expectedAddr)
	}
	return nil
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	return hex.DecodeString(s)
}
