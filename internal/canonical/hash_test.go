package canonical

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseInput() FingerprintInput {
	return FingerprintInput{
		Method:         "GET",
		Path:           "/api/echo",
		Query:          url.Values{"b": {"2"}, "a": {"1"}},
		Body:           []byte(`{"x":1}`),
		PriceUSDC:      "0.01",
		IdempotencyKey: "key-1",
		NowMS:          1_700_000_000_000,
		ReplayTTLMS:    300_000,
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	fp1 := Fingerprint(baseInput())
	fp2 := Fingerprint(baseInput())
	assert.Equal(t, fp1, fp2)
	assert.Len(t, fp1, 64)
}

func TestFingerprintQueryOrderInsensitive(t *testing.T) {
	in1 := baseInput()
	in2 := baseInput()
	in2.Query = url.Values{"a": {"1"}, "b": {"2"}}
	assert.Equal(t, Fingerprint(in1), Fingerprint(in2))
}

func TestFingerprintSensitivity(t *testing.T) {
	base := Fingerprint(baseInput())

	mutations := map[string]func(*FingerprintInput){
		"method": func(in *FingerprintInput) { in.Method = "POST" },
		"path":   func(in *FingerprintInput) { in.Path = "/api/other" },
		"query":  func(in *FingerprintInput) { in.Query = url.Values{"a": {"2"}, "b": {"2"}} },
		"body":   func(in *FingerprintInput) { in.Body = []byte(`{"x":2}`) },
		"price":  func(in *FingerprintInput) { in.PriceUSDC = "0.02" },
		"key":    func(in *FingerprintInput) { in.IdempotencyKey = "key-2" },
		"window": func(in *FingerprintInput) { in.NowMS += 300_000 },
	}
	for name, mutate := range mutations {
		in := baseInput()
		mutate(&in)
		assert.NotEqual(t, base, Fingerprint(in), name)
	}
}

func TestFingerprintMethodCaseInsensitive(t *testing.T) {
	in1 := baseInput()
	in2 := baseInput()
	in2.Method = "get"
	assert.Equal(t, Fingerprint(in1), Fingerprint(in2))
}

func TestFingerprintSameWindow(t *testing.T) {
	in1 := baseInput()
	in2 := baseInput()
	in2.NowMS += 10_000 // inside the same TTL window
	assert.Equal(t, Fingerprint(in1), Fingerprint(in2))
}

func TestSortedQuery(t *testing.T) {
	q := url.Values{"B": {"two"}, "a": {"one two"}}
	assert.Equal(t, "a=one+two&b=two", SortedQuery(q))
	assert.Equal(t, "", SortedQuery(nil))
}

func TestKeccak256Hex(t *testing.T) {
	// Known vector: keccak256("") — distinct from sha3-256.
	got := Keccak256Hex(nil)
	require.Equal(t, "c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470", got)
}
