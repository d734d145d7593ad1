package hashchain

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRing(t *testing.T) *Keyring {
	t.Helper()
	ring, err := NewKeyring([]Key{{KID: "k0", Secret: "s0", Active: true}})
	require.NoError(t, err)
	return ring
}

func TestSignAndVerify(t *testing.T) {
	chain := New(testRing(t))

	h1, kid, err := chain.Sign("", []byte(`{"seq":1}`))
	require.NoError(t, err)
	assert.Equal(t, "k0", kid)
	assert.Len(t, h1, 64)

	require.NoError(t, chain.Verify("", []byte(`{"seq":1}`), h1, kid))

	h2, _, err := chain.Sign(h1, []byte(`{"seq":2}`))
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
	require.NoError(t, chain.Verify(h1, []byte(`{"seq":2}`), h2, "k0"))
}

func TestVerifyRejectsTamper(t *testing.T) {
	chain := New(testRing(t))
	h, kid, err := chain.Sign("", []byte(`{"a":1}`))
	require.NoError(t, err)

	assert.Error(t, chain.Verify("", []byte(`{"a":2}`), h, kid))
	assert.Error(t, chain.Verify("tampered_prev", []byte(`{"a":1}`), h, kid))
	assert.ErrorIs(t, chain.Verify("", []byte(`{"a":1}`), h, "ghost"), ErrUnknownKey)
}

func TestRotationSignsWithNewVerifiesWithOld(t *testing.T) {
	ring := testRing(t)
	chain := New(ring)

	h1, kid1, err := chain.Sign("", []byte("one"))
	require.NoError(t, err)
	require.Equal(t, "k0", kid1)

	require.NoError(t, ring.Rotate("k1", "s1", true))
	assert.Equal(t, "k1", ring.ActiveKID())

	h2, kid2, err := chain.Sign(h1, []byte("two"))
	require.NoError(t, err)
	assert.Equal(t, "k1", kid2)

	// Historical events still verify with their recorded kid.
	require.NoError(t, chain.Verify("", []byte("one"), h1, "k0"))
	require.NoError(t, chain.Verify(h1, []byte("two"), h2, "k1"))
}

func TestRemoveRefusesReferencedKey(t *testing.T) {
	ring := testRing(t)
	require.NoError(t, ring.Rotate("k1", "s1", true))

	err := ring.Remove("k0", func(kid string) bool { return kid == "k0" })
	assert.ErrorIs(t, err, ErrKeyInUse)

	require.NoError(t, ring.Remove("k0", func(string) bool { return false }))
	_, ok := ring.Secret("k0")
	assert.False(t, ok)
}

func TestRemoveRefusesActiveKey(t *testing.T) {
	ring := testRing(t)
	assert.Error(t, ring.Remove("k0", nil))
}

func TestKeyringFromEnv(t *testing.T) {
	t.Run("keys json", func(t *testing.T) {
		t.Setenv("AUDIT_KEYS_JSON", `[{"kid":"a","secret":"sa"},{"kid":"b","secret":"sb","active":true}]`)
		ring, err := KeyringFromEnv()
		require.NoError(t, err)
		assert.Equal(t, "b", ring.ActiveKID())
	})
	t.Run("single secret fallback", func(t *testing.T) {
		t.Setenv("AUDIT_KEYS_JSON", "")
		t.Setenv("AUDIT_SECRET", "topsecret")
		ring, err := KeyringFromEnv()
		require.NoError(t, err)
		assert.Equal(t, "k0", ring.ActiveKID())
		sec, ok := ring.Secret("k0")
		require.True(t, ok)
		assert.Equal(t, "topsecret", sec)
	})
}

func TestKeysRedactsSecrets(t *testing.T) {
	ring := testRing(t)
	require.NoError(t, ring.Rotate("k1", "s1", true))
	for _, k := range ring.Keys() {
		assert.Empty(t, k.Secret)
	}
	assert.Len(t, ring.Export(), 2)
}

// Any chain built link by link must verify end to end, and flipping any
// canonical payload must break verification at that link.
func TestChainIntegrityProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100
	properties := gopter.NewProperties(params)

	properties.Property("signed chains verify", prop.ForAll(
		func(payloads []string) bool {
			ring, err := NewKeyring([]Key{{KID: "k0", Secret: "prop", Active: true}})
			if err != nil {
				return false
			}
			chain := New(ring)
			prev := ""
			type link struct{ prev, hash, payload string }
			links := make([]link, 0, len(payloads))
			for _, p := range payloads {
				h, _, err := chain.Sign(prev, []byte(p))
				if err != nil {
					return false
				}
				links = append(links, link{prev: prev, hash: h, payload: p})
				prev = h
			}
			for _, l := range links {
				if chain.Verify(l.prev, []byte(l.payload), l.hash, "k0") != nil {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AnyString()),
	))

	properties.TestingRun(t)
}
