package cloud

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalNormalizesStrings(t *testing.T) {
	// "é" precomposed versus "e" + combining acute accent.
	composed := Object{"name": String("caf\u00e9")}
	decomposed := Object{"name": String("cafe\u0301")}

	a, err := MarshalCanonical(composed)
	require.NoError(t, err)
	b, err := MarshalCanonical(decomposed)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, "{\"name\":\"caf\u00e9\"}", string(a))
}

func TestMarshalCanonicalKeyOrder(t *testing.T) {
	// U+FB01 sorts after U+1D11E (a surrogate pair) in UTF-16 order but
	// before it in UTF-8 byte order.
	obj := Object{"ﬁ": Int(1), "\U0001D11E": Int(2), "a": Int(3)}
	data, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, "{\"a\":3,\"\U0001D11E\":2,\"ﬁ\":1}", string(data))
}

func TestFingerprintIgnoresConstructionOrder(t *testing.T) {
	a := Object{}
	a.Set("id", Int(7))
	a.Set("name", String("Foo"))
	b := Object{"name": String("Foo"), "id": Int(7)}

	fa, err := Fingerprint(a)
	require.NoError(t, err)
	fb, err := Fingerprint(b)
	require.NoError(t, err)
	assert.Equal(t, fa, fb)
	assert.Len(t, fa, 64)

	fc, err := Fingerprint(Object{"id": Int(8), "name": String("Foo")})
	require.NoError(t, err)
	assert.NotEqual(t, fa, fc)
}
