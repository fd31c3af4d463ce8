package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSymbolHashStable(t *testing.T) {
	assert.Equal(t, SymbolHash("BTCUSDT"), SymbolHash("BTCUSDT"))
	assert.NotEqual(t, SymbolHash("BTCUSDT"), SymbolHash("ETHUSDT"))
}

func TestDictionaryRoundTrip(t *testing.T) {
	d := NewDictionary()
	h1, added, err := d.Add("BTCUSDT")
	require.NoError(t, err)
	require.True(t, added)

	_, added, err = d.Add("BTCUSDT")
	require.NoError(t, err)
	require.False(t, added)

	_, _, err = d.Add("ETHUSDT")
	require.NoError(t, err)

	_, _, err = d.Add("")
	require.Error(t, err)

	block := d.Encode(nil)
	require.Len(t, block, d.EncodedSize())
	require.Zero(t, len(block)%8)

	decoded, err := DecodeDictionary(block)
	require.NoError(t, err)
	require.Equal(t, d.Symbols(), decoded.Symbols())

	name, ok := decoded.Name(h1)
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", name)
}

func TestDecodeDictionaryRejectsTruncated(t *testing.T) {
	d := NewDictionary()
	_, _, err := d.Add("SOLUSDT")
	require.NoError(t, err)

	block := d.Encode(nil)
	_, err = DecodeDictionary(block[:8])
	require.Error(t, err)
}

func TestEventTypeNames(t *testing.T) {
	assert.Equal(t, "FILL", EventFill.String())
	assert.Equal(t, "SNAPSHOT", EventSnapshot.String())
	assert.Equal(t, "UNKNOWN", EventType(200).String())
	assert.False(t, EventUnknown.Known())
	assert.True(t, EventReject.Known())
}
