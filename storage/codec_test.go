package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
	}{
		{name: "Compressed", enabled: true},
		{name: "Plain", enabled: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codec := NewCodec(tt.enabled, 0)
			in := map[string]interface{}{"id": "ab12", "level": float64(2)}
			body, err := codec.Encode("entities/nouns/thing/vectors/ab/ab12.json", in)
			require.NoError(t, err)

			var out map[string]interface{}
			require.NoError(t, codec.Decode(body, tt.enabled, "x.json", &out))
			assert.Equal(t, in, out)
		})
	}
}

func TestCodecPhysicalPaths(t *testing.T) {
	on := NewCodec(true, 6)
	off := NewCodec(false, 6)

	assert.Equal(t, "a/b.json.gz", on.PhysicalPath("a/b.json"))
	assert.Equal(t, "a/b.json", on.TwinPath("a/b.json"))
	assert.Equal(t, "a/b.json", off.PhysicalPath("a/b.json"))
	assert.Equal(t, "a/b.json.gz", off.TwinPath("a/b.json"))

	// non-.json sentinels never compress
	assert.Equal(t, CowDisabledMarkerPath, on.PhysicalPath(CowDisabledMarkerPath))
}

func TestCodecLevelFallback(t *testing.T) {
	assert.Equal(t, DefaultCompressionLevel, NewCodec(true, 0).Level)
	assert.Equal(t, DefaultCompressionLevel, NewCodec(true, 42).Level)
	assert.Equal(t, 9, NewCodec(true, 9).Level)
}

func TestCodecCorruptBodies(t *testing.T) {
	codec := NewCodec(true, 6)
	var out map[string]interface{}

	err := codec.Decode([]byte("not gzip"), true, "p.json", &out)
	require.Error(t, err)
	assert.True(t, IsCorrupt(err))

	err = codec.Decode([]byte("{broken"), false, "p.json", &out)
	require.Error(t, err)
	assert.True(t, IsCorrupt(err))
}

func TestDedupLogicalPaths(t *testing.T) {
	physical := []string{
		"entities/nouns/thing/vectors/ab/a1.json.gz",
		"entities/nouns/thing/vectors/ab/a1.json",
		"entities/nouns/thing/vectors/ab/a2.json",
		"entities/nouns/thing/vectors/cd/cd9.json.gz",
	}
	logical := DedupLogicalPaths(physical)
	assert.Equal(t, []string{
		"entities/nouns/thing/vectors/ab/a1.json",
		"entities/nouns/thing/vectors/ab/a2.json",
		"entities/nouns/thing/vectors/cd/cd9.json",
	}, logical)
}
