package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShardPrefix(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		want    string
		wantErr bool
	}{
		{name: "LowercaseHex", id: "ab12cd34", want: "ab"},
		{name: "UppercasePrefixIsLowered", id: "AB12cd34", want: "ab"},
		{name: "DigitsOnly", id: "0099", want: "00"},
		{name: "TooShort", id: "a", wantErr: true},
		{name: "Empty", id: "", wantErr: true},
		{name: "NonHexPrefix", id: "zz12", wantErr: true},
		{name: "PunctuationPrefix", id: "-a12", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shard, err := ShardPrefix(tt.id)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidID))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, shard)
		})
	}
}

func TestEntityPathTemplates(t *testing.T) {
	vector, err := VectorPath(KindNouns, "person", "ab12cd34")
	require.NoError(t, err)
	assert.Equal(t, "entities/nouns/person/vectors/ab/ab12cd34.json", vector)

	meta, err := MetadataPath(KindVerbs, "knows", "ff00aa11")
	require.NoError(t, err)
	assert.Equal(t, "entities/verbs/knows/metadata/ff/ff00aa11.json", meta)

	hnsw, err := HNSWPath("person", "ab12cd34")
	require.NoError(t, err)
	assert.Equal(t, "entities/nouns/person/hnsw/ab/ab12cd34.json", hnsw)

	_, err = VectorPath(KindNouns, "person", "x")
	assert.Error(t, err)
}

func TestWellKnownPaths(t *testing.T) {
	assert.Equal(t, "_system/hnsw-system.json", HNSWSystemPath)
	assert.Equal(t, "_system/type-statistics.json", TypeStatisticsPath)
	assert.Equal(t, "_system/counts.json", CountsSnapshotPath)
	assert.Equal(t, "_system/cow-disabled", CowDisabledMarkerPath)
	assert.Equal(t, "indexes/statistics.json", LegacyStatisticsPath)

	day := time.Date(2024, 3, 7, 15, 0, 0, 0, time.UTC)
	assert.Equal(t, "_system/statistics_20240307.json", DailyStatisticsPath(day))

	assert.Equal(t, "locks/flush.lock", LockPath("flush", true))
	assert.Equal(t, "locks/flush", LockPath("flush", false))
	assert.Equal(t, "change-log/1700000000000-abcd1234.json", ChangeLogEntryPath(1700000000000, "abcd1234"))
}

func TestIDAndTypeFromPath(t *testing.T) {
	path := "entities/nouns/person/vectors/ab/ab12cd34.json"
	assert.Equal(t, "ab12cd34", IDFromPath(path))
	assert.Equal(t, "ab12cd34", IDFromPath(path+".gz"))
	assert.Equal(t, "person", TypeFromPath(path))
	assert.Equal(t, "", TypeFromPath("_system/counts.json"))
}

func TestTypeTagSets(t *testing.T) {
	assert.Len(t, NounTypes, 31)
	assert.Len(t, VerbTypes, 40)

	assert.Equal(t, 0, NounTypeIndex(NounTypes[0]))
	assert.Equal(t, NounTypeCount-1, NounTypeIndex(NounTypes[NounTypeCount-1]))
	assert.Equal(t, -1, NounTypeIndex("no-such-tag"))
	assert.True(t, IsVerbType("knows"))
	assert.False(t, IsVerbType("person"))

	// tags must be unique or the fixed arrays would alias
	seen := map[string]bool{}
	for _, tag := range NounTypes {
		assert.False(t, seen[tag], "duplicate noun tag %s", tag)
		seen[tag] = true
	}
	seen = map[string]bool{}
	for _, tag := range VerbTypes {
		assert.False(t, seen[tag], "duplicate verb tag %s", tag)
		seen[tag] = true
	}
}
