package work

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datacarousel/carousel/pkg/types"
)

func TestBuildMaps(t *testing.T) {
	colls := []types.Collection{
		{CollID: 1, RelationType: types.CollectionRelationInput},
		{CollID: 2, RelationType: types.CollectionRelationOutput},
	}
	contents := []types.Content{
		{ContentID: 11, CollID: 1, MapID: 1, Scope: "u", Name: "f1"},
		{ContentID: 12, CollID: 2, MapID: 1, Scope: "u", Name: "f1"},
		{ContentID: 13, CollID: 1, MapID: 2, Scope: "u", Name: "f2"},
		{ContentID: 14, CollID: 2, MapID: 2, Scope: "u", Name: "f2"},
		{ContentID: 15, CollID: 1, MapID: 0, Scope: "u", Name: "stray"},
	}

	maps := BuildMaps(colls, contents)
	require.Len(t, maps, 2)

	m1 := maps[1]
	require.Len(t, m1.Inputs, 1)
	require.Len(t, m1.Outputs, 1)
	assert.Equal(t, int64(11), m1.Inputs[0].ContentID)
	assert.Equal(t, int64(12), m1.Outputs[0].ContentID)
	assert.Equal(t, "u:f1", m1.Primary().Key())

	assert.Equal(t, int64(3), maps.NextMapID())
	assert.Equal(t, map[string]bool{"u:f1": true, "u:f2": true}, maps.MappedKeys())
	assert.Len(t, maps.Outputs(), 2)
	assert.Len(t, maps.Contents(), 4)
}

func TestEmptyMaps(t *testing.T) {
	maps := InputOutputMaps{}
	assert.Equal(t, int64(1), maps.NextMapID())
	assert.Empty(t, maps.MappedKeys())
	assert.Empty(t, maps.Outputs())
	assert.Nil(t, maps[9].Primary())
}
