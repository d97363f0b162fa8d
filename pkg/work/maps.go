package work

import (
	"github.com/datacarousel/carousel/pkg/types"
)

// InputOutputMap pairs the input contents of one map entry with the output
// contents they produce. For stage-in the pairing is 1:1, but the model
// allows N:M for future transform kinds.
type InputOutputMap struct {
	Inputs  []types.Content
	Outputs []types.Content
}

// Primary returns the primary input of the map, the entry that identifies
// the map for dedup purposes.
func (m InputOutputMap) Primary() *types.Content {
	if len(m.Inputs) == 0 {
		return nil
	}
	return &m.Inputs[0]
}

// InputOutputMaps is the mapping table of a transform keyed by map_id.
type InputOutputMaps map[int64]InputOutputMap

// BuildMaps reconstructs the mapping table from persisted collections and
// contents. Contents are assigned to the input or output side by the
// relation type of the collection they belong to; rows with map_id 0 are
// not part of any map.
func BuildMaps(colls []types.Collection, contents []types.Content) InputOutputMaps {
	relation := make(map[int64]types.CollectionRelationType, len(colls))
	for _, c := range colls {
		relation[c.CollID] = c.RelationType
	}

	maps := InputOutputMaps{}
	for _, c := range contents {
		if c.MapID == 0 {
			continue
		}
		m := maps[c.MapID]
		switch relation[c.CollID] {
		case types.CollectionRelationInput:
			m.Inputs = append(m.Inputs, c)
		case types.CollectionRelationOutput:
			m.Outputs = append(m.Outputs, c)
		}
		maps[c.MapID] = m
	}
	return maps
}

// NextMapID returns the key for a new map entry: max(existing)+1, starting
// at 1 for an empty table.
func (ms InputOutputMaps) NextMapID() int64 {
	var max int64
	for id := range ms {
		if id > max {
			max = id
		}
	}
	return max + 1
}

// MappedKeys returns the scope:name identities of the primary inputs across
// all maps.
func (ms InputOutputMaps) MappedKeys() map[string]bool {
	keys := make(map[string]bool, len(ms))
	for _, m := range ms {
		if p := m.Primary(); p != nil {
			keys[p.Key()] = true
		}
	}
	return keys
}

// Outputs flattens the output contents across all maps.
func (ms InputOutputMaps) Outputs() []types.Content {
	var out []types.Content
	for _, m := range ms {
		out = append(out, m.Outputs...)
	}
	return out
}

// Contents flattens inputs and outputs across all maps, inputs first within
// each map.
func (ms InputOutputMaps) Contents() []types.Content {
	var out []types.Content
	for _, m := range ms {
		out = append(out, m.Inputs...)
		out = append(out, m.Outputs...)
	}
	return out
}
