package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// UnixTime stores a timestamp as integer epoch seconds so that ordering
// comparisons in SQL behave identically on postgres and sqlite.
type UnixTime struct {
	time.Time
}

// Now returns the current time truncated to second precision.
func Now() UnixTime {
	return UnixTime{time.Now().UTC().Truncate(time.Second)}
}

// At wraps an existing time.
func At(t time.Time) UnixTime {
	return UnixTime{t.UTC().Truncate(time.Second)}
}

func (t UnixTime) Value() (driver.Value, error) {
	return t.UTC().Unix(), nil
}

func (t *UnixTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time = time.Time{}
		return nil
	case int64:
		t.Time = time.Unix(v, 0).UTC()
		return nil
	case float64:
		t.Time = time.Unix(int64(v), 0).UTC()
		return nil
	case time.Time:
		t.Time = v.UTC()
		return nil
	default:
		return fmt.Errorf("cannot scan %T into UnixTime", src)
	}
}

func (t UnixTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Unix())
}

func (t *UnixTime) UnmarshalJSON(b []byte) error {
	var secs int64
	if err := json.Unmarshal(b, &secs); err != nil {
		return err
	}
	t.Time = time.Unix(secs, 0).UTC()
	return nil
}

// jsonValue serializes a metadata object for storage in a JSON column.
func jsonValue(v any) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// jsonScan deserializes a JSON column into a metadata object. Both TEXT
// (sqlite) and JSONB ([]byte, postgres) representations are accepted.
func jsonScan(dst any, src any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dst)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("cannot scan %T into %T", src, dst)
	}
}

// JSONMap is a schemaless JSON object column.
type JSONMap map[string]any

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return jsonValue(JSONMap{})
	}
	return jsonValue(m)
}

func (m *JSONMap) Scan(src any) error { return jsonScan(m, src) }

// TransformMeta is the stable micro-schema inside transform_metadata.
// The key names are relied on by cross-system tooling.
type TransformMeta struct {
	Version        int    `json:"version"`
	WorkType       string `json:"work_type"`
	SrcRSE         string `json:"src_rse"`
	DestRSE        string `json:"dest_rse"`
	LifeTime       int64  `json:"life_time"`
	MaxWaitingTime int64  `json:"max_waiting_time"`
	HasNewInputs   bool   `json:"has_new_inputs"`
}

func (m TransformMeta) Value() (driver.Value, error) { return jsonValue(m) }
func (m *TransformMeta) Scan(src any) error          { return jsonScan(m, src) }

// ProcessingMeta is the stable micro-schema inside processing_metadata.
// RuleID is nil until the replication rule has been created.
type ProcessingMeta struct {
	Version    int     `json:"version"`
	InternalID string  `json:"internal_id"`
	SrcRSE     string  `json:"src_rse"`
	DestRSE    string  `json:"dest_rse"`
	LifeTime   int64   `json:"life_time"`
	RuleID     *string `json:"rule_id"`
}

func (m ProcessingMeta) Value() (driver.Value, error) { return jsonValue(m) }
func (m *ProcessingMeta) Scan(src any) error          { return jsonScan(m, src) }

// CollectionMeta mirrors the metadata returned by the data service for a
// collection DID.
type CollectionMeta struct {
	Bytes        int64  `json:"bytes"`
	TotalFiles   int64  `json:"total_files"`
	Availability string `json:"availability"`
	Events       int64  `json:"events"`
	IsOpen       bool   `json:"is_open"`
	RunNumber    int64  `json:"run_number"`
	DIDType      string `json:"did_type"`
	ListAllFiles bool   `json:"list_all_files"`
	Refreshed    bool   `json:"refreshed"`
}

func (m CollectionMeta) Value() (driver.Value, error) { return jsonValue(m) }
func (m *CollectionMeta) Scan(src any) error          { return jsonScan(m, src) }

// ContentMeta carries per-file extras such as the event count.
type ContentMeta struct {
	Events int64 `json:"events"`
}

func (m ContentMeta) Value() (driver.Value, error) { return jsonValue(m) }
func (m *ContentMeta) Scan(src any) error          { return jsonScan(m, src) }
