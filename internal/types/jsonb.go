package types

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Compile-time interface assertions.
// These ensure the JSONB types implement both sql.Scanner and driver.Valuer,
// catching any method signature drift at compile time rather than at runtime.
var (
	_ sql.Scanner   = (*JSONMap)(nil)
	_ driver.Valuer = JSONMap(nil)
	_ sql.Scanner   = (*EventTypeList)(nil)
	_ driver.Valuer = EventTypeList(nil)
)

// scanJSONB is a generic helper that scans a JSONB database value into a Go
// pointer. It handles nil values, []byte, and string representations from
// different database drivers.
func scanJSONB(dest any, value any) error {
	if value == nil {
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("jsonb: unsupported scan type %T", value)
	}
	return json.Unmarshal(data, dest)
}

// Scan implements the sql.Scanner interface for reading JSONB from the database.
func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	return scanJSONB(m, value)
}

// Value implements the driver.Valuer interface for writing JSONB to the database.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// EventTypeList is the JSONB-stored subscription set on a webhook endpoint.
// An empty (or nil) list subscribes to all event types.
type EventTypeList []EventType

// Scan implements the sql.Scanner interface for reading JSONB from the database.
func (l *EventTypeList) Scan(value any) error {
	if value == nil {
		*l = nil
		return nil
	}
	return scanJSONB(l, value)
}

// Value implements the driver.Valuer interface for writing JSONB to the database.
func (l EventTypeList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}
