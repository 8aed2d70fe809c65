package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// RawJSON is a json.RawMessage that serializes to/from a text database
// column, used for the User.State blob a Spawner backend may populate with
// backend-specific bookkeeping.
type RawJSON json.RawMessage

// Value implements driver.Valuer for database storage.
func (r RawJSON) Value() (driver.Value, error) {
	if len(r) == 0 {
		return "{}", nil
	}
	return string(r), nil
}

// Scan implements sql.Scanner for database retrieval.
func (r *RawJSON) Scan(src any) error {
	if src == nil {
		*r = nil
		return nil
	}

	var data []byte
	switch v := src.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = append([]byte(nil), v...)
	default:
		return fmt.Errorf("cannot scan %T into RawJSON", src)
	}

	if len(data) == 0 {
		*r = nil
		return nil
	}
	*r = RawJSON(data)
	return nil
}

// MarshalJSON passes the raw bytes through unchanged.
func (r RawJSON) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

// UnmarshalJSON stores the raw bytes unchanged.
func (r *RawJSON) UnmarshalJSON(data []byte) error {
	*r = append((*r)[0:0], data...)
	return nil
}
