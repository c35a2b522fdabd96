package domain

import (
	"database/sql/driver"
	"encoding/json"
	"sort"
	"time"
)

// TimeList is a JSON-encoded list of instants stored in a single text column
type TimeList []time.Time

// Value implements driver.Valuer
func (l TimeList) Value() (driver.Value, error) {
	if len(l) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal([]time.Time(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (l *TimeList) Scan(value interface{}) error {
	bytes, ok := scanBytes(value)
	if !ok || len(bytes) == 0 {
		*l = TimeList{}
		return nil
	}
	return json.Unmarshal(bytes, (*[]time.Time)(l))
}

// Sorted returns a copy of the list in ascending order, normalized to UTC
func (l TimeList) Sorted() TimeList {
	out := make(TimeList, len(l))
	for i, t := range l {
		out[i] = t.UTC()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// PriorityMap maps a category name or sender address to a priority override
type PriorityMap map[string]Priority

// Value implements driver.Valuer
func (m PriorityMap) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]Priority(m))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (m *PriorityMap) Scan(value interface{}) error {
	bytes, ok := scanBytes(value)
	if !ok || len(bytes) == 0 {
		*m = PriorityMap{}
		return nil
	}
	return json.Unmarshal(bytes, (*map[string]Priority)(m))
}

// JSONMap stores free-form structured details (e.g. error context)
type JSONMap map[string]interface{}

// Value implements driver.Valuer
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(map[string]interface{}(m))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (m *JSONMap) Scan(value interface{}) error {
	bytes, ok := scanBytes(value)
	if !ok || len(bytes) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(bytes, (*map[string]interface{})(m))
}

func scanBytes(value interface{}) ([]byte, bool) {
	switch v := value.(type) {
	case []byte:
		return v, true
	case string:
		return []byte(v), true
	default:
		return nil, false
	}
}
