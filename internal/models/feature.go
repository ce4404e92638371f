package models

import "encoding/json"

// FeatureSetting is a named flag with an arbitrary JSON parameter blob.
type FeatureSetting struct {
	Name       string          `json:"name"`
	IsActive   bool            `json:"is_active"`
	Parameters json.RawMessage `json:"parameters"`
}
