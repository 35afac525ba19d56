package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// CredentialRecord is the durable form of the cache: the acquisition time
// and the bundle. Expiry is recomputed on load, so it is not stored.
type CredentialRecord struct {
	AcquiredAt time.Time
	Bundle     CredentialBundle
}

type recordJSON struct {
	AcquiredAtMs int64            `json:"acquiredAtMs"`
	Bundle       CredentialBundle `json:"bundle"`
}

// MarshalJSON encodes the record as {"acquiredAtMs": int, "bundle": {...}}.
func (r CredentialRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordJSON{
		AcquiredAtMs: r.AcquiredAt.UnixMilli(),
		Bundle:       r.Bundle,
	})
}

// UnmarshalJSON decodes a record and rejects one without a timestamp.
func (r *CredentialRecord) UnmarshalJSON(data []byte) error {
	var raw recordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.AcquiredAtMs <= 0 {
		return fmt.Errorf("credential record: missing acquiredAtMs")
	}
	r.AcquiredAt = time.UnixMilli(raw.AcquiredAtMs)
	r.Bundle = raw.Bundle
	return nil
}
