package store

import (
	"fmt"

	"github.com/goccy/go-json"
)

const CurrentSchemaVersion = 1

func EncodeTuning(r TuningRecord) ([]byte, error) {
	return json.Marshal(r)
}

func DecodeTuning(data []byte) (TuningRecord, error) {
	var r TuningRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return TuningRecord{}, fmt.Errorf("decode tuning record: %w", err)
	}
	if r.SchemaVersion != CurrentSchemaVersion {
		return TuningRecord{}, fmt.Errorf("%w: schema %d, want %d", ErrVersionMismatch, r.SchemaVersion, CurrentSchemaVersion)
	}
	return r, nil
}
