package api

import (
	"github.com/goccy/go-json"

	"github.com/samcharles93/spikegen/internal/backend/cuda"
	"github.com/samcharles93/spikegen/internal/backend/cuda/driver"
	"github.com/samcharles93/spikegen/internal/store"
)

type ErrorBody struct {
	Message string `json:"message,omitempty"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
}

// GenerateRequest is the body of POST /v1/generate. Preferences start from
// the server defaults and only the fields present in the body change them.
type GenerateRequest struct {
	// Model is a model description in its JSON form.
	Model       json.RawMessage  `json:"model"`
	Preferences cuda.Preferences `json:"preferences"`
	// BlockSizes are the per-kernel sizes used with manual block-size
	// selection, keyed by kernel name.
	BlockSizes  map[string]int `json:"blockSizes,omitempty"`
	ReuseTuning bool           `json:"reuseTuning,omitempty"`
	SaveTuning  bool           `json:"saveTuning,omitempty"`
}

type TuningList struct {
	Object string               `json:"object"`
	Data   []store.TuningRecord `json:"data"`
}

type DeleteTuningResp struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

type DeviceList struct {
	Object        string                    `json:"object"`
	DriverVersion int                       `json:"driverVersion"`
	Data          []driver.DeviceProperties `json:"data"`
}
