// Package store persists block-size tuning results so later generations can
// reuse them without recompiling.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("tuning record not found")
	ErrVersionMismatch = errors.New("record version mismatch")
)

const (
	Memory = "memory"
	SQLite = "sqlite"
)

// KernelRecord is the occupancy estimate behind one kernel's block size.
type KernelRecord struct {
	BlockSize  int  `json:"blockSize"`
	SmallModel bool `json:"smallModel"`
	Occupancy  int  `json:"occupancy"`
}

// TuningRecord is one optimizer run for a model on a device.
type TuningRecord struct {
	SchemaVersion int    `json:"schemaVersion"`
	ID            string `json:"id"`
	// Key identifies the inputs the result depends on; see TuningKey.
	Key         string `json:"key"`
	ModelName   string `json:"modelName"`
	Fingerprint string `json:"fingerprint"`
	DeviceName  string `json:"deviceName"`
	PCIBusID    string `json:"pciBusId"`
	SMVersion   int    `json:"smVersion"`
	Flags       string `json:"flags"`
	// OccupancyModel is the optimizer's occupancy calculation, e.g.
	// "standard" or "register-aware".
	OccupancyModel string                  `json:"occupancyModel"`
	BlockSizes     map[string]int          `json:"blockSizes"`
	Kernels        map[string]KernelRecord `json:"kernels,omitempty"`
	CreatedAt      time.Time               `json:"createdAt"`
}

// NewTuningRecord fills in the identity fields of r.
func NewTuningRecord(r TuningRecord) TuningRecord {
	r.SchemaVersion = CurrentSchemaVersion
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Key == "" {
		r.Key = TuningKey(r.Fingerprint, r.PCIBusID, r.Flags, r.OccupancyModel)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	return r
}

// TuningKey derives the cache key of a tuning result. A result is only
// valid for the same model on the same physical device with the same
// compiler flags and occupancy model.
func TuningKey(fingerprint, pciBusID, flags, occupancyModel string) string {
	h := sha256.New()
	for _, part := range []string{fingerprint, strings.ToLower(pciBusID), strings.Join(strings.Fields(flags), " "), occupancyModel} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Store is the tuning record repository.
type Store interface {
	Init(ctx context.Context) error
	SaveTuning(ctx context.Context, r TuningRecord) error
	GetTuning(ctx context.Context, id string) (TuningRecord, error)
	// FindTuning returns the newest record with the given key.
	FindTuning(ctx context.Context, key string) (TuningRecord, error)
	// ListTunings returns every record, newest first.
	ListTunings(ctx context.Context) ([]TuningRecord, error)
	DeleteTuning(ctx context.Context, id string) error
	Close() error
}

// Open returns an initialised store of the given kind.
func Open(ctx context.Context, kind, path string) (Store, error) {
	var s Store
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", Memory:
		s = NewMemoryStore()
	case SQLite:
		s = NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", kind)
	}
	if err := s.Init(ctx); err != nil {
		return nil, fmt.Errorf("init %s store: %w", kind, err)
	}
	return s, nil
}
