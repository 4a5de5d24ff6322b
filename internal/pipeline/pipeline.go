// Package pipeline runs device selection, block-size optimization and code
// generation for a model, consulting the tuning store when asked to.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/spikegen/internal/backend/cuda"
	"github.com/samcharles93/spikegen/internal/backend/cuda/driver"
	"github.com/samcharles93/spikegen/internal/generator"
	"github.com/samcharles93/spikegen/internal/logger"
	"github.com/samcharles93/spikegen/internal/metrics"
	"github.com/samcharles93/spikegen/internal/model"
	"github.com/samcharles93/spikegen/internal/nvcc"
	"github.com/samcharles93/spikegen/internal/store"
)

var (
	ErrManualTuning = errors.New("tuning requires occupancy block-size selection")
	ErrNoStore      = errors.New("no tuning store configured")
)

// Service wires the collaborators a run needs. Store may be nil when
// tuning results are neither saved nor reused.
type Service struct {
	Driver   driver.Driver
	Compiler nvcc.Compiler
	Store    store.Store
	Log      logger.Logger
	// Source labels generation metrics, "cli" or "api".
	Source string
}

type Request struct {
	// RunID identifies the run; one is generated when empty.
	RunID  string
	Model  *model.Network
	OutDir string
	Prefs  cuda.Preferences
	// ReuseTuning uses a stored result for the model and device instead
	// of running the optimizer. A miss falls back to optimizing.
	ReuseTuning bool
	// SaveTuning stores the optimizer result.
	SaveTuning bool
}

// Result describes one completed run.
type Result struct {
	RunID      string                               `json:"runId"`
	Model      string                               `json:"model"`
	Device     driver.DeviceProperties              `json:"device"`
	BlockSizes map[string]int                       `json:"blockSizes"`
	Kernels    map[cuda.Kernel]cuda.OccupancyRecord `json:"kernels,omitempty"`
	Files      []string                             `json:"files,omitempty"`
	TuningID   string                               `json:"tuningId,omitempty"`
	Reused     bool                                 `json:"reused"`
	Duration   time.Duration                        `json:"duration"`
}

func (s *Service) logger() logger.Logger {
	if s.Log == nil {
		return logger.Discard()
	}
	return s.Log
}

func (s *Service) deps() cuda.Deps {
	return cuda.Deps{
		Driver:   s.Driver,
		Compiler: s.Compiler,
		Generate: generator.Generate,
		Log:      logger.Component(s.logger(), "optimizer"),
	}
}

// Generate selects a device and block sizes for req.Model and writes the
// generated sources to req.OutDir.
func (s *Service) Generate(ctx context.Context, req Request) (res Result, err error) {
	defer func() {
		source := s.Source
		if source == "" {
			source = "cli"
		}
		metrics.ObserveGeneration(source, err)
	}()

	start := time.Now()
	res, b, err := s.selectBackend(ctx, req)
	if err != nil {
		return Result{}, err
	}
	gen := generator.Generator{Log: logger.Component(s.logger(), "generator")}
	files, err := gen.Generate(ctx, req.Model, b, req.OutDir)
	if err != nil {
		return Result{}, err
	}
	res.Files = files
	res.Duration = time.Since(start)
	s.logger().Info("generated model", "run", res.RunID, "model", req.Model.Name,
		"device", res.Device.Name, "files", len(files), "reused_tuning", res.Reused, "duration", res.Duration)
	return res, nil
}

// Tune runs the optimizer and stores the result without generating the
// final sources.
func (s *Service) Tune(ctx context.Context, req Request) (Result, error) {
	if err := req.Prefs.Validate(); err != nil {
		return Result{}, err
	}
	if req.Prefs.BlockSizeSelect == cuda.BlockSizeManual {
		return Result{}, ErrManualTuning
	}
	if s.Store == nil {
		return Result{}, ErrNoStore
	}
	req.ReuseTuning = false
	req.SaveTuning = true
	res, _, err := s.selectBackend(ctx, req)
	return res, err
}

func (s *Service) selectBackend(ctx context.Context, req Request) (Result, *cuda.Backend, error) {
	if req.Model == nil {
		return Result{}, nil, errors.New("no model")
	}
	if err := req.Model.CheckFinalized(); err != nil {
		return Result{}, nil, err
	}
	if err := req.Prefs.Validate(); err != nil {
		return Result{}, nil, err
	}
	if s.Driver == nil {
		return Result{}, nil, errors.New("no cuda driver")
	}
	log := s.logger()
	res := Result{RunID: req.RunID, Model: req.Model.Name}
	if res.RunID == "" {
		res.RunID = uuid.NewString()
	}

	manual := req.Prefs.BlockSizeSelect == cuda.BlockSizeManual
	if req.ReuseTuning && !manual && s.Store != nil {
		cached, tuningID, ok, err := s.cachedResult(ctx, req)
		if err != nil {
			return Result{}, nil, err
		}
		if ok {
			b, err := s.newBackend(cached, req.Prefs)
			if err != nil {
				return Result{}, nil, err
			}
			log.Info("reusing tuning", "tuning", tuningID, "device", cached.Device.Name)
			res.fill(cached)
			res.TuningID = tuningID
			res.Reused = true
			return res, b, nil
		}
		log.Info("no stored tuning, optimizing", "model", req.Model.Name)
	}

	sel, err := cuda.Select(ctx, req.Model, req.OutDir, req.Prefs, s.deps())
	if err != nil {
		return Result{}, nil, err
	}
	res.fill(sel.Result)

	if req.SaveTuning && !manual {
		if s.Store == nil {
			return Result{}, nil, ErrNoStore
		}
		rec, err := s.saveTuning(ctx, req, sel.Result)
		if err != nil {
			return Result{}, nil, err
		}
		res.TuningID = rec.ID
	}
	return res, sel.Backend, nil
}

func (r *Result) fill(dr cuda.DeviceResult) {
	r.Device = dr.Device
	r.BlockSizes = dr.BlockSizes.Map()
	r.Kernels = dr.Kernels
}

func (s *Service) newBackend(dr cuda.DeviceResult, prefs cuda.Preferences) (*cuda.Backend, error) {
	version, err := s.Driver.Version()
	if err != nil {
		return nil, fmt.Errorf("driver version: %w", err)
	}
	return cuda.New(dr.Device, version, dr.BlockSizes, prefs, s.logger())
}

// cachedResult looks up stored tunings for the devices the selector would
// consider. With AutoChooseDevice every device needs a stored result so
// the ranking can be repeated; otherwise only the device with the most
// global memory is looked up.
func (s *Service) cachedResult(ctx context.Context, req Request) (cuda.DeviceResult, string, bool, error) {
	fingerprint, err := req.Model.Fingerprint()
	if err != nil {
		return cuda.DeviceResult{}, "", false, err
	}

	var devices []driver.DeviceProperties
	if req.Prefs.AutoChooseDevice {
		devices, err = driver.Enumerate(ctx, s.Driver)
		if err != nil {
			return cuda.DeviceResult{}, "", false, err
		}
		if len(devices) == 0 {
			return cuda.DeviceResult{}, "", false, cuda.ErrNoDevices
		}
	} else {
		dev, err := cuda.ChooseDeviceWithMostGlobalMemory(ctx, s.Driver, s.logger())
		if err != nil {
			return cuda.DeviceResult{}, "", false, err
		}
		devices = []driver.DeviceProperties{dev}
	}

	results := make([]cuda.DeviceResult, 0, len(devices))
	ids := make(map[int]string, len(devices))
	for _, dev := range devices {
		key := store.TuningKey(fingerprint, dev.PCIBusID, cuda.CompilerFlagsFor(req.Prefs, dev), req.Prefs.OccupancyModel())
		rec, err := s.Store.FindTuning(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			return cuda.DeviceResult{}, "", false, nil
		}
		if err != nil {
			return cuda.DeviceResult{}, "", false, fmt.Errorf("find tuning: %w", err)
		}
		dr, err := deviceResult(dev, rec)
		if err != nil {
			return cuda.DeviceResult{}, "", false, fmt.Errorf("tuning %s: %w", rec.ID, err)
		}
		ids[dev.Ordinal] = rec.ID
		results = append(results, dr)
	}
	best := cuda.BestResult(results)
	return best, ids[best.Device.Ordinal], true, nil
}

func (s *Service) saveTuning(ctx context.Context, req Request, dr cuda.DeviceResult) (store.TuningRecord, error) {
	fingerprint, err := req.Model.Fingerprint()
	if err != nil {
		return store.TuningRecord{}, err
	}
	rec := store.NewTuningRecord(TuningRecord(req.Model.Name, fingerprint, req.Prefs, dr))
	if err := s.Store.SaveTuning(ctx, rec); err != nil {
		return store.TuningRecord{}, fmt.Errorf("save tuning: %w", err)
	}
	s.logger().Info("saved tuning", "tuning", rec.ID, "device", dr.Device.Name)
	return rec, nil
}

// TuningRecord converts an optimizer result under prefs to its stored form.
func TuningRecord(modelName, fingerprint string, prefs cuda.Preferences, dr cuda.DeviceResult) store.TuningRecord {
	kernels := make(map[string]store.KernelRecord, len(dr.Kernels))
	for k, rec := range dr.Kernels {
		kernels[k.String()] = store.KernelRecord{BlockSize: rec.BlockSize, SmallModel: rec.SmallModel, Occupancy: rec.Occupancy}
	}
	return store.TuningRecord{
		ModelName:      modelName,
		Fingerprint:    fingerprint,
		DeviceName:     dr.Device.Name,
		PCIBusID:       dr.Device.PCIBusID,
		SMVersion:      dr.Device.SMVersion(),
		Flags:          cuda.CompilerFlagsFor(prefs, dr.Device),
		OccupancyModel: prefs.OccupancyModel(),
		BlockSizes:     dr.BlockSizes.Map(),
		Kernels:        kernels,
	}
}

func deviceResult(dev driver.DeviceProperties, rec store.TuningRecord) (cuda.DeviceResult, error) {
	sizes, err := cuda.BlockSizesFromMap(rec.BlockSizes)
	if err != nil {
		return cuda.DeviceResult{}, err
	}
	kernels := make(map[cuda.Kernel]cuda.OccupancyRecord, len(rec.Kernels))
	for _, name := range slices.Sorted(maps.Keys(rec.Kernels)) {
		k, ok := cuda.KernelByName(name)
		if !ok {
			return cuda.DeviceResult{}, fmt.Errorf("unknown kernel %q", name)
		}
		kr := rec.Kernels[name]
		kernels[k] = cuda.OccupancyRecord{BlockSize: kr.BlockSize, SmallModel: kr.SmallModel, Occupancy: kr.Occupancy}
	}
	return cuda.DeviceResult{Device: dev, BlockSizes: sizes, Kernels: kernels}, nil
}

// Devices lists the devices the driver reports.
func (s *Service) Devices(ctx context.Context) ([]driver.DeviceProperties, int, error) {
	if s.Driver == nil {
		return nil, 0, errors.New("no cuda driver")
	}
	devices, err := driver.Enumerate(ctx, s.Driver)
	if err != nil {
		return nil, 0, err
	}
	version, err := s.Driver.Version()
	if err != nil {
		return nil, 0, fmt.Errorf("driver version: %w", err)
	}
	return devices, version, nil
}
