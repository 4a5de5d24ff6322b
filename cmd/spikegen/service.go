package main

import (
	"context"
	"fmt"

	"github.com/samcharles93/spikegen/internal/backend"
	"github.com/samcharles93/spikegen/internal/backend/cuda/driver"
	"github.com/samcharles93/spikegen/internal/logger"
	"github.com/samcharles93/spikegen/internal/metrics"
	"github.com/samcharles93/spikegen/internal/nvcc"
	"github.com/samcharles93/spikegen/internal/pipeline"
	"github.com/samcharles93/spikegen/internal/store"
)

// openStore opens the tuning store named by the store flags.
func openStore(ctx context.Context) (store.Store, error) {
	path := ""
	if storeKind == store.SQLite {
		p, err := resolveStorePath(storePath)
		if err != nil {
			return nil, err
		}
		path = p
	}
	return store.Open(ctx, storeKind, path)
}

// newService wires the driver, compiler and store selected by the flags.
// withStore=false skips the store entirely.
func newService(ctx context.Context, source string, withStore bool) (*pipeline.Service, func(), error) {
	log := logger.FromContext(ctx)

	if !backend.Has(driverMode) {
		return nil, nil, fmt.Errorf("cuda driver %q is not available in this build (available: %s)", driverMode, backend.Available())
	}
	drv, err := driver.Open(driverMode, deviceFile)
	if err != nil {
		return nil, nil, fmt.Errorf("open cuda driver: %w", err)
	}
	compiler := nvcc.New(resolveNvccPath(nvccPath), log)
	compiler.Observe = metrics.ObserveCompile

	svc := &pipeline.Service{Driver: drv, Compiler: compiler, Log: log, Source: source}
	cleanup := func() {}
	if withStore {
		st, err := openStore(ctx)
		if err != nil {
			return nil, nil, err
		}
		svc.Store = st
		cleanup = func() {
			if err := st.Close(); err != nil {
				log.Warn("close tuning store", "error", err)
			}
		}
	}
	return svc, cleanup, nil
}
