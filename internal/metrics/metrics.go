// Package metrics holds the Prometheus collectors exported by spikegen.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	compileDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "spikegen_nvcc_compile_duration_seconds",
		Help:    "Wall time of nvcc invocations",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"module", "result"})

	optimizations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spikegen_block_size_optimizations_total",
		Help: "Total number of block-size optimizations",
	}, []string{"device", "result"})

	chosenBlockSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "spikegen_chosen_block_size",
		Help: "Block size chosen for each kernel by the last optimization",
	}, []string{"device", "kernel"})

	kernelOccupancy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "spikegen_kernel_occupancy_threads",
		Help: "Estimated resident threads for the chosen block size",
	}, []string{"device", "kernel"})

	generatedBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spikegen_generated_bytes_total",
		Help: "Total bytes of source written by the generator",
	}, []string{"file"})

	generations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spikegen_generations_total",
		Help: "Total number of generate requests",
	}, []string{"source", "result"})
)

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveCompile records one nvcc run. Its signature matches nvcc.NVCC.Observe.
func ObserveCompile(module string, elapsed time.Duration, err error) {
	compileDuration.WithLabelValues(module, result(err)).Observe(elapsed.Seconds())
}

func ObserveOptimization(device string, err error) {
	optimizations.WithLabelValues(device, result(err)).Inc()
}

func SetBlockSize(device, kernel string, size, occupancy int) {
	chosenBlockSize.WithLabelValues(device, kernel).Set(float64(size))
	kernelOccupancy.WithLabelValues(device, kernel).Set(float64(occupancy))
}

func AddGeneratedBytes(file string, n int) {
	generatedBytes.WithLabelValues(file).Add(float64(n))
}

// ObserveGeneration counts a generate run started from source ("cli" or
// "api").
func ObserveGeneration(source string, err error) {
	generations.WithLabelValues(source, result(err)).Inc()
}
