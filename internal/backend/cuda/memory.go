package cuda

import (
	"fmt"

	"github.com/samcharles93/spikegen/internal/codegen"
	"github.com/samcharles93/spikegen/internal/model"
)

const varExportPrefix = "extern"

// GenDefinitionsPreamble writes the includes, the error checking macro and
// the device helpers every generated module shares.
func (b *Backend) GenDefinitionsPreamble(os *codegen.Stream, m *model.Network) {
	os.Line("// Standard C++ includes")
	os.Line("#include <string>")
	os.Line("#include <stdexcept>")
	os.Line("#include <cstdint>")
	os.Blank()
	os.Line("// CUDA includes")
	os.Line("#include <curand_kernel.h>")
	os.Blank()
	os.Line("// ------------------------------------------------------------------------")
	os.Line("// Helper macro for error-checking CUDA calls")
	os.Line(`#define CHECK_CUDA_ERRORS(call) {\`)
	os.Line(`    cudaError_t error = call;\`)
	os.Line(`    if (error != cudaSuccess) {\`)
	os.Line(`        throw std::runtime_error(__FILE__": " + std::to_string(__LINE__) + ": cuda error " + std::to_string(error) + ": " + cudaGetErrorString(error));\`)
	os.Line(`    }\`)
	os.Line("}")
	os.Blank()
	os.Line("// Bit i (counted from the most significant end) of a bitmask word")
	os.Line("#define B(x,i) ((x) & (0x80000000 >> (i)))")
	os.Blank()

	if b.FloatAtomicAdd(m.Precision) == "atomicAddSW" {
		genSoftwareAtomicAdd(os, m.Precision)
	}
	genRandomHelpers(os, "float", "f", "curand_uniform", "curand_normal")
	genRandomHelpers(os, "double", "", "curand_uniform_double", "curand_normal_double")
}

func genSoftwareAtomicAdd(os *codegen.Stream, precision string) {
	os.Line("// software atomic add for devices without a native one")
	if precision == "double" {
		os.Block("__device__ inline double atomicAddSW(double *address, double val)", func() {
			os.Line("unsigned long long int *address_as_ull = (unsigned long long int *) address;")
			os.Line("unsigned long long int old = *address_as_ull, assumed;")
			os.Block("do", func() {
				os.Line("assumed = old;")
				os.Line("old = atomicCAS(address_as_ull, assumed, __double_as_longlong(val + __longlong_as_double(assumed)));")
			})
			os.Line("while (assumed != old);")
			os.Line("return __longlong_as_double(old);")
		})
	} else {
		os.Block("__device__ inline float atomicAddSW(float *address, float val)", func() {
			os.Line("int *address_as_int = (int *) address;")
			os.Line("int old = *address_as_int, assumed;")
			os.Block("do", func() {
				os.Line("assumed = old;")
				os.Line("old = atomicCAS(address_as_int, assumed, __float_as_int(val + __int_as_float(assumed)));")
			})
			os.Line("while (assumed != old);")
			os.Line("return __int_as_float(old);")
		})
	}
	os.Blank()
}

// genRandomHelpers writes the exponential and gamma samplers behind
// $(gennrand_exponential) and $(gennrand_gamma) for one precision.
func genRandomHelpers(os *codegen.Stream, typ, litSuffix, uniform, normal string) {
	name := "Float"
	mathSuffix := "f"
	if typ == "double" {
		name, mathSuffix = "Double", ""
	}
	lit := func(v string) string { return v + litSuffix }

	os.Line("template<typename RNG>")
	os.Block(fmt.Sprintf("__device__ inline %s exponentialDist%s(RNG *rng)", typ, name), func() {
		os.Block("while (true)", func() {
			os.Line("const %s u = %s(rng);", typ, uniform)
			os.Block(fmt.Sprintf("if (u != %s)", lit("0.0")), func() {
				os.Line("return -log%s(u);", mathSuffix)
			})
		})
	})
	os.Blank()

	os.Line("template<typename RNG>")
	os.Block(fmt.Sprintf("__device__ inline %s gammaDist%sInternal(RNG *rng, %s c, %s d)", typ, name, typ, typ), func() {
		os.Line("%s x, v, u;", typ)
		os.Block("while (true)", func() {
			os.Block("do", func() {
				os.Line("x = %s(rng);", normal)
				os.Line("v = %s + c*x;", lit("1.0"))
			})
			os.Line("while (v <= %s);", lit("0.0"))
			os.Blank()
			os.Line("v = v*v*v;")
			os.Block("do", func() {
				os.Line("u = %s(rng);", uniform)
			})
			os.Line("while (u == %s);", lit("1.0"))
			os.Blank()
			os.Line("if (u < %s - %s*x*x*x*x) break;", lit("1.0"), lit("0.0331"))
			os.Line("if (log%s(u) < %s*x*x + d*(%s - v + log%s(v))) break;", mathSuffix, lit("0.5"), lit("1.0"), mathSuffix)
		})
		os.Line("return d*v;")
	})
	os.Blank()

	os.Line("template<typename RNG>")
	os.Block(fmt.Sprintf("__device__ inline %s gammaDist%s(RNG *rng, %s a)", typ, name, typ), func() {
		os.Block("if (a > 1)", func() {
			os.Line("const %s u = %s(rng);", typ, uniform)
			os.Line("const %s d = (%s + a) - %s / %s;", typ, lit("1.0"), lit("1.0"), lit("3.0"))
			os.Line("const %s c = (%s / %s) / sqrt%s(d);", typ, lit("1.0"), lit("3.0"), mathSuffix)
			os.Line("return gammaDist%sInternal(rng, c, d) * pow%s(u, %s / a);", name, mathSuffix, lit("1.0"))
		})
		os.Block("else", func() {
			os.Line("const %s d = a - %s / %s;", typ, lit("1.0"), lit("3.0"))
			os.Line("const %s c = (%s / %s) / sqrt%s(d);", typ, lit("1.0"), lit("3.0"), mathSuffix)
			os.Line("return gammaDist%sInternal(rng, c, d);", name)
		})
	})
	os.Blank()
}

// GenRunnerPreamble writes the host helpers used by allocation code.
func (b *Backend) GenRunnerPreamble(os *codegen.Stream) {
	os.Line("// ------------------------------------------------------------------------")
	os.Line("// Helper function for allocating memory blocks on the GPU device")
	os.Blank()
	os.Line("template<class T>")
	os.Block("void deviceMemAllocate(T* hostPtr, const T &devSymbol, size_t size)", func() {
		os.Line("void *devptr;")
		os.Line("CHECK_CUDA_ERRORS(cudaMalloc(hostPtr, size));")
		os.Line("CHECK_CUDA_ERRORS(cudaGetSymbolAddress(&devptr, devSymbol));")
		os.Line("CHECK_CUDA_ERRORS(cudaMemcpy(devptr, hostPtr, sizeof(void*), cudaMemcpyHostToDevice));")
	})
	os.Blank()
	os.Line("// ------------------------------------------------------------------------")
	os.Line("// Helper function for getting the device pointer corresponding to a zero-copied host pointer and assigning it to a symbol")
	os.Blank()
	os.Line("template<class T>")
	os.Block("void deviceZeroCopy(T hostPtr, const T *devPtr, const T &devSymbol)", func() {
		os.Line("CHECK_CUDA_ERRORS(cudaHostGetDevicePointer((void **)devPtr, (void*)hostPtr, 0));")
		os.Line("void *devSymbolPtr;")
		os.Line("CHECK_CUDA_ERRORS(cudaGetSymbolAddress(&devSymbolPtr, devSymbol));")
		os.Line("CHECK_CUDA_ERRORS(cudaMemcpy(devSymbolPtr, devPtr, sizeof(void*), cudaMemcpyHostToDevice));")
	})
	os.Blank()
}

// GenAllocateMemPreamble selects the tuned device by PCI bus id, since
// ordinals can change between runs, and enables host mapping when needed.
func (b *Backend) GenAllocateMemPreamble(os *codegen.Stream, m *model.Network) error {
	os.Line("int deviceID;")
	os.Line("CHECK_CUDA_ERRORS(cudaDeviceGetByPCIBusId(&deviceID, %q));", b.device.PCIBusID)
	os.Line("CHECK_CUDA_ERRORS(cudaSetDevice(deviceID));")
	if m.ZeroCopyInUse() {
		if !b.device.CanMapHostMemory {
			return fmt.Errorf("%w: %s", ErrZeroCopyUnsupported, b.device.Name)
		}
		os.Line("CHECK_CUDA_ERRORS(cudaSetDeviceFlags(cudaDeviceMapHost));")
	}
	return nil
}

func (b *Backend) GenVariableDefinition(os *codegen.Stream, typ, name string, loc model.VarLocation) {
	if loc.Host() {
		os.Line("%s %s %s;", varExportPrefix, typ, name)
	}
	if loc.Device() {
		os.Line("%s %s d_%s;", varExportPrefix, typ, name)
		os.Line("%s __device__ %s dd_%s;", varExportPrefix, typ, name)
	}
}

func (b *Backend) GenVariableImplementation(os *codegen.Stream, typ, name string, loc model.VarLocation) {
	if loc.Host() {
		os.Line("%s %s;", typ, name)
	}
	if loc.Device() {
		os.Line("%s d_%s;", typ, name)
		os.Line("__device__ %s dd_%s;", typ, name)
	}
}

// GenVariableAllocation pins host memory so copies are fast, and maps it
// instead of allocating device memory when the variable is zero-copy.
func (b *Backend) GenVariableAllocation(os *codegen.Stream, typ, name string, loc model.VarLocation, count int) {
	if loc.Host() {
		flags := "cudaHostAllocPortable"
		if loc.ZeroCopy() {
			flags = "cudaHostAllocMapped"
		}
		os.Line("CHECK_CUDA_ERRORS(cudaHostAlloc(&%s, %d * sizeof(%s), %s));", name, count, typ, flags)
	}
	if loc.Device() {
		if loc.ZeroCopy() {
			os.Line("deviceZeroCopy(%s, &d_%s, dd_%s);", name, name, name)
		} else {
			os.Line("deviceMemAllocate(&d_%s, dd_%s, %d * sizeof(%s));", name, name, count, typ)
		}
	}
}

func (b *Backend) GenVariableFree(os *codegen.Stream, name string, loc model.VarLocation) {
	if loc.Host() {
		os.Line("CHECK_CUDA_ERRORS(cudaFreeHost(%s));", name)
	}
	if loc.Device() && !loc.ZeroCopy() {
		os.Line("CHECK_CUDA_ERRORS(cudaFree(d_%s));", name)
	}
}

// GenVariablePush copies a variable to the device. Variables initialised on
// the device are skipped when only uninitialised state is requested.
func (b *Backend) GenVariablePush(os *codegen.Stream, typ, name string, loc model.VarLocation, autoInitialized bool, count int) {
	if !loc.CanPushPull() {
		return
	}
	memcpy := func() {
		os.Line("CHECK_CUDA_ERRORS(cudaMemcpy(d_%s, %s, %d * sizeof(%s), cudaMemcpyHostToDevice));", name, name, count, typ)
	}
	if autoInitialized {
		os.Block("if(!uninitialisedOnly)", memcpy)
		return
	}
	memcpy()
}

func (b *Backend) GenVariablePull(os *codegen.Stream, typ, name string, loc model.VarLocation, count int) {
	if !loc.CanPushPull() {
		return
	}
	os.Line("CHECK_CUDA_ERRORS(cudaMemcpy(%s, d_%s, %d * sizeof(%s), cudaMemcpyDeviceToHost));", name, name, count, typ)
}

// GenCurrentSpikePush copies only the current queue slot's spikes.
func (b *Backend) GenCurrentSpikePush(os *codegen.Stream, ng *model.NeuronGroup, spikeEvent bool) {
	b.genCurrentSpikeCopy(os, ng, spikeEvent, true)
}

func (b *Backend) GenCurrentSpikePull(os *codegen.Stream, ng *model.NeuronGroup, spikeEvent bool) {
	b.genCurrentSpikeCopy(os, ng, spikeEvent, false)
}

func (b *Backend) genCurrentSpikeCopy(os *codegen.Stream, ng *model.NeuronGroup, spikeEvent, push bool) {
	loc, delayed := ng.SpikeLocation, ng.SpikeQueueDelayed()
	cnt, spk := "glbSpkCnt"+ng.Name, "glbSpk"+ng.Name
	if spikeEvent {
		if !ng.SpikeEventRequired() {
			return
		}
		loc, delayed = ng.SpikeEventLocation, ng.SpikeEventQueueDelayed()
		cnt, spk = "glbSpkCntEvnt"+ng.Name, "glbSpkEvnt"+ng.Name
	}
	if !loc.CanPushPull() {
		return
	}

	memcpy := func(dst, src, size, kind string) {
		os.Line("CHECK_CUDA_ERRORS(cudaMemcpy(%s, %s, %s, %s));", dst, src, size, kind)
	}
	kind := "cudaMemcpyDeviceToHost"
	dev, host := func(s string) string { return "d_" + s }, func(s string) string { return s }
	to, from := host, dev
	if push {
		kind = "cudaMemcpyHostToDevice"
		to, from = dev, host
	}

	if delayed {
		ptr := "spkQuePtr" + ng.Name
		offset := fmt.Sprintf(" + (%s * %d)", ptr, ng.Size)
		memcpy(to(cnt)+" + "+ptr, from(cnt)+" + "+ptr, "sizeof(unsigned int)", kind)
		memcpy(to(spk)+offset, from(spk)+offset, fmt.Sprintf("%s[%s] * sizeof(unsigned int)", cnt, ptr), kind)
		return
	}
	memcpy(to(cnt), from(cnt), "sizeof(unsigned int)", kind)
	memcpy(to(spk), from(spk), cnt+"[0] * sizeof(unsigned int)", kind)
}

// GenGlobalRNG declares the single Philox stream used for initialisation.
func (b *Backend) GenGlobalRNG(defs, runner, alloc, free *codegen.Stream) {
	b.GenVariableDefinition(defs, "curandStatePhilox4_32_10_t*", "rng", model.LocDevice)
	b.GenVariableImplementation(runner, "curandStatePhilox4_32_10_t*", "rng", model.LocDevice)
	b.GenVariableAllocation(alloc, "curandStatePhilox4_32_10_t", "rng", model.LocDevice, 1)
	b.GenVariableFree(free, "rng", model.LocDevice)
}

// GenPopulationRNG declares one XORWOW state per neuron.
func (b *Backend) GenPopulationRNG(defs, runner, alloc, free *codegen.Stream, name string, count int) {
	b.GenVariableDefinition(defs, "curandState*", name, model.LocDevice)
	b.GenVariableImplementation(runner, "curandState*", name, model.LocDevice)
	b.GenVariableAllocation(alloc, "curandState", name, model.LocDevice, count)
	b.GenVariableFree(free, name, model.LocDevice)
}
