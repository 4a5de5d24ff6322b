//go:build cuda

package native

/*
#cgo LDFLAGS: -lcuda

// Minimal CUDA driver API forward declarations to avoid requiring headers at compile time.
// Linker will still require libcuda when building with the cuda tag.
#include <stddef.h>
#include <stdlib.h>

typedef int CUresult;
typedef int CUdevice;
typedef struct CUctx_st* CUcontext;
typedef struct CUmod_st* CUmodule;
typedef struct CUfunc_st* CUfunction;

extern CUresult cuInit(unsigned int flags);
extern CUresult cuDriverGetVersion(int* version);
extern CUresult cuGetErrorName(CUresult error, const char** str);
extern CUresult cuDeviceGetCount(int* count);
extern CUresult cuDeviceGet(CUdevice* device, int ordinal);
extern CUresult cuDeviceGetName(char* name, int len, CUdevice dev);
extern CUresult cuDeviceGetAttribute(int* value, int attrib, CUdevice dev);
extern CUresult cuDeviceTotalMem_v2(size_t* bytes, CUdevice dev);
extern CUresult cuDeviceGetPCIBusId(char* busId, int len, CUdevice dev);
extern CUresult cuCtxCreate_v2(CUcontext* ctx, unsigned int flags, CUdevice dev);
extern CUresult cuCtxSetCurrent(CUcontext ctx);
extern CUresult cuCtxDestroy_v2(CUcontext ctx);
extern CUresult cuModuleLoad(CUmodule* module, const char* fname);
extern CUresult cuModuleUnload(CUmodule module);
extern CUresult cuModuleGetFunction(CUfunction* fn, CUmodule module, const char* name);
extern CUresult cuFuncGetAttribute(int* value, int attrib, CUfunction fn);

#define SPIKEGEN_CUDA_ERROR_NOT_FOUND 500

static const char* spikegenCuErrorName(int code) {
	const char* name = 0;
	if (cuGetErrorName((CUresult)code, &name) != 0 || name == 0) {
		return "CUDA_ERROR_UNKNOWN";
	}
	return name;
}

static int spikegenCuInit(void) {
	return (int)cuInit(0);
}

static int spikegenCuDriverGetVersion(int* out) {
	return (int)cuDriverGetVersion(out);
}

static int spikegenCuDeviceGetCount(int* out) {
	return (int)cuDeviceGetCount(out);
}

static int spikegenCuDeviceGet(CUdevice* out, int ordinal) {
	return (int)cuDeviceGet(out, ordinal);
}

static int spikegenCuDeviceGetName(char* name, int len, CUdevice dev) {
	return (int)cuDeviceGetName(name, len, dev);
}

static int spikegenCuDeviceGetAttribute(int* out, int attrib, CUdevice dev) {
	return (int)cuDeviceGetAttribute(out, attrib, dev);
}

static int spikegenCuDeviceTotalMem(unsigned long long* out, CUdevice dev) {
	size_t bytes = 0;
	CUresult err = cuDeviceTotalMem_v2(&bytes, dev);
	*out = (unsigned long long)bytes;
	return (int)err;
}

static int spikegenCuDeviceGetPCIBusId(char* busId, int len, CUdevice dev) {
	return (int)cuDeviceGetPCIBusId(busId, len, dev);
}

static int spikegenCuCtxCreate(CUcontext* out, CUdevice dev) {
	return (int)cuCtxCreate_v2(out, 0, dev);
}

static int spikegenCuCtxSetCurrent(CUcontext ctx) {
	return (int)cuCtxSetCurrent(ctx);
}

static int spikegenCuCtxDestroy(CUcontext ctx) {
	return (int)cuCtxDestroy_v2(ctx);
}

static int spikegenCuModuleLoad(CUmodule* out, const char* path) {
	return (int)cuModuleLoad(out, path);
}

static int spikegenCuModuleUnload(CUmodule module) {
	return (int)cuModuleUnload(module);
}

static int spikegenCuModuleGetFunction(CUfunction* out, CUmodule module, const char* name) {
	return (int)cuModuleGetFunction(out, module, name);
}

static int spikegenCuFuncGetAttribute(int* out, int attrib, CUfunction fn) {
	return (int)cuFuncGetAttribute(out, attrib, fn);
}
*/
import "C"

import (
	"fmt"
	"unsafe"
)

// DeviceAttribute values from CUdevice_attribute.
type DeviceAttribute int

const (
	AttrMaxThreadsPerBlock          DeviceAttribute = 1
	AttrMaxGridDimX                 DeviceAttribute = 5
	AttrMaxGridDimY                 DeviceAttribute = 6
	AttrMaxGridDimZ                 DeviceAttribute = 7
	AttrMaxSharedMemoryPerBlock     DeviceAttribute = 8
	AttrWarpSize                    DeviceAttribute = 10
	AttrMaxRegistersPerBlock        DeviceAttribute = 12
	AttrMultiprocessorCount         DeviceAttribute = 16
	AttrCanMapHostMemory            DeviceAttribute = 19
	AttrMaxThreadsPerMultiprocessor DeviceAttribute = 39
	AttrComputeCapabilityMajor      DeviceAttribute = 75
	AttrComputeCapabilityMinor      DeviceAttribute = 76
	AttrMaxSharedMemoryPerMP        DeviceAttribute = 81
	AttrMaxRegistersPerMP           DeviceAttribute = 82
)

// FuncAttribute values from CUfunction_attribute.
type FuncAttribute int

const (
	FuncAttrSharedSizeBytes FuncAttribute = 1
	FuncAttrNumRegs         FuncAttribute = 4
)

type Device struct {
	h C.CUdevice
}

type Context struct {
	ptr C.CUcontext
}

type Module struct {
	ptr C.CUmodule
}

type Function struct {
	ptr C.CUfunction
}

func Init() error {
	return cuErr(C.spikegenCuInit())
}

func DriverVersion() (int, error) {
	var v C.int
	if err := cuErr(C.spikegenCuDriverGetVersion(&v)); err != nil {
		return 0, err
	}
	return int(v), nil
}

func DeviceCount() (int, error) {
	var count C.int
	if err := cuErr(C.spikegenCuDeviceGetCount(&count)); err != nil {
		return 0, err
	}
	return int(count), nil
}

func GetDevice(ordinal int) (Device, error) {
	var dev C.CUdevice
	if err := cuErr(C.spikegenCuDeviceGet(&dev, C.int(ordinal))); err != nil {
		return Device{}, err
	}
	return Device{h: dev}, nil
}

func (d Device) Name() (string, error) {
	buf := make([]byte, 256)
	if err := cuErr(C.spikegenCuDeviceGetName((*C.char)(unsafe.Pointer(&buf[0])), C.int(len(buf)), d.h)); err != nil {
		return "", err
	}
	return C.GoString((*C.char)(unsafe.Pointer(&buf[0]))), nil
}

func (d Device) Attribute(attr DeviceAttribute) (int, error) {
	var v C.int
	if err := cuErr(C.spikegenCuDeviceGetAttribute(&v, C.int(attr), d.h)); err != nil {
		return 0, err
	}
	return int(v), nil
}

func (d Device) TotalMem() (uint64, error) {
	var bytes C.ulonglong
	if err := cuErr(C.spikegenCuDeviceTotalMem(&bytes, d.h)); err != nil {
		return 0, err
	}
	return uint64(bytes), nil
}

func (d Device) PCIBusID() (string, error) {
	buf := make([]byte, 32)
	if err := cuErr(C.spikegenCuDeviceGetPCIBusId((*C.char)(unsafe.Pointer(&buf[0])), C.int(len(buf)), d.h)); err != nil {
		return "", err
	}
	return C.GoString((*C.char)(unsafe.Pointer(&buf[0]))), nil
}

func NewContext(d Device) (Context, error) {
	var ctx C.CUcontext
	if err := cuErr(C.spikegenCuCtxCreate(&ctx, d.h)); err != nil {
		return Context{}, err
	}
	return Context{ptr: ctx}, nil
}

func (c Context) SetCurrent() error {
	return cuErr(C.spikegenCuCtxSetCurrent(c.ptr))
}

func (c Context) Destroy() error {
	if c.ptr == nil {
		return nil
	}
	return cuErr(C.spikegenCuCtxDestroy(c.ptr))
}

func LoadModule(path string) (Module, error) {
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))
	var mod C.CUmodule
	if err := cuErr(C.spikegenCuModuleLoad(&mod, cpath)); err != nil {
		return Module{}, err
	}
	return Module{ptr: mod}, nil
}

func (m Module) Unload() error {
	if m.ptr == nil {
		return nil
	}
	return cuErr(C.spikegenCuModuleUnload(m.ptr))
}

// Function looks up a kernel by name. A missing kernel is reported as
// false rather than an error.
func (m Module) Function(name string) (Function, bool, error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	var fn C.CUfunction
	code := C.spikegenCuModuleGetFunction(&fn, m.ptr, cname)
	if code == C.SPIKEGEN_CUDA_ERROR_NOT_FOUND {
		return Function{}, false, nil
	}
	if err := cuErr(code); err != nil {
		return Function{}, false, err
	}
	return Function{ptr: fn}, true, nil
}

func (f Function) Attribute(attr FuncAttribute) (int, error) {
	var v C.int
	if err := cuErr(C.spikegenCuFuncGetAttribute(&v, C.int(attr), f.ptr)); err != nil {
		return 0, err
	}
	return int(v), nil
}

func cuErr(code C.int) error {
	if code == 0 {
		return nil
	}
	name := C.GoString(C.spikegenCuErrorName(code))
	return fmt.Errorf("cuda driver error %d: %s", int(code), name)
}
