package device

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// ErrDeviceUnavailable is returned when the requested accelerator is not present.
var ErrDeviceUnavailable = errors.New("device: requested accelerator unavailable")

// Device describes where tensors are computed.
type Device struct {
	Kind     string
	Brand    string
	Cores    int
	Threads  int
	Features []string
}

func (d Device) String() string {
	return fmt.Sprintf("%s (%s, %d cores, %s)", d.Kind, d.Brand, d.Cores, strings.Join(d.Features, ","))
}

// Detect resolves pref ("auto", "cpu", "cuda") to a concrete device.
// No GPU backend is linked, so only the CPU can be selected.
func Detect(pref string) (Device, error) {
	switch strings.ToLower(strings.TrimSpace(pref)) {
	case "", "auto", "cpu":
		return cpuDevice(), nil
	case "cuda", "gpu":
		return Device{}, fmt.Errorf("%w: %s", ErrDeviceUnavailable, pref)
	default:
		return Device{}, fmt.Errorf("device: unknown device %q", pref)
	}
}

func cpuDevice() Device {
	d := Device{
		Kind:    "cpu",
		Brand:   cpuid.CPU.BrandName,
		Cores:   cpuid.CPU.PhysicalCores,
		Threads: runtime.NumCPU(),
	}
	if d.Brand == "" {
		d.Brand = runtime.GOARCH
	}
	if d.Cores <= 0 {
		d.Cores = d.Threads
	}
	if cpuid.CPU.Supports(cpuid.AVX2) {
		d.Features = append(d.Features, "avx2")
	}
	if cpuid.CPU.Supports(cpuid.FMA3) {
		d.Features = append(d.Features, "fma3")
	}
	if cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ) {
		d.Features = append(d.Features, "avx512")
	}
	if cpuid.CPU.Supports(cpuid.ASIMD) {
		d.Features = append(d.Features, "asimd")
	}
	if len(d.Features) == 0 {
		d.Features = []string{"scalar"}
	}
	return d
}
