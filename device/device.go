// Package device describes where a rank's models live.
//
// There is no accelerator runtime behind a Device: CUDA devices are logical
// placements that keep the "one process per device" bookkeeping of a
// multi-GPU job explicit, while the arithmetic runs on the host.
package device

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// Kind is the device family
type Kind int

const (
	CPU Kind = iota
	CUDA
)

func (k Kind) String() string {
	switch k {
	case CPU:
		return "cpu"
	case CUDA:
		return "cuda"
	default:
		return "unknown"
	}
}

// Device is a placement target for model parameters
type Device struct {
	Kind  Kind
	Index int
}

// Host is the default CPU placement
var Host = Device{Kind: CPU}

// Cuda returns the logical GPU with the given index
func Cuda(index int) Device {
	return Device{Kind: CUDA, Index: index}
}

func (d Device) String() string {
	if d.Kind == CPU {
		return "cpu"
	}
	return fmt.Sprintf("%s:%d", d.Kind, d.Index)
}

// Parse reads "cpu", "cuda" or "cuda:N"
func Parse(s string) (Device, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch {
	case s == "cpu" || s == "":
		return Host, nil
	case s == "cuda":
		return Cuda(0), nil
	case strings.HasPrefix(s, "cuda:"):
		idx, err := strconv.Atoi(strings.TrimPrefix(s, "cuda:"))
		if err != nil || idx < 0 {
			return Device{}, fmt.Errorf("invalid device index in %q", s)
		}
		return Cuda(idx), nil
	default:
		return Device{}, fmt.Errorf("unknown device %q", s)
	}
}

// ForRank maps a rank onto the configured GPU id list. An empty list means
// every rank trains on the host.
func ForRank(gpuIDs []int, rank int) (Device, error) {
	if len(gpuIDs) == 0 {
		return Host, nil
	}
	if rank < 0 || rank >= len(gpuIDs) {
		return Device{}, fmt.Errorf("rank %d has no gpu id (gpu_ids=%v)", rank, gpuIDs)
	}
	return Cuda(gpuIDs[rank]), nil
}

// HalfPrecisionSupported reports whether the host converts float16 in hardware.
// Autocast still works without it, only slower.
func HalfPrecisionSupported() bool {
	return cpuid.CPU.Supports(cpuid.F16C) || cpuid.CPU.Supports(cpuid.FPHP)
}

// HostDescription summarizes the host CPU for startup logs
func HostDescription() string {
	brand := cpuid.CPU.BrandName
	if brand == "" {
		brand = cpuid.CPU.VendorString
	}
	return fmt.Sprintf("%s (%d physical / %d logical cores, f16=%t)",
		brand, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores, HalfPrecisionSupported())
}
