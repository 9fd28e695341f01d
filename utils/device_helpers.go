// Package utils holds test helpers shared by the device-backed packages
package utils

import (
	"fmt"
	"os"
	"sync"

	"github.com/notargets/gocca"
	"k8s.io/klog/v2"
)

// BackendEnv names the environment variable that pins the OCCA backend used
// by device tests, e.g. AMGXGO_OCCA_BACKEND=CUDA
const BackendEnv = "AMGXGO_OCCA_BACKEND"

// TestBackends is the order in which TestBackend probes OCCA backends
var TestBackends = []string{"OpenMP", "CUDA", "Serial"}

var (
	backendOnce sync.Once
	backend     string
)

// BackendProps is the device property string for backend on device 0
func BackendProps(backend string) string {
	switch backend {
	case "CUDA", "HIP":
		return fmt.Sprintf(`{"mode": "%s", "device_id": 0}`, backend)
	case "OpenCL":
		return `{"mode": "OpenCL", "platform_id": 0, "device_id": 0}`
	}
	return fmt.Sprintf(`{"mode": "%s"}`, backend)
}

// TestBackend is the OCCA backend device tests run on: the one named by
// BackendEnv, otherwise the first of TestBackends that opens. The probe runs
// once per test binary.
func TestBackend() string {
	backendOnce.Do(func() {
		if b := os.Getenv(BackendEnv); b != "" {
			backend = b
			return
		}
		for _, b := range TestBackends {
			dev, err := gocca.NewDevice(BackendProps(b))
			if err != nil {
				continue
			}
			dev.Free()
			backend = b
			return
		}
		// Serial is always compiled into OCCA
		backend = "Serial"
	})
	return backend
}

// CreateTestDevice opens device 0 of TestBackend
func CreateTestDevice() *gocca.OCCADevice {
	device, err := gocca.NewDevice(BackendProps(TestBackend()))
	if err != nil {
		panic(fmt.Sprintf("open %s test device: %v", TestBackend(), err))
	}
	klog.V(1).Infof("Created %s Device", device.Mode())
	return device
}
