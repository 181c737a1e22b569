//go:build nogpu

package compute

import "fmt"

// Builds tagged nogpu carry no wgpu dependency; asking for the GPU fails
// and Auto falls straight through to the CPU.

type deviceBuf struct{}

func newGPUBackend() (Backend, error) {
	return nil, fmt.Errorf("%w: built with nogpu", ErrBackendUnavailable)
}
