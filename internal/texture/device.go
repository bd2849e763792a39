package texture

// ============================================================================
// 計算裝置偵測
// ============================================================================

import (
	"os"
	"path/filepath"
)

// Device reports whether an accelerator is present.
type Device interface {
	Available() bool
	Name() string
}

// NoDevice is the CPU-only device.
type NoDevice struct{}

func (NoDevice) Available() bool { return false }
func (NoDevice) Name() string    { return "cpu" }

// DefaultDeviceNodes are the device files checked by ProbeDevice.
var DefaultDeviceNodes = []string{
	"/dev/nvidia[0-9]*",
	"/dev/dri/renderD*",
}

// NodeDevice is an accelerator detected through its device node.
type NodeDevice struct {
	node string
}

func (d NodeDevice) Available() bool { return d.node != "" }
func (d NodeDevice) Name() string {
	if d.node == "" {
		return "cpu"
	}
	return filepath.Base(d.node)
}

// ProbeDevice looks for the first existing node matching patterns
// (DefaultDeviceNodes when empty). It returns NoDevice when nothing matches.
func ProbeDevice(patterns ...string) Device {
	if len(patterns) == 0 {
		patterns = DefaultDeviceNodes
	}
	for _, p := range patterns {
		matches, err := filepath.Glob(p)
		if err != nil {
			continue
		}
		for _, m := range matches {
			if _, err := os.Stat(m); err == nil {
				return NodeDevice{node: m}
			}
		}
	}
	return NoDevice{}
}
