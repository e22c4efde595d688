package monitoring

import (
	"fmt"

	"github.com/shirou/gopsutil/mem"
)

// SystemMemory reports available host memory through gopsutil.
type SystemMemory struct{}

// AvailableMB returns available memory in MiB.
func (SystemMemory) AvailableMB() (int, error) {
	stat, err := mem.VirtualMemory()
	if err != nil {
		return 0, fmt.Errorf("failed to read memory stats: %w", err)
	}
	return int(stat.Available / (1024 * 1024)), nil
}
