package npu

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rinkhals-tools/faultwatch/internal/fsutil"
	"github.com/rinkhals-tools/faultwatch/internal/monitoring"
)

// Opener binds a runtime library to a Backend.
type Opener func(libPath string) (Backend, error)

var (
	driversMu sync.RWMutex
	drivers   = map[string]Opener{}
)

// Register makes a runtime binding available to Probe. It panics on a
// duplicate name, like database/sql.Register.
func Register(name string, open Opener) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if open == nil {
		panic("npu: Register opener is nil")
	}
	if _, dup := drivers[name]; dup {
		panic("npu: Register called twice for driver " + name)
	}
	drivers[name] = open
}

// Drivers returns the sorted names of registered bindings.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for n := range drivers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func lookup(name string) (Opener, bool) {
	driversMu.RLock()
	defer driversMu.RUnlock()
	o, ok := drivers[name]
	return o, ok
}

// DefaultLibraryPaths are the locations the accelerator runtime ships in.
var DefaultLibraryPaths = []string{
	"/oem/usr/lib/librknnrt.so",
	"/usr/lib/librknnrt.so",
	"/useremain/lib/librknnrt.so",
}

// Probe returns the backend of the named driver bound to the first runtime
// library found. Any failure yields an Unavailable backend with the reason.
// An empty libPaths list skips the library check, for drivers that need none.
func Probe(fsys fsutil.FileSystem, driver string, libPaths []string) Backend {
	open, ok := lookup(driver)
	if !ok {
		return Unavailable{Reason: fmt.Sprintf("no driver %q registered", driver)}
	}

	lib := ""
	if len(libPaths) > 0 {
		for _, p := range libPaths {
			if fsys.Exists(p) {
				lib = p
				break
			}
		}
		if lib == "" {
			return Unavailable{Reason: "runtime library not found"}
		}
	}

	b, err := open(lib)
	if err != nil {
		monitoring.Logf("[NPU] driver %s failed to open %s: %v", driver, lib, err)
		return Unavailable{Reason: err.Error()}
	}
	monitoring.Logf("[NPU] using %s backend (%s)", b.Name(), lib)
	return b
}
