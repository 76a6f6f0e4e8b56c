package device

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jamesainslie/lapse/pkg/lapse/types"
)

// Options configure a driver when its Opener is constructed.
type Options struct {
	// Path is the device node, e.g. /dev/video0. Drivers may ignore it.
	Path string

	// Timeout bounds a single frame read.
	Timeout time.Duration

	// Bounds are the exposure limits of the device.
	Bounds types.ExposureBounds

	// Params carries driver-specific settings from the config file.
	Params map[string]string
}

// Factory builds an Opener from options.
type Factory func(opts Options) (Opener, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a driver available under name. Drivers call it from init.
// Registering the same name twice panics.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if f == nil {
		panic("device: Register factory is nil")
	}
	if _, dup := registry[name]; dup {
		panic("device: Register called twice for driver " + name)
	}
	registry[name] = f
}

// New returns an Opener for the named driver.
func New(name string, opts Options) (Opener, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown device driver %q (available: %v)", name, Drivers())
	}
	return f(opts)
}

// Drivers returns the registered driver names, sorted.
func Drivers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
