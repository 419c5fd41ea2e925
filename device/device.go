// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package device defines the interface to the memory of an execution device, and the tools built
// on it: the buffer Manager (with an optional pooled variant), host<->device transfers, ordered
// asynchronous Streams and the PinnedAllocator for host staging memory.
//
// Devices register themselves with Register, usually in the init() of their package, and are
// created with New or NewWithConfig:
//
//	import _ "github.com/gomlx/planrt/device/cpu"
//
//	dev := device.NewWithConfig("cpu:memory=64MiB,align=256")
//	defer dev.Finalize()
package device

import (
	"fmt"
	"os"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Address of a region of device memory. The zero Address is never returned by a successful Malloc.
type Address uint64

// String implements fmt.Stringer.
func (a Address) String() string { return fmt.Sprintf("0x%x", uint64(a)) }

// Device is the API a device needs to implement.
//
// Implementations must be safe for concurrent use.
type Device interface {
	// Name returns the short name of the device, e.g. "cpu".
	Name() string

	// Description is a longer description of the device that can be used to pretty-print.
	Description() string

	// Malloc reserves size bytes of device memory. It returns a failure.AllocationFailed error if
	// the device can't satisfy the request.
	Malloc(size int) (Address, error)

	// Free releases memory reserved with Malloc.
	Free(addr Address) error

	// CopyHostToDevice copies len(src) bytes to the device region starting at dst.
	CopyHostToDevice(dst Address, src []byte) error

	// CopyDeviceToHost copies len(dst) bytes from the device region starting at src.
	CopyDeviceToHost(dst []byte, src Address) error

	// Memory returns a direct view of size bytes of device memory starting at addr, used by kernels.
	// It's only valid until the region is freed.
	Memory(addr Address, size int) ([]byte, error)

	// MemInfo returns the free and total memory of the device, in bytes.
	MemInfo() (free, total uint64)

	// Finalize releases all the associated resources immediately, and makes the device invalid.
	Finalize()
}

// Constructor takes a config string (optionally empty) and returns a Device.
type Constructor func(config string) Device

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register a device with the given name, and a constructor that takes as input a configuration
// string that is passed along to the device constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// DefaultConfig is the device configuration used by New if PLANRT_DEVICE is not set.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// EnvDevice is the environment variable with the default device configuration to use.
const EnvDevice = "PLANRT_DEVICE"

// New returns a new default Device.
//
// The default is:
//
// 1. The environment PLANRT_DEVICE is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered device is used with an empty configuration.
//
// It panics if no device was registered.
func New() Device {
	if config, found := os.LookupEnv(EnvDevice); found {
		return NewWithConfig(config)
	}
	return NewWithConfig(DefaultConfig)
}

// NewWithConfig creates a device from a configuration formatted as "<device_name>:<device_configuration>".
// The "<device_configuration>" is device specific, usually a comma-separated list of key=value pairs,
// see ParseOptions.
func NewWithConfig(config string) Device {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered devices -- maybe import the default one with import _ "github.com/gomlx/planrt/device/cpu"?`)
	}
	name := firstRegistered
	deviceConfig := ""
	if config != "" {
		name = config
		if idx := strings.Index(config, ":"); idx != -1 {
			name = config[:idx]
			deviceConfig = config[idx+1:]
		}
	}
	constructor, found := registeredConstructors[name]
	if !found {
		exceptions.Panicf("can't find device %q for configuration %q given", name, config)
	}
	return constructor(deviceConfig)
}

// Registered returns the names of the registered devices.
func Registered() []string {
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	return names
}

// ParseOptions parses a device configuration of the form "key1=value1,key2=value2". Keys without
// a value map to "".
func ParseOptions(config string) (map[string]string, error) {
	options := make(map[string]string)
	if strings.TrimSpace(config) == "" {
		return options, nil
	}
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, errors.Errorf("empty option in device configuration %q", config)
		}
		key, value, _ := strings.Cut(part, "=")
		if _, found := options[key]; found {
			return nil, errors.Errorf("option %q given more than once in device configuration %q", key, config)
		}
		options[key] = value
	}
	return options, nil
}
