// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

// BuildConfig holds the options of Build.
type BuildConfig struct {
	// Name given to the compiled graph, used in logs. Defaults to the network name.
	Name string `msgpack:"name"`

	// Refittable graphs accept new weights through a Refitter.
	Refittable bool `msgpack:"refittable"`

	// MaxWorkspace limits the device memory of the intermediate tensors of one execution context,
	// in bytes. 0 means no limit.
	MaxWorkspace int64 `msgpack:"max_workspace"`
}

// DefaultBuildConfig returns the default configuration.
func DefaultBuildConfig() BuildConfig {
	return BuildConfig{}
}

// WithName returns a copy of the configuration with the given name.
func (c BuildConfig) WithName(name string) BuildConfig {
	c.Name = name
	return c
}

// WithRefittable returns a copy of the configuration with Refittable set.
func (c BuildConfig) WithRefittable(refittable bool) BuildConfig {
	c.Refittable = refittable
	return c
}

// WithMaxWorkspace returns a copy of the configuration with the workspace limit set.
func (c BuildConfig) WithMaxWorkspace(bytes int64) BuildConfig {
	c.MaxWorkspace = bytes
	return c
}
