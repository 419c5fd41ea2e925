// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"sync"

	"github.com/gomlx/planrt/device"
	"github.com/gomlx/planrt/failure"
	"github.com/gomlx/planrt/network"
	"github.com/gomlx/planrt/planstore"
	"github.com/gomlx/planrt/plugin"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
	"k8s.io/klog/v2"
)

// Key returns the content key of a build: the hex encoded sha256 of the network description,
// the optimization profiles and the build configuration.
//
// Equal inputs always give the same key, regardless of the order the profile ranges were set.
func Key(net *network.Network, profiles []*OptimizationProfile, config BuildConfig) (string, error) {
	encoded, err := encodeSorted(&planWire{
		Description: net.Description(),
		Profiles:    profiles,
		Config:      config,
	})
	if err != nil {
		return "", errors.Wrapf(err, "encoding network %q for its key", net.Name())
	}
	hash := sha256.Sum256(encoded)
	return hex.EncodeToString(hash[:]), nil
}

// CacheStats counts how GetOrBuild requests were served.
type CacheStats struct {
	// MemoryHits were served from the graphs already loaded by the cache.
	MemoryHits int
	// StoreHits were deserialized from the Store.
	StoreHits int
	// Builds were compiled, because neither the memory nor the store had them.
	Builds int
	// CorruptPlans found in the store, and rebuilt.
	CorruptPlans int
}

// Cache of CompiledGraphs by content Key, backed by an optional planstore.Store.
//
// Concurrent requests for the same key are built only once. The graphs returned are shared: refitting
// one affects every user of the cache.
type Cache struct {
	dev      device.Device
	registry *plugin.Registry
	store    planstore.Store

	group singleflight.Group

	mu     sync.Mutex
	graphs map[string]*CompiledGraph
	stats  CacheStats
}

// NewCache creates a Cache compiling for dev. registry is used for plugin layers (it may be nil),
// and store (it may be nil) to persist the plans.
func NewCache(dev device.Device, registry *plugin.Registry, store planstore.Store) *Cache {
	return &Cache{
		dev:      dev,
		registry: registry,
		store:    store,
		graphs:   make(map[string]*CompiledGraph),
	}
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Cache) count(fn func(s *CacheStats)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.stats)
}

func (c *Cache) lookup(key string) *CompiledGraph {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.graphs[key]
}

// GetOrBuild returns the CompiledGraph for the network, profiles and configuration: from memory,
// from the store, or built (and then saved in the store).
//
// A plan in the store that fails to load with failure.CorruptPlan is rebuilt and overwritten.
func (c *Cache) GetOrBuild(ctx context.Context, net *network.Network, profiles []*OptimizationProfile, config BuildConfig) (*CompiledGraph, error) {
	key, err := Key(net, profiles, config)
	if err != nil {
		return nil, err
	}
	if cg := c.lookup(key); cg != nil {
		c.count(func(s *CacheStats) { s.MemoryHits++ })
		klog.V(1).Infof("plan cache: memory hit for %q (%s)", net.Name(), key)
		return cg, nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		if cg := c.lookup(key); cg != nil {
			c.count(func(s *CacheStats) { s.MemoryHits++ })
			return cg, nil
		}
		cg, err := c.load(ctx, key)
		if err != nil {
			return nil, err
		}
		if cg == nil {
			cg, err = c.build(ctx, key, net, profiles, config)
			if err != nil {
				return nil, err
			}
		}
		c.mu.Lock()
		c.graphs[key] = cg
		c.mu.Unlock()
		return cg, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*CompiledGraph), nil
}

// load returns the graph from the store, or nil if it's not there or is corrupt.
func (c *Cache) load(ctx context.Context, key string) (*CompiledGraph, error) {
	if c.store == nil {
		return nil, nil
	}
	data, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			klog.Warningf("plan cache: reading plan %s: %+v", key, err)
		}
		return nil, nil
	}
	cg, err := Deserialize(c.dev, data, c.registry)
	if err != nil {
		if failure.KindOf(err) == failure.CorruptPlan {
			klog.Warningf("plan cache: plan %s is corrupt, rebuilding: %v", key, err)
			c.count(func(s *CacheStats) { s.CorruptPlans++ })
			return nil, nil
		}
		return nil, err
	}
	c.count(func(s *CacheStats) { s.StoreHits++ })
	klog.V(1).Infof("plan cache: loaded %q (%s) from store", cg.Name(), key)
	return cg, nil
}

func (c *Cache) build(ctx context.Context, key string, net *network.Network, profiles []*OptimizationProfile, config BuildConfig) (*CompiledGraph, error) {
	cg, err := Build(c.dev, net, profiles, c.registry, config)
	if err != nil {
		return nil, err
	}
	c.count(func(s *CacheStats) { s.Builds++ })
	klog.V(1).Infof("plan cache: built %q (%s)", cg.Name(), key)
	if c.store == nil {
		return cg, nil
	}
	data, err := cg.Serialize()
	if err == nil {
		err = c.store.Put(ctx, key, data)
	}
	if err != nil {
		klog.Warningf("plan cache: saving plan %s: %+v", key, err)
	}
	return cg, nil
}
