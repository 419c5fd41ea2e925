// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// planrt builds a few sample graphs, prints their binding tables and runs inferences on them,
// optionally with several concurrent execution contexts.
//
// Compiled plans are cached in -cache_dir or in the GCS bucket -gcs_bucket, so a second run
// loads them instead of building.
//
// Example:
//
//	planrt -demo=upsample -contexts=4 -iterations=1000 -cache_dir=/tmp/plans
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/planrt/device"
	_ "github.com/gomlx/planrt/device/cpu"
	"github.com/gomlx/planrt/engine"
	"github.com/gomlx/planrt/planstore"
	"github.com/gomlx/planrt/plugin"
	"github.com/gomlx/planrt/plugin/stdplugins"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagDemo = flag.String("demo", "all", fmt.Sprintf("Demo to run, one of %s or \"all\".",
		strings.Join(demoNames(), ", ")))
	flagDevice = flag.String("device", "", fmt.Sprintf("Device configuration, e.g. \"cpu:memory=1GiB\". "+
		"If empty, $%s or the default device is used.", device.EnvDevice))
	flagContexts   = flag.Int("contexts", 1, "Number of execution contexts running concurrently.")
	flagIterations = flag.Int("iterations", 100, "Number of inferences to run, split among the contexts.")
	flagTimeout    = flag.Duration("timeout", 0, "Timeout of each inference, 0 for none.")
	flagPooled     = flag.Bool("pooled", true, "Recycle device buffers across inferences.")
	flagPinned     = flag.String("pinned", "", "If set, host buffers are allocated from a pinned memory "+
		"allocator with this maximum size, e.g. \"64MiB\".")
	flagCacheDir  = flag.String("cache_dir", "", "Directory where compiled plans are cached.")
	flagGCSBucket = flag.String("gcs_bucket", "", "Google Cloud Storage bucket where compiled plans are cached.")
	flagGCSPrefix = flag.String("gcs_prefix", "planrt/", "Prefix of the plan objects in -gcs_bucket.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagContexts < 1 || *flagIterations < 1 {
		klog.Exitf("-contexts and -iterations must be positive")
	}

	dev := newDevice()
	defer dev.Finalize()
	fmt.Printf("Device: %s\n", dev.Description())

	ctx := context.Background()
	store, closeStore := newStore(ctx)
	defer closeStore()

	registry := plugin.NewRegistry()
	must.M(stdplugins.RegisterAll(registry))
	cache := engine.NewCache(dev, registry, store)

	var pinned *device.PinnedAllocator
	if *flagPinned != "" {
		maxSize, err := humanize.ParseBytes(*flagPinned)
		if err != nil {
			klog.Exitf("invalid -pinned=%q: %v", *flagPinned, err)
		}
		pinned = device.NewPinnedAllocator(int64(maxSize))
		defer func() { must.M(pinned.Close()) }()
	}

	for _, d := range selectedDemos() {
		if err := runDemo(ctx, cache, d, pinned); err != nil {
			klog.Fatalf("demo %q failed: %+v", d.name, err)
		}
	}
	stats := cache.Stats()
	fmt.Printf("\nPlan cache: %d built, %d loaded from store, %d corrupt plans replaced\n",
		stats.Builds, stats.StoreHits, stats.CorruptPlans)
}

func newDevice() device.Device {
	if *flagDevice != "" {
		return device.NewWithConfig(*flagDevice)
	}
	return device.New()
}

// newStore returns the plan store selected by the flags, and a function to release it.
func newStore(ctx context.Context) (planstore.Store, func()) {
	switch {
	case *flagGCSBucket != "":
		gcs, err := planstore.NewGCS(ctx, *flagGCSBucket, *flagGCSPrefix)
		if err != nil {
			klog.Exitf("cannot use -gcs_bucket=%q: %+v", *flagGCSBucket, err)
		}
		return gcs, func() {
			if err := gcs.Close(); err != nil {
				klog.Warningf("closing GCS client: %v", err)
			}
		}
	case *flagCacheDir != "":
		disk, err := planstore.NewDisk(*flagCacheDir)
		if err != nil {
			klog.Exitf("cannot use -cache_dir=%q: %+v", *flagCacheDir, err)
		}
		return disk, func() {}
	default:
		return nil, func() {}
	}
}

func selectedDemos() []demo {
	if *flagDemo == "all" {
		return demos
	}
	for _, d := range demos {
		if d.name == *flagDemo {
			return []demo{d}
		}
	}
	klog.Exitf("unknown -demo=%q, valid values are %s or \"all\"", *flagDemo, strings.Join(demoNames(), ", "))
	return nil
}

// inferenceContext returns the context for one inference, honoring -timeout.
func inferenceContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if *flagTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, *flagTimeout)
}
