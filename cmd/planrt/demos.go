// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/planrt/device"
	"github.com/gomlx/planrt/engine"
	"github.com/gomlx/planrt/network"
	"github.com/gomlx/planrt/plugin"
	"github.com/gomlx/planrt/plugin/stdplugins"
	"github.com/gomlx/planrt/types/shapes"
	"github.com/gomlx/planrt/types/tensors"
	"github.com/gomlx/planrt/ui/commandline"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// demo is a sample graph with its inputs.
type demo struct {
	name, description string

	// build returns the network, its optimization profiles and build configuration.
	build func() (*network.Network, []*engine.OptimizationProfile, engine.BuildConfig)

	// inputs returns the dimensions to bind to each input and the host data of one inference.
	inputs func() (dims map[int][]int, host [][]byte)

	// refit, if set, changes the weights of the graph after the first round of inferences,
	// and a second round is run.
	refit func(cg *engine.CompiledGraph) error
}

var demos = []demo{
	{
		name:        "quantize",
		description: "float32 NCHW image quantized to int8 in a 4-wide channel vectorized layout",
		build: func() (*network.Network, []*engine.OptimizationProfile, engine.BuildConfig) {
			net := network.New("quantize")
			image := net.AddInput("image", dtypes.Float32, shapes.DynamicDim, 4, 8, 8)
			quantized := net.AddIdentity(image).SetName("quantized").
				SetDType(dtypes.Int8).SetLayout(shapes.CHW4).SetDynamicRange(-128, 128)
			net.MarkOutput(quantized)
			profile := engine.NewProfile().SetShape("image", []int{1, 4, 8, 8}, []int{2, 4, 8, 8}, []int{4, 4, 8, 8})
			return net, []*engine.OptimizationProfile{profile}, engine.DefaultBuildConfig()
		},
		inputs: func() (map[int][]int, [][]byte) {
			dims := []int{2, 4, 8, 8}
			values := make([]float32, 2*4*8*8)
			for ii := range values {
				values[ii] = float32(ii%256+1) / 256 * 128
			}
			return map[int][]int{0: dims}, [][]byte{float32Bytes(values, dims)}
		},
	},
	{
		name:        "upsample",
		description: "bilinear 2x upsampling plugin followed by layer normalization and a sigmoid",
		build: func() (*network.Network, []*engine.OptimizationProfile, engine.BuildConfig) {
			net := network.New("upsample")
			x := net.AddInput("x", dtypes.Float32, shapes.DynamicDim, 3, 16, 16)
			up := net.AddPlugin(plugin.Descriptor{Name: "Upsample", Version: stdplugins.Version, Fields: plugin.Fields{
				plugin.Int32Field("nScaleFactor", 2),
				plugin.Int32Field("bNearest", 0),
			}}, x)
			norm := net.AddPlugin(plugin.Descriptor{Name: "LayerNorm", Version: stdplugins.Version, Fields: plugin.Fields{
				plugin.Float32Field("epsilon", 1e-5),
			}}, up)
			net.MarkOutput(net.AddActivation(norm, network.Sigmoid).SetName("y"))
			profile := engine.NewProfile().SetShape("x", []int{1, 3, 16, 16}, []int{4, 3, 16, 16}, []int{8, 3, 16, 16})
			return net, []*engine.OptimizationProfile{profile}, engine.DefaultBuildConfig()
		},
		inputs: func() (map[int][]int, [][]byte) {
			dims := []int{4, 3, 16, 16}
			values := make([]float32, 4*3*16*16)
			for ii := range values {
				values[ii] = float32(math.Sin(float64(ii) / 17))
			}
			return map[int][]int{0: dims}, [][]byte{float32Bytes(values, dims)}
		},
	},
	{
		name:        "refit",
		description: "refittable fully connected layer: the kernel is replaced after the first round",
		build: func() (*network.Network, []*engine.OptimizationProfile, engine.BuildConfig) {
			net := network.New("refit")
			features := net.AddInput("features", dtypes.Float32, shapes.DynamicDim, 8)
			kernel := make([]float32, 4*8)
			for ii := range kernel {
				kernel[ii] = 1 / 8.0
			}
			dense := net.AddFullyConnected(features, 4, network.NewWeights(kernel, 4, 8),
				network.NewWeights([]float32{0, 1, 2, 3}, 4))
			dense.Producer().SetName("dense")
			net.MarkOutput(net.AddActivation(dense, network.ReLU).SetName("logits"))
			profile := engine.NewProfile().SetShape("features", []int{1, 8}, []int{16, 8}, []int{64, 8})
			return net, []*engine.OptimizationProfile{profile}, engine.DefaultBuildConfig().WithRefittable(true)
		},
		inputs: func() (map[int][]int, [][]byte) {
			dims := []int{16, 8}
			values := tensors.Arange(-64, 16*8)
			return map[int][]int{0: dims}, [][]byte{float32Bytes(values, dims)}
		},
		refit: func(cg *engine.CompiledGraph) error {
			refitter, err := engine.NewRefitter(cg)
			if err != nil {
				return err
			}
			// Output o selects feature o.
			kernel := make([]float32, 4*8)
			for o := range 4 {
				kernel[o*8+o] = 1
			}
			if err := refitter.SetWeights("dense", network.Kernel, network.NewWeights(kernel, 4, 8)); err != nil {
				return err
			}
			if missing := refitter.Missing(); len(missing) > 0 {
				return errors.Errorf("refit is missing %v", missing)
			}
			return refitter.Refit()
		},
	},
}

func demoNames() []string {
	names := make([]string, len(demos))
	for ii, d := range demos {
		names[ii] = d.name
	}
	return names
}

func float32Bytes(values []float32, dims []int) []byte {
	data, err := tensors.Bytes(shapes.Make(dtypes.Float32, dims...), shapes.Linear, values)
	if err != nil {
		klog.Fatalf("invalid demo input: %+v", err)
	}
	return data
}

func runDemo(ctx context.Context, cache *engine.Cache, d demo, pinned *device.PinnedAllocator) error {
	fmt.Println(titleStyle.Render(fmt.Sprintf("%s: %s", d.name, d.description)))
	net, profiles, config := d.build()
	start := time.Now()
	cg, err := cache.GetOrBuild(ctx, net, profiles, config.WithName(d.name))
	if err != nil {
		return err
	}
	fmt.Printf("Graph %q (%s) ready in %s, workspace per context %s\n", cg.Name(), cg.ID(),
		commandline.FormatDuration(time.Since(start)), humanize.IBytes(uint64(cg.DeviceMemorySize())))
	printBindings(cg)

	dims, host := d.inputs()
	if pinned != nil {
		for ii, data := range host {
			buf, err := pinned.Alloc(len(data))
			if err != nil {
				return err
			}
			copy(buf, data)
			host[ii] = buf
		}
		defer func() {
			for _, buf := range host {
				if err := pinned.Free(buf); err != nil {
					klog.Warningf("freeing pinned buffer: %v", err)
				}
			}
		}()
	}
	resolved, err := engine.ResolveShapes(cg, 0, dims)
	if err != nil {
		return err
	}

	outputs, err := runInferences(ctx, cg, dims, host)
	if err != nil {
		return err
	}
	if err := printOutputs(cg, resolved, outputs); err != nil {
		return err
	}
	if d.refit == nil {
		return nil
	}

	if err := d.refit(cg); err != nil {
		return err
	}
	fmt.Println("Weights refit.")
	outputs, err = runInferences(ctx, cg, dims, host)
	if err != nil {
		return err
	}
	return printOutputs(cg, resolved, outputs)
}

// runInferences runs -iterations inferences split among -contexts execution contexts, and returns
// the outputs of the first one.
func runInferences(ctx context.Context, cg *engine.CompiledGraph, dims map[int][]int, host [][]byte) ([][]byte, error) {
	manager := device.NewManager(cg.Device())
	if *flagPooled {
		manager = device.NewPooledManager(cg.Device())
	}
	defer func() {
		if err := manager.Trim(); err != nil {
			klog.Warningf("releasing pooled buffers: %v", err)
		}
	}()

	numContexts := min(*flagContexts, *flagIterations)
	pBar := commandline.NewProgressBar(*flagIterations, cg.Name(),
		func() (string, string) { return "Contexts", fmt.Sprintf("%d", numContexts) },
		func() (string, string) {
			stats := manager.Stats()
			return "Buffers allocated/reused", fmt.Sprintf("%d / %d", stats.Allocations, stats.Reuses)
		},
	)
	defer pBar.Done()

	var first [][]byte
	g, gCtx := errgroup.WithContext(ctx)
	for contextIdx := range numContexts {
		g.Go(func() error {
			execCtx, err := cg.NewContext()
			if err != nil {
				return err
			}
			defer func() {
				if err := execCtx.Close(); err != nil {
					klog.Warningf("closing execution context: %v", err)
				}
			}()
			for inputIdx, inputDims := range dims {
				if err := execCtx.BindShape(inputIdx, inputDims...); err != nil {
					return err
				}
			}
			for iteration := contextIdx; iteration < *flagIterations; iteration += numContexts {
				if err := gCtx.Err(); err != nil {
					return err
				}
				inferCtx, cancel := inferenceContext(gCtx)
				start := time.Now()
				outputs, err := execCtx.Infer(inferCtx, manager, host...)
				cancel()
				if err != nil {
					return errors.WithMessagef(err, "inference #%d", iteration)
				}
				pBar.Add(time.Since(start))
				if iteration == 0 {
					first = outputs
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return first, nil
}
