// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine_test

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/planrt/device"
	"github.com/gomlx/planrt/engine"
	"github.com/gomlx/planrt/failure"
	"github.com/gomlx/planrt/network"
	"github.com/gomlx/planrt/planstore"
	"github.com/gomlx/planrt/plugin"
	"github.com/gomlx/planrt/plugin/stdplugins"
	"github.com/gomlx/planrt/types/shapes"
	"github.com/google/go-cmp/cmp"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// refitNetwork has two independent branches over x [1, 4]: a fully connected layer "fc" and a
// per-channel scale "scale".
func refitNetwork() *network.Network {
	net := network.New("refit")
	x := net.AddInput("x", dtypes.Float32, 1, 4)
	fc := net.AddFullyConnected(x, 2,
		network.NewWeights([]float32{1, 1, 1, 1, 1, -1, 1, -1}, 2, 4),
		network.NewWeights([]float32{0, 100}, 2))
	fc.Producer().SetName("fc")
	sc := net.AddScale(x,
		network.NewWeights([]float32{1, 2, 3, 4}, 4),
		network.NewWeights([]float32{0, 0, 0, 1}, 4))
	sc.Producer().SetName("scale")
	net.MarkOutput(fc.SetName("fc_out"), sc.SetName("scale_out"))
	return net
}

func infer(t *testing.T, cg *engine.CompiledGraph, dev device.Device, inputs ...[]byte) [][]byte {
	ctx := must.M1(cg.NewContext())
	defer func() { require.NoError(t, ctx.Close()) }()
	outputs, err := ctx.Infer(context.Background(), device.NewManager(dev), inputs...)
	require.NoError(t, err)
	return outputs
}

func TestSerialize(t *testing.T) {
	dev := newDevice(t)
	registry := plugin.NewRegistry()
	require.NoError(t, stdplugins.RegisterAll(registry))
	net := network.New("serialize")
	x := net.AddInput("x", dtypes.Float32, shapes.DynamicDim, 2, 2, 2)
	norm := net.AddPlugin(plugin.Descriptor{Name: "LayerNorm", Version: stdplugins.Version}, x)
	net.MarkOutput(net.AddActivation(norm, network.Sigmoid))
	profiles := []*engine.OptimizationProfile{
		engine.NewProfile().SetShape("x", []int{1, 2, 2, 2}, []int{2, 2, 2, 2}, []int{4, 2, 2, 2}),
		engine.NewProfile().SetShape("x", []int{8, 2, 2, 2}, []int{8, 2, 2, 2}, []int{16, 2, 2, 2}),
	}
	cg := must.M1(engine.Build(dev, net, profiles, registry, engine.DefaultBuildConfig().WithName("serialize_test")))

	blob, err := cg.Serialize()
	require.NoError(t, err)
	cg2, err := engine.Deserialize(dev, blob, registry)
	require.NoError(t, err)
	assert.Equal(t, cg.ID(), cg2.ID())
	assert.Equal(t, cg.Name(), cg2.Name())
	assert.Equal(t, cg.DeviceMemorySize(), cg2.DeviceMemorySize())
	assert.Equal(t, 2, cg2.NumProfiles())
	if diff := cmp.Diff(cg.Bindings(), cg2.Bindings()); diff != "" {
		t.Errorf("bindings differ after round trip (-before +after):\n%s", diff)
	}

	input := float32Bytes(t, []float32{1, 2, 3, 4, 5, 6, 7, 8, -1, -2, -3, -4, 0, 0, 0, 1}, 2, 2, 2, 2)
	var results [][]byte
	for _, graph := range []*engine.CompiledGraph{cg, cg2} {
		ctx := must.M1(graph.NewContext())
		require.NoError(t, ctx.BindShape(0, 2, 2, 2, 2))
		outputs, err := ctx.Infer(context.Background(), device.NewManager(dev), input)
		require.NoError(t, err)
		require.NoError(t, ctx.Close())
		results = append(results, outputs[0])
	}
	assert.Equal(t, results[0], results[1], "outputs must be bit identical")

	// Corruptions.
	_, err = engine.Deserialize(dev, blob[:10], registry)
	require.ErrorIs(t, err, failure.ErrCorruptPlan)
	tampered := append([]byte(nil), blob...)
	tampered[len(tampered)-1] ^= 0xFF
	_, err = engine.Deserialize(dev, tampered, registry)
	require.ErrorIs(t, err, failure.ErrCorruptPlan)
	tampered = append([]byte(nil), blob...)
	copy(tampered, "NOPE")
	_, err = engine.Deserialize(dev, tampered, registry)
	require.ErrorIs(t, err, failure.ErrCorruptPlan)

	// A compressed body size larger than any lz4 expansion of the payload is rejected before decompressing.
	oversized := make([]byte, 24)
	copy(oversized, "PLRT")
	binary.LittleEndian.PutUint16(oversized[4:], 1)
	binary.LittleEndian.PutUint16(oversized[6:], 1)
	binary.LittleEndian.PutUint32(oversized[8:], 0xFFFFFFF0)
	_, err = engine.Deserialize(dev, oversized, registry)
	require.ErrorIs(t, err, failure.ErrCorruptPlan)
	require.ErrorContains(t, err, "not possible")

	// Plugins are still resolved against the registry.
	_, err = engine.Deserialize(dev, blob, plugin.NewRegistry())
	require.ErrorIs(t, err, failure.ErrPluginNotFound)
}

func TestRefit(t *testing.T) {
	dev := newDevice(t)
	net := refitNetwork()
	input := float32Bytes(t, []float32{1, 2, 3, 4}, 1, 4)

	fixed := must.M1(engine.Build(dev, net, nil, nil, engine.DefaultBuildConfig()))
	_, err := engine.NewRefitter(fixed)
	require.ErrorIs(t, err, failure.ErrNotRefittable)

	cg := must.M1(engine.Build(dev, net, nil, nil, engine.DefaultBuildConfig().WithRefittable(true)))
	before := infer(t, cg, dev, input)
	assert.Equal(t, []float32{10, 98}, readFloat32(t, before[0], 1, 2))
	assert.Equal(t, []float32{1, 4, 9, 17}, readFloat32(t, before[1], 1, 4))

	refitter := must.M1(engine.NewRefitter(cg))
	assert.Equal(t, []engine.WeightsKey{
		{Layer: "fc", Role: network.Kernel}, {Layer: "fc", Role: network.Bias},
		{Layer: "scale", Role: network.Kernel}, {Layer: "scale", Role: network.Bias},
	}, refitter.All())

	newKernel := network.NewWeights([]float32{2, 0, 0, 0, 0, 0, 0, 1}, 2, 4)
	require.ErrorIs(t, refitter.SetWeights("nope", network.Kernel, newKernel), failure.ErrInvalidArgument)
	require.ErrorIs(t, refitter.SetWeights("fc", network.Constant, newKernel), failure.ErrUnknownWeightRole)
	require.ErrorIs(t, refitter.SetWeights("fc", network.Kernel, network.NewWeights([]float32{1, 2}, 1, 2)), failure.ErrInvalidWeights)
	require.ErrorIs(t, refitter.SetWeights("fc", network.Kernel, network.NewWeights([]float32{1, 2}, 2, 4)), failure.ErrInvalidWeights)
	require.ErrorIs(t, refitter.SetWeights("fc", network.Kernel, network.NewWeights(make([]float32, 8), 8)), failure.ErrInvalidWeights)

	require.NoError(t, refitter.SetWeights("fc", network.Kernel, newKernel))
	assert.Empty(t, refitter.Missing())
	require.NoError(t, refitter.Refit())

	after := infer(t, cg, dev, input)
	assert.Equal(t, []float32{2, 104}, readFloat32(t, after[0], 1, 2), "fc uses the new kernel")
	assert.Equal(t, before[1], after[1], "scale is unchanged")

	// Scale and shift of a scale layer are refit together.
	require.NoError(t, refitter.SetWeights("scale", network.Kernel, network.NewWeights([]float32{1, 1, 1, 1}, 4)))
	assert.Equal(t, []engine.WeightsKey{{Layer: "scale", Role: network.Bias}}, refitter.Missing())
	require.ErrorIs(t, refitter.Refit(), failure.ErrInvalidWeights)
	require.NoError(t, refitter.SetWeights("scale", network.Bias, network.NewWeights([]float32{0, 0, 0, 0}, 4)))
	require.NoError(t, refitter.Refit())
	assert.Equal(t, []float32{1, 2, 3, 4}, readFloat32(t, infer(t, cg, dev, input)[1], 1, 4))

	// Serialization keeps the refit weights.
	cg2 := must.M1(engine.Deserialize(dev, must.M1(cg.Serialize()), nil))
	assert.Equal(t, []float32{2, 104}, readFloat32(t, infer(t, cg2, dev, input)[0], 1, 2))
}

func TestCache(t *testing.T) {
	dev := newDevice(t)
	store := planstore.NewMemory()
	config := engine.DefaultBuildConfig()
	profiles := batchProfile(2, 4, 8)

	key := must.M1(engine.Key(sumReluNetwork(), profiles, config))
	assert.Equal(t, key, must.M1(engine.Key(sumReluNetwork(), batchProfile(2, 4, 8), config)))
	assert.NotEqual(t, key, must.M1(engine.Key(sumReluNetwork(), batchProfile(2, 4, 16), config)))
	assert.NotEqual(t, key, must.M1(engine.Key(sumReluNetwork(), profiles, config.WithRefittable(true))))
	assert.Len(t, key, 64)

	cache := engine.NewCache(dev, nil, store)
	var g errgroup.Group
	graphs := make([]*engine.CompiledGraph, 8)
	for ii := range graphs {
		g.Go(func() (err error) {
			graphs[ii], err = cache.GetOrBuild(context.Background(), sumReluNetwork(), profiles, config)
			return
		})
	}
	require.NoError(t, g.Wait())
	for _, cg := range graphs[1:] {
		assert.Same(t, graphs[0], cg)
	}
	stats := cache.Stats()
	assert.Equal(t, 1, stats.Builds)
	assert.Equal(t, 0, stats.StoreHits)
	assert.Equal(t, 1, store.Len())

	// A new cache loads the plan from the store.
	cache = engine.NewCache(dev, nil, store)
	cg := must.M1(cache.GetOrBuild(context.Background(), sumReluNetwork(), profiles, config))
	assert.Equal(t, graphs[0].ID(), cg.ID())
	assert.Equal(t, engine.CacheStats{StoreHits: 1}, cache.Stats())

	// Corrupt plans are rebuilt and overwritten.
	require.NoError(t, store.Put(context.Background(), key, []byte("garbage")))
	cache = engine.NewCache(dev, nil, store)
	cg = must.M1(cache.GetOrBuild(context.Background(), sumReluNetwork(), profiles, config))
	assert.NotEqual(t, graphs[0].ID(), cg.ID())
	assert.Equal(t, engine.CacheStats{Builds: 1, CorruptPlans: 1}, cache.Stats())
	blob := must.M1(store.Get(context.Background(), key))
	assert.Equal(t, cg.ID(), must.M1(engine.Deserialize(dev, blob, nil)).ID())

	// Build errors are not cached.
	_, err := cache.GetOrBuild(context.Background(), sumReluNetwork(), nil, config)
	require.ErrorIs(t, err, failure.ErrInvalidArgument)
}
