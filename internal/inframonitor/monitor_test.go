package inframonitor

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphnode/graphnode/internal/registry"
	"github.com/graphnode/graphnode/internal/types"
)

type fakeEC2 struct {
	states  map[string]ec2types.InstanceStateName
	batches [][]string
}

func (f *fakeEC2) DescribeInstanceStatus(_ context.Context, params *ec2.DescribeInstanceStatusInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstanceStatusOutput, error) {
	f.batches = append(f.batches, params.InstanceIds)
	out := &ec2.DescribeInstanceStatusOutput{}
	for _, id := range params.InstanceIds {
		state, ok := f.states[id]
		if !ok {
			continue // unknown instances are absent from the response
		}
		out.InstanceStatuses = append(out.InstanceStatuses, ec2types.InstanceStatus{
			InstanceId:    aws.String(id),
			InstanceState: &ec2types.InstanceState{Name: state},
		})
	}
	return out, nil
}

type captureSink struct {
	batches [][]Gauge
}

func (c *captureSink) Push(_ context.Context, gauges []Gauge) error {
	batch := make([]Gauge, len(gauges))
	copy(batch, gauges)
	c.batches = append(c.batches, batch)
	return nil
}

func newTestMonitor(t *testing.T, cloud EC2API, sink MetricsSink) (*Monitor, *registry.Store) {
	t.Helper()
	store, err := registry.OpenStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	m := New(cloud, store.Compute(), store.Volumes(), store.Graphs(), sink,
		slog.New(slog.DiscardHandler))
	return m, store
}

func TestCheckInstanceHealthStateMachine(t *testing.T) {
	ctx := context.Background()
	cloud := &fakeEC2{states: map[string]ec2types.InstanceStateName{
		"i-00000000000000001": ec2types.InstanceStateNameRunning,
		"i-00000000000000002": ec2types.InstanceStateNameStopped,
		"i-00000000000000003": ec2types.InstanceStateNameTerminated,
	}}
	m, store := newTestMonitor(t, cloud, nil)

	for _, id := range []string{"i-00000000000000001", "i-00000000000000002", "i-00000000000000003"} {
		require.NoError(t, store.Compute().Update(ctx, registry.ComputeEntry{
			InstanceID: id, Status: registry.ComputeHealthy, Tier: "medium",
		}))
	}
	// Malformed ID is counted and skipped, never sent to the cloud API.
	require.NoError(t, store.Compute().Update(ctx, registry.ComputeEntry{
		InstanceID: "not-an-instance", Status: registry.ComputeHealthy,
	}))
	// Instance the cloud has never heard of: treated as terminated.
	require.NoError(t, store.Compute().Update(ctx, registry.ComputeEntry{
		InstanceID: "i-000000000000000ff", Status: registry.ComputeHealthy,
	}))

	report, err := m.CheckInstanceHealth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Checked)
	assert.Equal(t, 1, report.Healthy)
	assert.Equal(t, 1, report.Unhealthy)
	assert.Equal(t, 2, report.Terminated)
	assert.Equal(t, 1, report.Invalid)

	for _, batch := range cloud.batches {
		assert.NotContains(t, batch, "not-an-instance")
	}

	// Transitional instance: unhealthy with tier-refreshed capacity.
	entries, err := store.Compute().List(ctx, 0, 100)
	require.NoError(t, err)
	byID := map[string]registry.ComputeEntry{}
	for _, e := range entries {
		byID[e.InstanceID] = e
	}
	assert.Equal(t, registry.ComputeUnhealthy, byID["i-00000000000000002"].Status)
	assert.Equal(t, 50, byID["i-00000000000000002"].CapacityTotal)

	// Terminated instances were removed.
	_, ok := byID["i-00000000000000003"]
	assert.False(t, ok)
	_, ok = byID["i-000000000000000ff"]
	assert.False(t, ok)
}

func TestTerminationCascadeReleasesVolumes(t *testing.T) {
	ctx := context.Background()
	cloud := &fakeEC2{states: map[string]ec2types.InstanceStateName{
		"i-00000000000000001": ec2types.InstanceStateNameTerminated,
	}}
	m, store := newTestMonitor(t, cloud, nil)

	require.NoError(t, store.Compute().Update(ctx, registry.ComputeEntry{
		InstanceID: "i-00000000000000001", Status: registry.ComputeHealthy,
	}))
	require.NoError(t, store.Volumes().Update(ctx, registry.VolumeEntry{
		VolumeID:        "vol-1",
		InstanceID:      "i-00000000000000001",
		Status:          registry.VolumeAttached,
		AttachmentState: registry.VolumeAttached,
		Datasets:        []string{"kg_a", "kg_b"},
	}))

	_, err := m.CheckInstanceHealth(ctx)
	require.NoError(t, err)

	vols, err := store.Volumes().List(ctx)
	require.NoError(t, err)
	require.Len(t, vols, 1)
	assert.Equal(t, registry.VolumeAvailable, vols[0].Status)
	assert.Equal(t, registry.VolumeUnattached, vols[0].AttachmentState)
	assert.Empty(t, vols[0].InstanceID)
	assert.Equal(t, []string{"kg_a", "kg_b"}, vols[0].Datasets)

	ok, err := store.Compute().Exists(ctx, "i-00000000000000001")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCleanupStaleGraphs(t *testing.T) {
	ctx := context.Background()
	m, store := newTestMonitor(t, &fakeEC2{}, nil)

	require.NoError(t, store.Compute().Update(ctx, registry.ComputeEntry{
		InstanceID: "i-00000000000000001", Status: registry.ComputeHealthy,
	}))
	require.NoError(t, store.Graphs().Put(ctx, &registry.GraphMetadata{
		GraphID: "kg_kept", Status: types.StatusAvailable, InstanceID: "i-00000000000000001",
	}))
	require.NoError(t, store.Graphs().Put(ctx, &registry.GraphMetadata{
		GraphID: "kg_orphan", Status: types.StatusAvailable, InstanceID: "i-00000000000000099",
	}))
	require.NoError(t, store.Graphs().Put(ctx, &registry.GraphMetadata{
		GraphID: "kg_local", Status: types.StatusAvailable,
	}))

	removed, err := m.CleanupStaleGraphs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = store.Graphs().Get(ctx, "kg_kept")
	assert.NoError(t, err)
	_, err = store.Graphs().Get(ctx, "kg_orphan")
	assert.ErrorIs(t, err, registry.ErrNotFound)
	_, err = store.Graphs().Get(ctx, "kg_local")
	assert.NoError(t, err)
}

func TestCleanupStaleVolumes(t *testing.T) {
	ctx := context.Background()
	m, store := newTestMonitor(t, &fakeEC2{}, nil)

	oldDelete := time.Now().Add(-8 * 24 * time.Hour)
	require.NoError(t, store.Volumes().Update(ctx, registry.VolumeEntry{
		VolumeID: "vol-deleted", Status: registry.VolumeAvailable, DeletedAt: &oldDelete,
	}))
	require.NoError(t, store.Volumes().Update(ctx, registry.VolumeEntry{
		VolumeID:        "vol-stuck",
		InstanceID:      "i-00000000000000099",
		Status:          registry.VolumeAttaching,
		AttachmentState: registry.VolumeAttaching,
	}))
	require.NoError(t, store.Volumes().Update(ctx, registry.VolumeEntry{
		VolumeID: "vol-fresh", Status: registry.VolumeAttached, AttachmentState: registry.VolumeAttached,
	}))

	removed, err := m.CleanupStaleVolumes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	vols, err := store.Volumes().List(ctx)
	require.NoError(t, err)
	byID := map[string]registry.VolumeEntry{}
	for _, v := range vols {
		byID[v.VolumeID] = v
	}
	_, deletedGone := byID["vol-deleted"]
	assert.False(t, deletedGone)
	assert.Equal(t, registry.VolumeFailed, byID["vol-stuck"].Status)
	assert.Equal(t, registry.VolumeAttached, byID["vol-fresh"].Status)
}

func TestCollectMetricsBatching(t *testing.T) {
	ctx := context.Background()
	sink := &captureSink{}
	m, store := newTestMonitor(t, &fakeEC2{}, sink)

	for i := 0; i < 10; i++ {
		require.NoError(t, store.Compute().Update(ctx, registry.ComputeEntry{
			InstanceID:    instanceID(i),
			Status:        registry.ComputeHealthy,
			Tier:          "medium",
			CapacityUsed:  i,
			CapacityTotal: 50,
		}))
	}

	require.NoError(t, m.CollectMetrics(ctx))

	total := 0
	for _, b := range sink.batches {
		assert.LessOrEqual(t, len(b), metricsBatchSize)
		total += len(b)
	}
	// 3 gauges per instance plus cluster aggregates.
	assert.GreaterOrEqual(t, total, 30)

	names := map[string]bool{}
	for _, b := range sink.batches {
		for _, g := range b {
			names[g.Name] = true
		}
	}
	assert.True(t, names["compute.capacity.utilization"])
	assert.True(t, names["cluster.capacity.total"])
	assert.True(t, names["cluster.tier.instances"])
}

func TestAgeBucket(t *testing.T) {
	assert.Equal(t, "<1h", ageBucket(30*time.Minute))
	assert.Equal(t, "<1d", ageBucket(5*time.Hour))
	assert.Equal(t, "<1w", ageBucket(3*24*time.Hour))
	assert.Equal(t, ">=1w", ageBucket(10*24*time.Hour))
}

func instanceID(i int) string {
	const hex = "0123456789abcdef"
	return "i-0000000000000000" + string(hex[i%16])
}
