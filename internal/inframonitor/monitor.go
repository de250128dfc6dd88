// Package inframonitor reconciles the external compute and volume
// registries against live cloud state and publishes capacity metrics.
package inframonitor

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/graphnode/graphnode/internal/config"
	"github.com/graphnode/graphnode/internal/registry"
)

// EC2API is the slice of the cloud API the monitor consumes.
type EC2API interface {
	DescribeInstanceStatus(ctx context.Context, params *ec2.DescribeInstanceStatusInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstanceStatusOutput, error)
}

const (
	// registryPageSize is the compute registry pagination unit.
	registryPageSize = 100
	// maxRegistryEntries caps a reconciliation pass.
	maxRegistryEntries = 10_000
	// describeBatchSize is the cloud API's per-call instance cap.
	describeBatchSize = 1000

	// staleDeletedAfter removes volumes deleted this long ago.
	staleDeletedAfter = 7 * 24 * time.Hour
	// staleUnattachedAfter removes volumes unattached this long.
	staleUnattachedAfter = 30 * 24 * time.Hour
)

var instanceIDPattern = regexp.MustCompile(`^i-[0-9a-f]{8,17}$`)

// HealthReport summarizes one reconciliation pass.
type HealthReport struct {
	Checked    int
	Healthy    int
	Unhealthy  int
	Terminated int
	Invalid    int
}

// Monitor reconciles registries with cloud state.
type Monitor struct {
	ec2     EC2API
	compute registry.ComputeRegistry
	volumes registry.VolumeRegistry
	graphs  registry.GraphRegistry
	sink    MetricsSink
	log     *slog.Logger
}

// New wires a Monitor. A nil sink discards metrics.
func New(ec2Client EC2API, compute registry.ComputeRegistry, volumes registry.VolumeRegistry, graphs registry.GraphRegistry, sink MetricsSink, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	if sink == nil {
		sink = discardSink{}
	}
	return &Monitor{ec2: ec2Client, compute: compute, volumes: volumes, graphs: graphs, sink: sink, log: log}
}

// CheckInstanceHealth walks the compute registry, asks the cloud API for
// live states, and reconciles each entry. Terminated instances cascade:
// their attached volumes flip to available and the compute entry is
// removed. Malformed instance IDs are counted, logged, and left alone.
func (m *Monitor) CheckInstanceHealth(ctx context.Context) (*HealthReport, error) {
	entries, err := m.listComputeEntries(ctx)
	if err != nil {
		return nil, err
	}

	report := &HealthReport{Checked: len(entries)}
	valid := make([]registry.ComputeEntry, 0, len(entries))
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if !instanceIDPattern.MatchString(e.InstanceID) {
			report.Invalid++
			m.log.Warn("compute entry has malformed instance id", "instance", e.InstanceID)
			continue
		}
		valid = append(valid, e)
		ids = append(ids, e.InstanceID)
	}

	states, err := m.describeStates(ctx, ids)
	if err != nil {
		return nil, err
	}

	for _, entry := range valid {
		state, known := states[entry.InstanceID]
		switch classifyState(state, known) {
		case registry.ComputeHealthy:
			report.Healthy++
			if entry.Status != registry.ComputeHealthy {
				entry.Status = registry.ComputeHealthy
				if err := m.compute.Update(ctx, entry); err != nil {
					return report, fmt.Errorf("marking %s healthy: %w", entry.InstanceID, err)
				}
			}
		case registry.ComputeUnhealthy:
			report.Unhealthy++
			entry.Status = registry.ComputeUnhealthy
			if tier, ok := config.TierByName(entry.Tier); ok {
				entry.CapacityTotal = tier.MaxDatabases
			}
			if err := m.compute.Update(ctx, entry); err != nil {
				return report, fmt.Errorf("marking %s unhealthy: %w", entry.InstanceID, err)
			}
		default: // terminated
			report.Terminated++
			if err := m.cascadeTermination(ctx, entry.InstanceID); err != nil {
				return report, err
			}
		}
	}
	m.log.Info("instance health reconciled",
		"checked", report.Checked, "healthy", report.Healthy,
		"unhealthy", report.Unhealthy, "terminated", report.Terminated,
		"invalid", report.Invalid)
	return report, nil
}

func (m *Monitor) listComputeEntries(ctx context.Context) ([]registry.ComputeEntry, error) {
	var entries []registry.ComputeEntry
	for offset := 0; offset < maxRegistryEntries; offset += registryPageSize {
		page, err := m.compute.List(ctx, offset, registryPageSize)
		if err != nil {
			return nil, fmt.Errorf("listing compute registry: %w", err)
		}
		entries = append(entries, page...)
		if len(page) < registryPageSize {
			break
		}
	}
	return entries, nil
}

// describeStates fetches live instance states in cloud-API-sized batches.
// IncludeAllInstances covers stopped instances; IDs absent from the
// response no longer exist.
func (m *Monitor) describeStates(ctx context.Context, ids []string) (map[string]ec2types.InstanceStateName, error) {
	states := make(map[string]ec2types.InstanceStateName, len(ids))
	for start := 0; start < len(ids); start += describeBatchSize {
		end := min(start+describeBatchSize, len(ids))
		out, err := m.ec2.DescribeInstanceStatus(ctx, &ec2.DescribeInstanceStatusInput{
			InstanceIds:         ids[start:end],
			IncludeAllInstances: aws.Bool(true),
		})
		if err != nil {
			return nil, fmt.Errorf("describing instance status: %w", err)
		}
		for _, st := range out.InstanceStatuses {
			if st.InstanceId == nil || st.InstanceState == nil {
				continue
			}
			states[*st.InstanceId] = st.InstanceState.Name
		}
	}
	return states, nil
}

// classifyState maps a cloud instance state onto the registry's health
// model. Unknown-to-the-cloud means terminated.
func classifyState(state ec2types.InstanceStateName, known bool) string {
	if !known {
		return "terminated"
	}
	switch state {
	case ec2types.InstanceStateNameRunning:
		return registry.ComputeHealthy
	case ec2types.InstanceStateNameTerminated, ec2types.InstanceStateNameShuttingDown:
		return "terminated"
	default: // pending, stopping, stopped
		return registry.ComputeUnhealthy
	}
}

// cascadeTermination releases a dead instance's volumes and removes its
// compute entry. The volume's recorded dataset list survives the detach so
// a replacement instance can re-adopt it.
func (m *Monitor) cascadeTermination(ctx context.Context, instanceID string) error {
	vols, err := m.volumes.ListByInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("listing volumes for %s: %w", instanceID, err)
	}
	for _, v := range vols {
		v.Status = registry.VolumeAvailable
		v.AttachmentState = registry.VolumeUnattached
		v.InstanceID = ""
		if err := m.volumes.Update(ctx, v); err != nil {
			return fmt.Errorf("releasing volume %s: %w", v.VolumeID, err)
		}
	}
	if err := m.compute.Remove(ctx, instanceID); err != nil {
		return fmt.Errorf("removing terminated instance %s: %w", instanceID, err)
	}
	m.log.Info("cascaded instance termination", "instance", instanceID, "volumes_released", len(vols))
	return nil
}

// CleanupStaleGraphs removes graph registry entries whose hosting compute
// instance no longer exists. Returns the number removed.
func (m *Monitor) CleanupStaleGraphs(ctx context.Context) (int, error) {
	graphs, err := m.graphs.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing graphs: %w", err)
	}
	removed := 0
	for _, g := range graphs {
		if g.InstanceID == "" {
			continue
		}
		exists, err := m.compute.Exists(ctx, g.InstanceID)
		if err != nil {
			return removed, fmt.Errorf("checking instance %s: %w", g.InstanceID, err)
		}
		if exists {
			continue
		}
		if err := m.graphs.Delete(ctx, g.GraphID); err != nil {
			return removed, fmt.Errorf("removing stale graph %s: %w", g.GraphID, err)
		}
		m.log.Warn("removed graph entry referencing missing instance",
			"graph", g.GraphID, "instance", g.InstanceID)
		removed++
	}
	return removed, nil
}

// CleanupStaleVolumes applies the volume reconciliation rules: drop volumes
// deleted over a week ago or unattached over a month; flag volumes stuck
// attaching to an instance that no longer exists.
func (m *Monitor) CleanupStaleVolumes(ctx context.Context) (int, error) {
	vols, err := m.volumes.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing volumes: %w", err)
	}
	now := time.Now()
	removed := 0
	for _, v := range vols {
		switch {
		case v.DeletedAt != nil && now.Sub(*v.DeletedAt) > staleDeletedAfter:
			if err := m.volumes.Remove(ctx, v.VolumeID); err != nil {
				return removed, fmt.Errorf("removing deleted volume %s: %w", v.VolumeID, err)
			}
			removed++
		case v.AttachmentState == registry.VolumeUnattached && now.Sub(v.UpdatedAt) > staleUnattachedAfter:
			if err := m.volumes.Remove(ctx, v.VolumeID); err != nil {
				return removed, fmt.Errorf("removing unattached volume %s: %w", v.VolumeID, err)
			}
			m.log.Warn("removed long-unattached volume", "volume", v.VolumeID)
			removed++
		case v.AttachmentState == registry.VolumeAttaching && v.InstanceID != "":
			exists, err := m.compute.Exists(ctx, v.InstanceID)
			if err != nil {
				return removed, fmt.Errorf("checking instance %s: %w", v.InstanceID, err)
			}
			if !exists {
				v.Status = registry.VolumeFailed
				if err := m.volumes.Update(ctx, v); err != nil {
					return removed, fmt.Errorf("failing volume %s: %w", v.VolumeID, err)
				}
				m.log.Warn("volume stuck attaching to missing instance",
					"volume", v.VolumeID, "instance", v.InstanceID)
			}
		}
	}
	return removed, nil
}
