package node

import (
	"context"
	"math"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/LumeraProtocol/trainpool/pkg/errors"
	"github.com/LumeraProtocol/trainpool/pkg/logtrace"
)

const minCapacity = 0.1

// ProbeCapacity estimates how much work the host can take as a standby: the
// logical core count scaled by the share of memory still available.
func ProbeCapacity(ctx context.Context) (float64, error) {
	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		logtrace.Error(ctx, "failed to get cpu core count", logtrace.Fields{logtrace.FieldError: err.Error()})
		return 0, errors.Wrap(err, "count cpu cores")
	}
	vmem, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		logtrace.Error(ctx, "failed to get memory info", logtrace.Fields{logtrace.FieldError: err.Error()})
		return 0, errors.Wrap(err, "read memory info")
	}
	return capacityOf(cores, vmem.Available, vmem.Total), nil
}

func capacityOf(cores int, available, total uint64) float64 {
	if cores <= 0 || total == 0 {
		return minCapacity
	}
	free := float64(available) / float64(total)
	c := math.Round(float64(cores)*free*100) / 100
	return math.Max(c, minCapacity)
}
