package sysinfo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Collector gathers a fresh Sample. The default ExecCollector shells
// zoneadm/zpool/sysinfo/df with bounded output buffers; tests
// substitute a fake Collector instead of requiring a real zone
// environment.
type Collector interface {
	Collect(ctx context.Context, nodeID string) (Sample, error)
}

// maxCollectorOutput bounds captured subprocess output. Sampling
// commands emit small output, so this sits far below the 50 MiB
// ceiling applied to general task subprocesses.
const maxCollectorOutput = 1 << 20

// ExecCollector gathers a Sample by shelling the platform sampling
// commands. Absence of any one binary (e.g. running this daemon
// off-platform in development) degrades that section to empty rather
// than failing the whole refresh.
type ExecCollector struct {
	Timeout time.Duration
}

// NewExecCollector returns a Collector with a per-command timeout
// sized for a sub-second sampling pass rather than the 15-minute
// ceiling general task subprocesses get.
func NewExecCollector() *ExecCollector {
	return &ExecCollector{Timeout: 10 * time.Second}
}

func (c *ExecCollector) Collect(ctx context.Context, nodeID string) (Sample, error) {
	sample := Sample{NodeID: nodeID, Timestamp: time.Now()}

	if zones, err := c.listZones(ctx); err == nil {
		sample.Zones = zones
	}
	if pools, err := c.listZpools(ctx); err == nil {
		sample.Zpools = pools
	}
	if disks, err := c.listDisks(ctx); err == nil {
		sample.Disks = disks
	}
	c.nodeInfo(ctx, &sample)

	return sample, nil
}

func (c *ExecCollector) run(ctx context.Context, name string, args ...string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &limitedWriter{buf: &out, limit: maxCollectorOutput}
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("sysinfo: run %s: %w", name, err)
	}
	return out.String(), nil
}

// listZones parses `zoneadm list -p` output: colon-delimited fields
// zoneid:zonename:state:path:uuid:...
func (c *ExecCollector) listZones(ctx context.Context) ([]Zone, error) {
	out, err := c.run(ctx, "zoneadm", "list", "-p")
	if err != nil {
		return nil, err
	}
	var zones []Zone
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 5 {
			continue
		}
		zones = append(zones, Zone{Alias: fields[1], State: fields[2], UUID: fields[4]})
	}
	return zones, nil
}

// listZpools parses `zpool list -Hp -o name,size,alloc` output.
func (c *ExecCollector) listZpools(ctx context.Context) ([]ZpoolCapacity, error) {
	out, err := c.run(ctx, "zpool", "list", "-Hp", "-o", "name,size,alloc")
	if err != nil {
		return nil, err
	}
	var pools []ZpoolCapacity
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		size, _ := strconv.ParseUint(fields[1], 10, 64)
		used, _ := strconv.ParseUint(fields[2], 10, 64)
		pools = append(pools, ZpoolCapacity{Pool: fields[0], SizeBytes: size, UsedBytes: used})
	}
	return pools, nil
}

// listDisks parses `df -k` output into per-mount usage. Header and
// pseudo-filesystem lines (no leading '/' in the mount-point column,
// short rows) are skipped.
func (c *ExecCollector) listDisks(ctx context.Context) ([]DiskUsage, error) {
	out, err := c.run(ctx, "df", "-k")
	if err != nil {
		return nil, err
	}
	var disks []DiskUsage
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 6 || !strings.HasPrefix(fields[5], "/") {
			continue
		}
		size, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue // header row
		}
		used, _ := strconv.ParseUint(fields[2], 10, 64)
		disks = append(disks, DiskUsage{MountPoint: fields[5], SizeBytes: size * 1024, UsedBytes: used * 1024})
	}
	return disks, nil
}

// nodeInfo fills total memory and boot time from the platform
// `sysinfo` utility's JSON output, then free memory from kstat's
// freemem page count. Absence of `sysinfo` (running off-platform in
// development) leaves all three fields zero.
func (c *ExecCollector) nodeInfo(ctx context.Context, sample *Sample) {
	out, err := c.run(ctx, "sysinfo")
	if err != nil {
		return
	}

	var info struct {
		MemoryMiB string `json:"MiB of Memory"`
		BootTime  string `json:"Boot Time"`
	}
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		return
	}
	if mib, err := strconv.ParseUint(info.MemoryMiB, 10, 64); err == nil {
		sample.MemoryTotalByte = mib << 20
	}
	if epoch, err := strconv.ParseInt(info.BootTime, 10, 64); err == nil {
		sample.BootTime = time.Unix(epoch, 0)
	}

	if out, err := c.run(ctx, "kstat", "-p", "unix:0:system_pages:freemem"); err == nil {
		fields := strings.Fields(strings.TrimSpace(out))
		if len(fields) == 2 {
			if pages, err := strconv.ParseUint(fields[1], 10, 64); err == nil {
				sample.MemoryFreeByte = pages * 4096 // x86 page size
			}
		}
	}
}

// limitedWriter caps how many bytes of subprocess output get buffered.
type limitedWriter struct {
	buf   *bytes.Buffer
	limit int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	remaining := w.limit - w.buf.Len()
	if remaining <= 0 {
		return len(p), nil
	}
	if len(p) > remaining {
		w.buf.Write(p[:remaining])
		return len(p), nil
	}
	w.buf.Write(p)
	return len(p), nil
}
