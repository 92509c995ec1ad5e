package sysinfo

import "time"

// Zone is one entry of the sample's zone list.
type Zone struct {
	UUID  string `json:"uuid"`
	Alias string `json:"alias"`
	State string `json:"state"`
}

// ZpoolCapacity is the capacity summary of one zpool.
type ZpoolCapacity struct {
	Pool      string `json:"pool"`
	SizeBytes uint64 `json:"size_bytes"`
	UsedBytes uint64 `json:"used_bytes"`
}

// DiskUsage is one mounted filesystem's usage breakdown.
type DiskUsage struct {
	MountPoint string `json:"mount_point"`
	SizeBytes  uint64 `json:"size_bytes"`
	UsedBytes  uint64 `json:"used_bytes"`
}

// Sample is the node-wide snapshot published on the heartbeat and
// zone-event channels.
type Sample struct {
	NodeID          string          `json:"node_id"`
	Zones           []Zone          `json:"zones"`
	Zpools          []ZpoolCapacity `json:"zpools"`
	MemoryTotalByte uint64          `json:"memory_total_bytes"`
	MemoryFreeByte  uint64          `json:"memory_free_bytes"`
	Disks           []DiskUsage     `json:"disks"`
	BootTime        time.Time       `json:"boot_time"`
	Timestamp       time.Time       `json:"timestamp"`
}
