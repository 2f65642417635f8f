package types

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// PartitionNamePattern is the strict shape of a monthly partition name.
var PartitionNamePattern = regexp.MustCompile(`^p_\d{6}$`)

// CatchAllPartition holds rows beyond every monthly bound. It is reorganized,
// never dropped.
const CatchAllPartition = "p_max"

// PartitionName renders the canonical name for a calendar month.
func PartitionName(year, month int) string {
	return fmt.Sprintf("p_%04d%02d", year, month)
}

// ParsePartitionName extracts (year, month) from a p_YYYYMM name.
func ParsePartitionName(name string) (year, month int, err error) {
	if !PartitionNamePattern.MatchString(name) {
		return 0, 0, fmt.Errorf("invalid partition name %q", name)
	}
	year, _ = strconv.Atoi(name[2:6])
	month, _ = strconv.Atoi(name[6:8])
	if month < 1 || month > 12 {
		return 0, 0, fmt.Errorf("invalid partition name %q", name)
	}
	return year, month, nil
}

// PartitionInfo is a metadata snapshot row for one physical partition.
type PartitionInfo struct {
	Name       string    `json:"name"`
	Rows       int64     `json:"rows"`
	DataBytes  int64     `json:"data_bytes"`
	IndexBytes int64     `json:"index_bytes"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
	Compressed bool      `json:"compressed,omitempty"`
}

// TotalBytes is data plus index footprint.
func (p PartitionInfo) TotalBytes() int64 { return p.DataBytes + p.IndexBytes }

// SizeMB converts the footprint to MiB for threshold comparison.
func (p PartitionInfo) SizeMB() float64 {
	return float64(p.TotalBytes()) / (1024 * 1024)
}

// Key returns the partition's year*100+month integer, or false for names
// outside the monthly scheme (the catch-all).
func (p PartitionInfo) Key() (int, bool) {
	y, m, err := ParsePartitionName(p.Name)
	if err != nil {
		return 0, false
	}
	return y*100 + m, true
}

// Tier is the physical lifecycle state of a partition, derived from its age
// in whole months relative to the current month.
type Tier string

const (
	TierActive  Tier = "ACTIVE"
	TierWarm    Tier = "WARM"
	TierCold    Tier = "COLD"
	TierArchive Tier = "ARCHIVE"
)

// TierPolicy carries the age cutoffs, in whole months.
type TierPolicy struct {
	ActiveMonths int `json:"active_months"`
	WarmMonths   int `json:"warm_months"`
	ColdMonths   int `json:"cold_months"`
}

// DefaultTierPolicy matches the stock deployment: three months hot, six
// warm, two years cold, archive beyond that.
func DefaultTierPolicy() TierPolicy {
	return TierPolicy{ActiveMonths: 3, WarmMonths: 6, ColdMonths: 24}
}

func (tp TierPolicy) Validate() error {
	if tp.ActiveMonths < 1 || tp.WarmMonths <= tp.ActiveMonths || tp.ColdMonths <= tp.WarmMonths {
		return fmt.Errorf("tier policy requires 1 <= active < warm < cold, got %d/%d/%d",
			tp.ActiveMonths, tp.WarmMonths, tp.ColdMonths)
	}
	return nil
}

// TierFor classifies a partition by age. Future months (negative age) count
// as ACTIVE.
func (tp TierPolicy) TierFor(ageMonths int) Tier {
	switch {
	case ageMonths <= tp.ActiveMonths:
		return TierActive
	case ageMonths <= tp.WarmMonths:
		return TierWarm
	case ageMonths <= tp.ColdMonths:
		return TierCold
	default:
		return TierArchive
	}
}

// HealthStatus classifies one partition against the threshold profile.
type HealthStatus string

const (
	HealthOK       HealthStatus = "HEALTHY"
	HealthWarning  HealthStatus = "WARNING"
	HealthCritical HealthStatus = "CRITICAL"
)

// Rank orders severities so alert edges can compare them.
func (h HealthStatus) Rank() int {
	switch h {
	case HealthWarning:
		return 1
	case HealthCritical:
		return 2
	default:
		return 0
	}
}

// ThresholdProfile drives partition health classification and alerting.
// Sizes are MiB; MaxRows caps row count per partition.
type ThresholdProfile struct {
	WarnMB      int64 `json:"warn_mb"`
	CriticalMB  int64 `json:"critical_mb"`
	EmergencyMB int64 `json:"emergency_mb"`
	MaxRows     int64 `json:"max_rows"`
}

// DefaultThresholdProfile sizes for a busy 5k-device fleet: roughly 60M
// rows a month at ~200 bytes a row.
func DefaultThresholdProfile() ThresholdProfile {
	return ThresholdProfile{WarnMB: 4096, CriticalMB: 8192, EmergencyMB: 12288, MaxRows: 100_000_000}
}

func (t ThresholdProfile) Validate() error {
	if t.WarnMB <= 0 || t.WarnMB >= t.CriticalMB || t.CriticalMB >= t.EmergencyMB {
		return fmt.Errorf("thresholds require 0 < warn < critical < emergency, got %d/%d/%d",
			t.WarnMB, t.CriticalMB, t.EmergencyMB)
	}
	if t.MaxRows <= 0 {
		return fmt.Errorf("max_rows must be positive")
	}
	return nil
}

// Classify maps a partition's size and row count to a status. Size and rows
// are judged independently and the worse verdict wins.
func (t ThresholdProfile) Classify(sizeMB float64, rows int64) HealthStatus {
	status := HealthOK
	switch {
	case sizeMB >= float64(t.EmergencyMB):
		status = HealthCritical
	case sizeMB >= float64(t.WarnMB):
		status = HealthWarning
	}
	switch {
	case rows >= t.MaxRows:
		status = maxStatus(status, HealthCritical)
	case float64(rows) >= 0.9*float64(t.MaxRows):
		status = maxStatus(status, HealthWarning)
	}
	return status
}

func maxStatus(a, b HealthStatus) HealthStatus {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// CompressionResult records the before/after footprint of one in-place
// partition compression.
type CompressionResult struct {
	Name         string    `json:"name"`
	BeforeBytes  int64     `json:"before_bytes"`
	AfterBytes   int64     `json:"after_bytes"`
	CompressedAt time.Time `json:"compressed_at"`
}

// Saved returns the bytes reclaimed, never negative.
func (c CompressionResult) Saved() int64 {
	if d := c.BeforeBytes - c.AfterBytes; d > 0 {
		return d
	}
	return 0
}

// LastKnown is the O(1) projection of the most recent LIVE report per
// device. UpdatedAt is server time, recorded for staleness display only.
type LastKnown struct {
	Report
	UpdatedAt time.Time `json:"updated_at"`
}
