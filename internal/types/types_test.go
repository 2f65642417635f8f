package types

import (
	"math"
	"testing"
)

func validReport() Report {
	return Report{
		DeviceID:      "GT-001",
		DeviceTS:      "2025-07-08 16:18:11",
		Lat:           25.2048,
		Lon:           55.2708,
		Speed:         42,
		Ignition:      IgnitionOn,
		VehicleStatus: VehicleRunning,
		Status:        StatusLive,
	}
}

func TestReportValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Report)
		wantErr bool
	}{
		{
			name:   "valid live report",
			mutate: func(r *Report) {},
		},
		{
			name:   "zero coordinates are a valid no-fix",
			mutate: func(r *Report) { r.Lat, r.Lon = 0, 0 },
		},
		{
			name:   "history status",
			mutate: func(r *Report) { r.Status = StatusHistory },
		},
		{
			name:    "empty device id",
			mutate:  func(r *Report) { r.DeviceID = "" },
			wantErr: true,
		},
		{
			name: "device id too long",
			mutate: func(r *Report) {
				for len(r.DeviceID) <= MaxDeviceIDLen {
					r.DeviceID += "x"
				}
			},
			wantErr: true,
		},
		{
			name:    "malformed timestamp",
			mutate:  func(r *Report) { r.DeviceTS = "2025-07-08T16:18:11" },
			wantErr: true,
		},
		{
			name:    "NaN latitude",
			mutate:  func(r *Report) { r.Lat = math.NaN() },
			wantErr: true,
		},
		{
			name:    "infinite longitude",
			mutate:  func(r *Report) { r.Lon = math.Inf(1) },
			wantErr: true,
		},
		{
			name:    "latitude out of range",
			mutate:  func(r *Report) { r.Lat = 91 },
			wantErr: true,
		},
		{
			name:    "negative speed",
			mutate:  func(r *Report) { r.Speed = -1 },
			wantErr: true,
		},
		{
			name:    "unknown status",
			mutate:  func(r *Report) { r.Status = "REPLAY" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validReport()
			tt.mutate(&r)
			err := r.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestReportNormalize(t *testing.T) {
	r := Report{
		DeviceID:      "GT-001",
		DeviceTS:      "2025-07-08 16:18:11",
		Ignition:      "on",
		VehicleStatus: "creeping",
	}
	r.Normalize()

	if r.Ignition != IgnitionOn {
		t.Errorf("Ignition = %q, want ON", r.Ignition)
	}
	if r.VehicleStatus != VehicleUnknown {
		t.Errorf("VehicleStatus = %q, want UNKNOWN for unrecognized input", r.VehicleStatus)
	}
	if r.Status != StatusLive {
		t.Errorf("Status = %q, want LIVE default", r.Status)
	}
}

func TestReportHasFix(t *testing.T) {
	r := validReport()
	if !r.HasFix() {
		t.Error("nonzero coordinates should report a fix")
	}
	r.Lat, r.Lon = 0, 0
	if r.HasFix() {
		t.Error("zero coordinates must not report a fix")
	}
	r.Lat, r.Lon = 0, 55.2
	if r.HasFix() {
		t.Error("a single zero coordinate must not report a fix")
	}
}

func TestParseRole(t *testing.T) {
	tests := []struct {
		input   string
		want    Role
		wantErr bool
	}{
		{"DEALER", RoleDealer, false},
		{"dealer", RoleDealer, false},
		{" user ", RoleUser, false},
		{"SUPERADMIN", RoleSuperadmin, false},
		{"root", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseRole(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseRole(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseRole(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestWindowValidate(t *testing.T) {
	w := Window{From: "2025-01-01 00:00:00", To: "2025-01-31 23:59:59"}
	if err := w.Validate(); err != nil {
		t.Errorf("valid window rejected: %v", err)
	}

	rev := Window{From: "2025-02-01 00:00:00", To: "2025-01-01 00:00:00"}
	if err := rev.Validate(); err == nil {
		t.Error("reversed window accepted")
	}

	open := Window{From: "2025-01-01 00:00:00"}
	if err := open.Validate(); err == nil {
		t.Error("open-ended window accepted")
	}
}

func TestWindowMonths(t *testing.T) {
	w := Window{From: "2024-11-15 00:00:00", To: "2025-02-01 10:00:00"}
	got := w.Months()
	want := []int{202411, 202412, 202501, 202502}
	if len(got) != len(want) {
		t.Fatalf("Months() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Months() = %v, want %v", got, want)
		}
	}

	single := Window{From: "2025-06-01 00:00:00", To: "2025-06-30 23:59:59"}
	if months := single.Months(); len(months) != 1 || months[0] != 202506 {
		t.Errorf("single-month window Months() = %v", months)
	}
}
