// Package insar defines core types shared across subsystems.
package insar

import (
	"time"
)

// JobStatus represents the lifecycle state of a processing job.
type JobStatus string

// Job status values persisted in the ledger.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusSubmitted JobStatus = "submitted"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusExpired   JobStatus = "expired"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the status is absorbing.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusExpired, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// RemoteStatus is the status vocabulary reported by the external processing service.
type RemoteStatus string

// Remote status values returned by the processing API.
const (
	RemotePending   RemoteStatus = "PENDING"
	RemoteRunning   RemoteStatus = "RUNNING"
	RemoteSucceeded RemoteStatus = "SUCCEEDED"
	RemoteFailed    RemoteStatus = "FAILED"
)

// BoundingBox is the geographic extent of a processing request.
type BoundingBox struct {
	North float64 `json:"north" mapstructure:"north"`
	South float64 `json:"south" mapstructure:"south"`
	East  float64 `json:"east"  mapstructure:"east"`
	West  float64 `json:"west"  mapstructure:"west"`
}

// JobParameters captures the immutable request parameters for one job.
// The granule pair identifies the Sentinel-1 acquisitions to interfere.
type JobParameters struct {
	ReferenceGranule string      `json:"reference_granule" mapstructure:"reference_granule"`
	SecondaryGranule string      `json:"secondary_granule" mapstructure:"secondary_granule"`
	ReferenceURL     string      `json:"reference_url"     mapstructure:"reference_url"`
	SecondaryURL     string      `json:"secondary_url"     mapstructure:"secondary_url"`
	BBox             BoundingBox `json:"bbox"              mapstructure:"bbox"`
	StartDate        time.Time   `json:"start_date"        mapstructure:"start_date"`
	EndDate          time.Time   `json:"end_date"          mapstructure:"end_date"`
	Mode             string      `json:"mode"              mapstructure:"mode"`
}

// Job is the ledger record for one remote processing request.
type Job struct {
	ID               string        `json:"id"`
	InfrastructureID string        `json:"infrastructure_id"`
	RemoteJobID      string        `json:"remote_job_id,omitempty"`
	Status           JobStatus     `json:"status"`
	Attempts         int           `json:"attempts"`
	Reason           string        `json:"reason,omitempty"`
	CancelRequested  bool          `json:"cancel_requested"`
	LeaseOwner       string        `json:"-"`
	LeasedUntil      *time.Time    `json:"-"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
	Parameters       JobParameters `json:"parameters"`
	Stats            *BatchStats   `json:"stats,omitempty"`
}

// BatchStats summarizes one extraction batch.
type BatchStats struct {
	SamplesPersisted   int     `json:"samples_persisted"`
	SkippedOutOfBounds int     `json:"skipped_out_of_bounds"`
	SkippedNoData      int     `json:"skipped_no_data"`
	SkippedLowQuality  int     `json:"skipped_low_quality"`
	MeanLOSMM          float64 `json:"mean_los_mm"`
	MinLOSMM           float64 `json:"min_los_mm"`
	MaxLOSMM           float64 `json:"max_los_mm"`
	MeanCoherence      float64 `json:"mean_coherence"`
}

// Point is one monitored location, supplied by the grid catalog.
type Point struct {
	ID  string  `json:"id"`
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// DeformationSample is one measurement at one point for one job.
// Displacements are millimeters rounded to two decimals.
type DeformationSample struct {
	JobID      string    `json:"job_id"`
	PointID    string    `json:"point_id"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	MeasuredAt time.Time `json:"measured_at"`
	VerticalMM float64   `json:"vertical_mm"`
	LOSMM      float64   `json:"los_mm"`
	Coherence  float64   `json:"coherence"`
	Trusted    bool      `json:"trusted"`
}

// BandKind tags a raster artifact with its physical meaning.
type BandKind string

// Band kinds produced by the processing service.
const (
	BandVertical  BandKind = "vertical"
	BandLOS       BandKind = "los"
	BandCoherence BandKind = "coherence"
)

// Artifact is one downloaded result file, tagged by band.
type Artifact struct {
	Kind     BandKind
	Filename string
	Data     []byte
}

// RasterBand is the transient in-memory form of one decoded raster file.
// Transform holds the GDAL-style affine geotransform
// [originX, pixelWidth, rowRotation, originY, colRotation, pixelHeight].
type RasterBand struct {
	Width     int
	Height    int
	Transform [6]float64
	NoData    float64
	Values    []float32
}

// At returns the value at pixel (col, row). Callers must bounds-check first.
func (b *RasterBand) At(col, row int) float32 {
	return b.Values[row*b.Width+col]
}

// InBounds reports whether the pixel lies inside the raster.
func (b *RasterBand) InBounds(col, row int) bool {
	return col >= 0 && col < b.Width && row >= 0 && row < b.Height
}

// ToPixel inverts the affine geotransform, mapping a geographic coordinate
// to a fractional pixel position. ok is false for a degenerate transform.
func (b *RasterBand) ToPixel(lon, lat float64) (col, row float64, ok bool) {
	gt := b.Transform
	det := gt[1]*gt[5] - gt[2]*gt[4]
	if det == 0 {
		return 0, 0, false
	}
	dx := lon - gt[0]
	dy := lat - gt[3]
	col = (dx*gt[5] - dy*gt[2]) / det
	row = (dy*gt[1] - dx*gt[4]) / det
	return col, row, true
}

// SameGeometry reports whether two bands share grid shape and geotransform.
func (b *RasterBand) SameGeometry(other *RasterBand) bool {
	if b.Width != other.Width || b.Height != other.Height {
		return false
	}
	return b.Transform == other.Transform
}
