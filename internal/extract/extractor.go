// Package extract turns decoded raster bands into deformation samples.
package extract

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/sentryal/insar-pipeline/internal/insar"
	"github.com/sentryal/insar-pipeline/internal/raster"
	"github.com/sentryal/insar-pipeline/internal/telemetry"
)

// Config controls the quality filter.
type Config struct {
	// CoherenceThreshold is the minimum coherence for a trusted sample.
	CoherenceThreshold float64
	// KeepLowConfidence persists below-threshold samples flagged untrusted
	// instead of dropping them.
	KeepLowConfidence bool
}

// Extractor samples raster bands at catalog points. It holds no state
// between calls, so re-running it on the same files is safe.
type Extractor struct {
	cfg    Config
	logger *zap.Logger
}

// New constructs an Extractor.
func New(cfg Config, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{cfg: cfg, logger: logger}
}

// bandSet holds the decoded triplet for one acquisition.
type bandSet struct {
	vertical  *insar.RasterBand
	los       *insar.RasterBand
	coherence *insar.RasterBand
	filename  string
}

// Run decodes the artifacts and produces one sample per resolvable point.
// Points outside the raster, at no-data pixels, or (by default) below the
// coherence threshold are skipped and counted, never fatal.
func (e *Extractor) Run(jobID string, artifacts []insar.Artifact, points []insar.Point) ([]insar.DeformationSample, insar.BatchStats, error) {
	var stats insar.BatchStats

	set, err := decodeBands(artifacts)
	if err != nil {
		return nil, stats, err
	}
	if !set.vertical.SameGeometry(set.los) || !set.vertical.SameGeometry(set.coherence) {
		return nil, stats, fmt.Errorf("%w: bands do not share grid geometry", insar.ErrGeometryMismatch)
	}

	measuredAt, err := ParseAcquisitionDate(set.filename)
	if err != nil {
		// Policy: a file without a parsable date rejects the whole batch.
		return nil, stats, err
	}

	samples := make([]insar.DeformationSample, 0, len(points))
	var sumLOS, sumCoh float64
	for _, point := range points {
		fc, fr, ok := set.los.ToPixel(point.Lon, point.Lat)
		if !ok {
			return nil, stats, fmt.Errorf("%w: degenerate geotransform", insar.ErrGeometryMismatch)
		}
		// Nearest-neighbor sampling; no interpolation.
		col := int(math.Round(fc))
		row := int(math.Round(fr))
		if !set.los.InBounds(col, row) {
			stats.SkippedOutOfBounds++
			continue
		}

		vertical := float64(set.vertical.At(col, row))
		los := float64(set.los.At(col, row))
		coherence := float64(set.coherence.At(col, row))
		if isNoData(vertical, set.vertical.NoData) ||
			isNoData(los, set.los.NoData) ||
			isNoData(coherence, set.coherence.NoData) {
			stats.SkippedNoData++
			continue
		}

		trusted := coherence >= e.cfg.CoherenceThreshold
		if !trusted && !e.cfg.KeepLowConfidence {
			stats.SkippedLowQuality++
			continue
		}

		sample := insar.DeformationSample{
			JobID:      jobID,
			PointID:    point.ID,
			Lat:        point.Lat,
			Lon:        point.Lon,
			MeasuredAt: measuredAt,
			VerticalMM: metersToMM(vertical),
			LOSMM:      metersToMM(los),
			Coherence:  coherence,
			Trusted:    trusted,
		}
		samples = append(samples, sample)

		sumLOS += sample.LOSMM
		sumCoh += sample.Coherence
		if stats.SamplesPersisted == 0 || sample.LOSMM < stats.MinLOSMM {
			stats.MinLOSMM = sample.LOSMM
		}
		if stats.SamplesPersisted == 0 || sample.LOSMM > stats.MaxLOSMM {
			stats.MaxLOSMM = sample.LOSMM
		}
		stats.SamplesPersisted++
	}

	if stats.SamplesPersisted > 0 {
		stats.MeanLOSMM = round2(sumLOS / float64(stats.SamplesPersisted))
		stats.MeanCoherence = sumCoh / float64(stats.SamplesPersisted)
	}

	telemetry.ObserveSamplesSkipped("out_of_bounds", stats.SkippedOutOfBounds)
	telemetry.ObserveSamplesSkipped("no_data", stats.SkippedNoData)
	telemetry.ObserveSamplesSkipped("low_quality", stats.SkippedLowQuality)

	e.logger.Info("extraction finished",
		zap.String("job_id", jobID),
		zap.Int("persisted", stats.SamplesPersisted),
		zap.Int("out_of_bounds", stats.SkippedOutOfBounds),
		zap.Int("no_data", stats.SkippedNoData),
		zap.Int("low_quality", stats.SkippedLowQuality),
	)
	return samples, stats, nil
}

func decodeBands(artifacts []insar.Artifact) (*bandSet, error) {
	set := &bandSet{}
	for _, art := range artifacts {
		band, err := raster.Decode(art.Data)
		if err != nil {
			return nil, fmt.Errorf("decode %s band %q: %w", art.Kind, art.Filename, err)
		}
		switch art.Kind {
		case insar.BandVertical:
			set.vertical = band
		case insar.BandLOS:
			set.los = band
			set.filename = art.Filename
		case insar.BandCoherence:
			set.coherence = band
		default:
			return nil, fmt.Errorf("unexpected band kind %q", art.Kind)
		}
	}
	if set.vertical == nil || set.los == nil || set.coherence == nil {
		return nil, fmt.Errorf("%w: incomplete band triplet", insar.ErrGeometryMismatch)
	}
	return set, nil
}

func isNoData(v, sentinel float64) bool {
	return v == sentinel || math.IsNaN(v) || math.IsInf(v, 0)
}

// metersToMM converts a displacement in meters to millimeters at the fixed
// two-decimal precision used by the result store.
func metersToMM(m float64) float64 {
	return round2(m * 1000)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
