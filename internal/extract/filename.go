package extract

import (
	"fmt"
	"regexp"
	"time"

	"github.com/sentryal/insar-pipeline/internal/insar"
)

// Result filenames carry the secondary acquisition date as a YYYYMMDD run,
// following the Sentinel-1 granule convention
// (e.g. S1A_IW_SLC__1SDV_20231101T054312_..._los.tif).
var dateRun = regexp.MustCompile(`\d{8}`)

// ParseAcquisitionDate extracts the acquisition date from a raster filename.
// It returns ErrUnparsableFilename when no 8-digit run parses as a date.
func ParseAcquisitionDate(name string) (time.Time, error) {
	for _, run := range dateRun.FindAllString(name, -1) {
		t, err := time.Parse("20060102", run)
		if err != nil {
			continue
		}
		// Runs like orbit numbers can be 8 digits; only accept values in
		// the mission era.
		if t.Year() >= 1990 && t.Year() <= 2100 {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", insar.ErrUnparsableFilename, name)
}
