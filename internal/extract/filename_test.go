package extract

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sentryal/insar-pipeline/internal/insar"
)

func TestParseAcquisitionDate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		file string
		want time.Time
	}{
		{
			name: "sentinel granule style",
			file: "S1A_IW_SLC__1SDV_20231101T054312_los.tif",
			want: time.Date(2023, 11, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "plain date",
			file: "los_20200229.tif",
			want: time.Date(2020, 2, 29, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "skips non-date digit runs",
			file: "orbit_00001234_20190615_los.tif",
			want: time.Date(2019, 6, 15, 0, 0, 0, 0, time.UTC),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseAcquisitionDate(tc.file)
			require.NoError(t, err)
			require.True(t, got.Equal(tc.want), "got %s", got)
		})
	}
}

func TestParseAcquisitionDate_Unparsable(t *testing.T) {
	t.Parallel()

	for _, file := range []string{"los.tif", "result_1234.tif", "los_99999999.tif", ""} {
		_, err := ParseAcquisitionDate(file)
		require.ErrorIs(t, err, insar.ErrUnparsableFilename, "file %q", file)
	}
}
