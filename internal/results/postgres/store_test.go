package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/sentryal/insar-pipeline/internal/insar"
)

func sampleFixture(pointID string) insar.DeformationSample {
	return insar.DeformationSample{
		JobID:      "job-1",
		PointID:    pointID,
		Lat:        44.995,
		Lon:        10.005,
		MeasuredAt: time.Date(2023, 5, 14, 0, 0, 0, 0, time.UTC),
		VerticalMM: -51.20,
		LOSMM:      -64.90,
		Coherence:  0.91,
		Trusted:    true,
	}
}

func expectInsert(mock pgxmock.PgxPoolIface, s insar.DeformationSample, inserted int64) {
	mock.ExpectExec("INSERT INTO insar_samples").
		WithArgs(s.JobID, s.PointID, s.Lat, s.Lon, s.MeasuredAt,
			s.VerticalMM, s.LOSMM, s.Coherence, s.Trusted).
		WillReturnResult(pgxmock.NewResult("INSERT", inserted))
}

func TestStore_CommitBatch(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewStoreWithPool(mock)
	require.NoError(t, err)

	a, b := sampleFixture("p1"), sampleFixture("p2")
	mock.ExpectBegin()
	expectInsert(mock, a, 1)
	expectInsert(mock, b, 1)
	mock.ExpectCommit()
	mock.ExpectRollback()

	n, err := store.Commit(context.Background(), []insar.DeformationSample{a, b})
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CommitReplayCountsNothing(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewStoreWithPool(mock)
	require.NoError(t, err)

	a, b := sampleFixture("p1"), sampleFixture("p2")
	mock.ExpectBegin()
	expectInsert(mock, a, 0)
	expectInsert(mock, b, 1)
	mock.ExpectCommit()
	mock.ExpectRollback()

	n, err := store.Commit(context.Background(), []insar.DeformationSample{a, b})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CommitRollsBackOnError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewStoreWithPool(mock)
	require.NoError(t, err)

	a := sampleFixture("p1")
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO insar_samples").
		WithArgs(a.JobID, a.PointID, a.Lat, a.Lon, a.MeasuredAt,
			a.VerticalMM, a.LOSMM, a.Coherence, a.Trusted).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err = store.Commit(context.Background(), []insar.DeformationSample{a})
	require.ErrorIs(t, err, insar.ErrPersistence)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CommitEmptyBatchIsNoOp(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewStoreWithPool(mock)
	require.NoError(t, err)

	n, err := store.Commit(context.Background(), nil)
	require.NoError(t, err)
	require.Zero(t, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ListByJob(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewStoreWithPool(mock)
	require.NoError(t, err)

	s := sampleFixture("p1")
	rows := pgxmock.NewRows([]string{
		"job_id", "point_id", "lat", "lon", "measured_at",
		"vertical_mm", "los_mm", "coherence", "trusted",
	}).AddRow(s.JobID, s.PointID, s.Lat, s.Lon, s.MeasuredAt,
		s.VerticalMM, s.LOSMM, s.Coherence, s.Trusted)

	mock.ExpectQuery("SELECT .* FROM insar_samples").
		WithArgs("job-1").
		WillReturnRows(rows)

	samples, err := store.ListByJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Len(t, samples, 1)
	require.Equal(t, s, samples[0])
	require.NoError(t, mock.ExpectationsWereMet())
}
