package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sentryal/insar-pipeline/internal/insar"
)

func testConfig(endpoint string) Config {
	return Config{
		Endpoint:       endpoint,
		APIKey:         "test-key",
		Timeout:        2 * time.Second,
		MaxRetries:     3,
		BackoffInitial: time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
	}
}

func testJob() insar.Job {
	return insar.Job{
		ID:               "job-1",
		InfrastructureID: "dam-1",
		Parameters: insar.JobParameters{
			ReferenceGranule: "S1A_REF",
			SecondaryGranule: "S1A_SEC",
			BBox:             insar.BoundingBox{North: 45.1, South: 45.0, East: 10.1, West: 10.0},
		},
	}
}

func TestClient_Submit(t *testing.T) {
	t.Parallel()

	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/jobs", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")

		var req submitRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "job-1", req.JobID)
		require.Equal(t, "S1A_REF", req.ReferenceGranule)
		require.Len(t, req.Points, 1)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(submitResponse{RemoteJobID: "remote-42"})
	}))
	defer srv.Close()

	c, err := New(testConfig(srv.URL), zap.NewNop())
	require.NoError(t, err)

	remoteID, err := c.Submit(context.Background(), testJob(), []insar.Point{{ID: "p1", Lat: 45.05, Lon: 10.05}})
	require.NoError(t, err)
	require.Equal(t, "remote-42", remoteID)
	require.Equal(t, "Bearer test-key", gotAuth)
}

func TestClient_SubmitRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(submitResponse{RemoteJobID: "remote-42"})
	}))
	defer srv.Close()

	c, err := New(testConfig(srv.URL), zap.NewNop())
	require.NoError(t, err)

	remoteID, err := c.Submit(context.Background(), testJob(), nil)
	require.NoError(t, err)
	require.Equal(t, "remote-42", remoteID)
	require.EqualValues(t, 3, calls.Load())
}

func TestClient_SubmitRejectionIsPermanent(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c, err := New(testConfig(srv.URL), zap.NewNop())
	require.NoError(t, err)

	_, err = c.Submit(context.Background(), testJob(), nil)
	require.Error(t, err)
	require.True(t, insar.IsPermanent(err))
	require.EqualValues(t, 1, calls.Load(), "permanent failures are not retried")
}

func TestClient_StatusMapsAliases(t *testing.T) {
	t.Parallel()

	cases := map[string]insar.RemoteStatus{
		"PENDING":     insar.RemotePending,
		"QUEUED":      insar.RemotePending,
		"IN_PROGRESS": insar.RemoteRunning,
		"running":     insar.RemoteRunning,
		"COMPLETED":   insar.RemoteSucceeded,
		"SUCCEEDED":   insar.RemoteSucceeded,
		"ERROR":       insar.RemoteFailed,
	}
	for remote, want := range cases {
		remote, want := remote, want
		t.Run(remote, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, "/v1/jobs/remote-42", r.URL.Path)
				_ = json.NewEncoder(w).Encode(statusResponse{Status: remote})
			}))
			defer srv.Close()

			c, err := New(testConfig(srv.URL), zap.NewNop())
			require.NoError(t, err)

			got, err := c.Status(context.Background(), "remote-42")
			require.NoError(t, err)
			require.Equal(t, want, got)
		})
	}
}

func TestClient_StatusRateLimitedIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MaxRetries = 1
	c, err := New(cfg, zap.NewNop())
	require.NoError(t, err)

	_, err = c.Status(context.Background(), "remote-42")
	require.Error(t, err)
	require.True(t, insar.IsTransient(err))
}

func TestClient_DownloadArtifacts(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/v1/jobs/remote-42/artifacts", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(artifactListResponse{Artifacts: []artifactDescriptor{
			{Band: "displacement_vertical", Filename: "S1A_20230514_vertical.tif", URL: srv.URL + "/files/vertical"},
			{Band: "displacement_los", Filename: "S1A_20230514_los.tif", URL: srv.URL + "/files/los"},
			{Band: "coherence", Filename: "S1A_20230514_coherence.tif", URL: srv.URL + "/files/coherence"},
		}})
	})
	mux.HandleFunc("/files/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("bytes-of-" + r.URL.Path))
	})

	c, err := New(testConfig(srv.URL), zap.NewNop())
	require.NoError(t, err)

	artifacts, err := c.DownloadArtifacts(context.Background(), "remote-42")
	require.NoError(t, err)
	require.Len(t, artifacts, 3)
	require.Equal(t, insar.BandVertical, artifacts[0].Kind)
	require.Equal(t, insar.BandLOS, artifacts[1].Kind)
	require.Equal(t, insar.BandCoherence, artifacts[2].Kind)
	require.Equal(t, []byte("bytes-of-/files/los"), artifacts[1].Data)
}

func TestClient_DownloadArtifactsUnknownBand(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(artifactListResponse{Artifacts: []artifactDescriptor{
			{Band: "amplitude", Filename: "amp.tif", URL: "http://unused"},
		}})
	}))
	defer srv.Close()

	c, err := New(testConfig(srv.URL), zap.NewNop())
	require.NoError(t, err)

	_, err = c.DownloadArtifacts(context.Background(), "remote-42")
	require.Error(t, err)
	require.True(t, insar.IsPermanent(err))
}

func TestNew_RequiresEndpoint(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, zap.NewNop())
	require.Error(t, err)
}
