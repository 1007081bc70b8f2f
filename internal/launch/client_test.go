package launch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// launchService scripts a launch: the submit response, then one poll
// response per call in order, repeating the last one.
func launchService(t *testing.T, submit Status, polls ...Status) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var pollCount atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/launch", func(w http.ResponseWriter, r *http.Request) {
		var req launchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "docker", req.Provider)
		assert.NotEmpty(t, req.Spec.Image)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(submit)
	})
	mux.HandleFunc("GET /api/launch/{id}", func(w http.ResponseWriter, r *http.Request) {
		n := int(pollCount.Add(1)) - 1
		if n >= len(polls) {
			n = len(polls) - 1
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(polls[n])
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, &pollCount
}

func testConfig(baseURL string) Config {
	return Config{
		BaseURL:      baseURL,
		Provider:     "docker",
		PollInterval: 5 * time.Millisecond,
		PollTimeout:  time.Second,
	}
}

func TestLaunchReady(t *testing.T) {
	ts, polls := launchService(t,
		Status{ID: "l-1", Phase: PhaseQueued},
		Status{ID: "l-1", Phase: PhaseBuilding},
		Status{ID: "l-1", Phase: PhaseReady, URL: "https://compute.example.com/", Token: "tok"},
	)

	client := NewClient(testConfig(ts.URL))

	conn, err := client.Launch(context.Background(), ImageSpec{Image: "stoker/base:1"})
	require.NoError(t, err)

	assert.Equal(t, "https://compute.example.com", conn.BaseURL)
	assert.Equal(t, "tok", conn.Token)
	assert.GreaterOrEqual(t, polls.Load(), int32(2))
}

func TestLaunchImmediatelyReady(t *testing.T) {
	ts, polls := launchService(t,
		Status{ID: "l-2", Phase: PhaseReady, URL: "https://fast.example.com", Token: ""},
	)

	client := NewClient(testConfig(ts.URL))

	conn, err := client.Launch(context.Background(), ImageSpec{Image: "stoker/base:1"})
	require.NoError(t, err)
	assert.Equal(t, "https://fast.example.com", conn.BaseURL)
	assert.Zero(t, polls.Load())
}

func TestLaunchFailed(t *testing.T) {
	ts, _ := launchService(t,
		Status{ID: "l-3", Phase: PhaseBuilding},
		Status{ID: "l-3", Phase: PhaseFailed, Message: "image build broke"},
	)

	client := NewClient(testConfig(ts.URL))

	_, err := client.Launch(context.Background(), ImageSpec{Image: "stoker/broken:1"})
	require.ErrorIs(t, err, ErrProvisionFailed)
	assert.Contains(t, err.Error(), "image build broke")
}

func TestLaunchPollTimeout(t *testing.T) {
	ts, _ := launchService(t,
		Status{ID: "l-4", Phase: PhaseBuilding},
		Status{ID: "l-4", Phase: PhaseBuilding},
	)

	cfg := testConfig(ts.URL)
	cfg.PollTimeout = 40 * time.Millisecond
	client := NewClient(cfg)

	_, err := client.Launch(context.Background(), ImageSpec{Image: "stoker/slow:1"})
	assert.ErrorIs(t, err, ErrProvisionFailed)
}

func TestLaunchContextCancelled(t *testing.T) {
	ts, _ := launchService(t,
		Status{ID: "l-5", Phase: PhaseBuilding},
		Status{ID: "l-5", Phase: PhaseBuilding},
	)

	cfg := testConfig(ts.URL)
	cfg.PollTimeout = time.Minute
	client := NewClient(cfg)

	// Cancel while the launch is stuck in building
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := client.Launch(ctx, ImageSpec{Image: "stoker/base:1"})
	assert.ErrorIs(t, err, ErrProvisionFailed)
}

func TestLaunchRejectedSpec(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/launch", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such image", http.StatusUnprocessableEntity)
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	client := NewClient(testConfig(ts.URL))

	_, err := client.Launch(context.Background(), ImageSpec{Image: "stoker/nope:1"})
	assert.ErrorIs(t, err, ErrProvisionFailed)
}

func TestLaunchUnusableURL(t *testing.T) {
	ts, _ := launchService(t,
		Status{ID: "l-6", Phase: PhaseReady, URL: "ftp://weird", Token: ""},
	)

	client := NewClient(testConfig(ts.URL))

	_, err := client.Launch(context.Background(), ImageSpec{Image: "stoker/base:1"})
	assert.ErrorIs(t, err, ErrProvisionFailed)
}
