package modelcache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testBlob returns n deterministic bytes.
func testBlob(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 3)
	}
	return b
}

// downloadDescriptor builds a non-seed generation descriptor whose
// checksum matches blob.
func downloadDescriptor(id, url string, blob []byte) ArtifactDescriptor {
	return ArtifactDescriptor{
		ID:        id,
		Name:      id,
		Kind:      KindGeneration,
		Version:   "1",
		SizeBytes: int64(len(blob)),
		Checksum:  Checksum(blob),
		SourceURL: url,
	}
}

// rangeServer serves a blob with Range support and records the Range
// header of every request.
type rangeServer struct {
	blob []byte

	// ignoreRange makes the server answer every request with the full
	// body and status 200, like a server without Range support.
	ignoreRange bool

	mu      sync.Mutex
	headers []string
}

func (rs *rangeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rng := r.Header.Get("Range")
	rs.mu.Lock()
	rs.headers = append(rs.headers, rng)
	rs.mu.Unlock()

	body := rs.blob
	status := http.StatusOK
	if rng != "" && !rs.ignoreRange {
		offset, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(rng, "bytes="), "-"), 10, 64)
		if err != nil || offset < 0 || offset > int64(len(rs.blob)) {
			http.Error(w, "bad range", http.StatusRequestedRangeNotSatisfiable)
			return
		}
		body = rs.blob[offset:]
		status = http.StatusPartialContent
	}

	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	w.Write(body)
}

func (rs *rangeServer) rangeHeaders() []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]string(nil), rs.headers...)
}

func TestDownloadFull(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, 0)
	blob := testBlob(4096)

	rs := &rangeServer{blob: blob}
	ts := httptest.NewServer(rs)
	defer ts.Close()

	desc := downloadDescriptor("model-x", ts.URL, blob)
	d := newDownloader(store, ts.Client(), nil, 1)

	var events []ProgressEvent
	require.NoError(t, d.download(ctx, desc, func(ev ProgressEvent) {
		events = append(events, ev)
	}))

	// The verified blob landed in the store, the checkpoint is gone.
	ready, err := store.IsReady(ctx, desc.ID)
	require.NoError(t, err)
	assert.True(t, ready)

	got, err := store.GetArtifactBlob(ctx, desc.ID)
	require.NoError(t, err)
	assert.Equal(t, blob, got)

	_, err = store.GetDownloadState(ctx, desc.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Event stream: pending first, complete last, bytes non-decreasing,
	// exactly one terminal event.
	require.NotEmpty(t, events)
	assert.Equal(t, StatusPending, events[0].Status)
	assert.Equal(t, StatusComplete, events[len(events)-1].Status)

	terminal := 0
	var prev int64
	for _, ev := range events {
		require.GreaterOrEqual(t, ev.BytesDownloaded, prev)
		prev = ev.BytesDownloaded
		assert.LessOrEqual(t, ev.Percentage, 100.0)
		if ev.Status == StatusComplete || ev.Status == StatusError {
			terminal++
		}
	}
	assert.Equal(t, 1, terminal)
	assert.Equal(t, int64(len(blob)), events[len(events)-1].BytesDownloaded)
}

func TestDownloadResume(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, 0)
	blob := testBlob(1000)

	rs := &rangeServer{blob: blob}
	ts := httptest.NewServer(rs)
	defer ts.Close()

	desc := downloadDescriptor("model-x", ts.URL, blob)

	// A prior attempt checkpointed the first 600 bytes.
	state := DownloadState{
		ArtifactID:      desc.ID,
		BytesDownloaded: 600,
		TotalBytes:      int64(len(blob)),
		Chunks:          []ByteRange{{Offset: 0, Length: 600}},
	}
	require.NoError(t, store.PutDownloadState(ctx, state, blob[:600]))

	d := newDownloader(store, ts.Client(), nil, 1)

	var events []ProgressEvent
	require.NoError(t, d.download(ctx, desc, func(ev ProgressEvent) {
		events = append(events, ev)
	}))

	// The request asked for the remainder only.
	headers := rs.rangeHeaders()
	require.Len(t, headers, 1)
	assert.Equal(t, "bytes=600-", headers[0])

	// Progress starts from the resumed prefix.
	require.NotEmpty(t, events)
	assert.Equal(t, StatusPending, events[0].Status)
	assert.Equal(t, int64(600), events[0].BytesDownloaded)

	got, err := store.GetArtifactBlob(ctx, desc.ID)
	require.NoError(t, err)
	assert.Equal(t, blob, got)

	_, err = store.GetDownloadState(ctx, desc.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDownloadServerIgnoresRange(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, 0)
	blob := testBlob(1000)

	rs := &rangeServer{blob: blob, ignoreRange: true}
	ts := httptest.NewServer(rs)
	defer ts.Close()

	desc := downloadDescriptor("model-x", ts.URL, blob)

	// Stale checkpoint with garbage partial bytes: the full-body
	// response must discard it and still produce a verified blob.
	state := DownloadState{ArtifactID: desc.ID, BytesDownloaded: 600, TotalBytes: int64(len(blob))}
	require.NoError(t, store.PutDownloadState(ctx, state, make([]byte, 600)))

	d := newDownloader(store, ts.Client(), nil, 1)

	var events []ProgressEvent
	require.NoError(t, d.download(ctx, desc, func(ev ProgressEvent) {
		events = append(events, ev)
	}))

	got, err := store.GetArtifactBlob(ctx, desc.ID)
	require.NoError(t, err)
	assert.Equal(t, blob, got)

	// The restart resets the byte count before the first event goes
	// out, so the stream stays non-decreasing even though the stale
	// checkpoint sat at 600.
	require.NotEmpty(t, events)
	assert.Equal(t, StatusPending, events[0].Status)
	assert.Equal(t, int64(0), events[0].BytesDownloaded)
	assert.Equal(t, StatusComplete, events[len(events)-1].Status)

	var prev int64
	for _, ev := range events {
		require.GreaterOrEqual(t, ev.BytesDownloaded, prev)
		prev = ev.BytesDownloaded
	}
}

func TestDownloadCompleteCheckpointSkipsNetwork(t *testing.T) {
	ctx := context.Background()
	blob := testBlob(1000)

	rs := &rangeServer{blob: blob}
	ts := httptest.NewServer(rs)
	defer ts.Close()

	fullState := func(id string) DownloadState {
		return DownloadState{
			ArtifactID:      id,
			BytesDownloaded: int64(len(blob)),
			TotalBytes:      int64(len(blob)),
			Chunks:          []ByteRange{{Offset: 0, Length: int64(len(blob))}},
		}
	}

	t.Run("verifies without a request", func(t *testing.T) {
		store := newTestStore(t, 0)
		desc := downloadDescriptor("model-x", ts.URL, blob)

		// A prior attempt checkpointed every byte but failed before the
		// blob was promoted.
		require.NoError(t, store.PutDownloadState(ctx, fullState(desc.ID), blob))

		d := newDownloader(store, ts.Client(), nil, 1)

		var events []ProgressEvent
		require.NoError(t, d.download(ctx, desc, func(ev ProgressEvent) {
			events = append(events, ev)
		}))

		// Asking for bytes=1000- would only earn a 416, so no request
		// goes out at all.
		assert.Empty(t, rs.rangeHeaders())

		ready, err := store.IsReady(ctx, desc.ID)
		require.NoError(t, err)
		assert.True(t, ready)

		require.Len(t, events, 3)
		assert.Equal(t, StatusPending, events[0].Status)
		assert.Equal(t, StatusVerifying, events[1].Status)
		assert.Equal(t, StatusComplete, events[2].Status)
	})

	t.Run("corrupt payload restarts from zero", func(t *testing.T) {
		store := newTestStore(t, 0)
		desc := downloadDescriptor("model-y", ts.URL, blob)

		corrupted := append([]byte(nil), blob...)
		corrupted[7] ^= 0x01
		require.NoError(t, store.PutDownloadState(ctx, fullState(desc.ID), corrupted))

		d := newDownloader(store, ts.Client(), nil, 1)

		err := d.download(ctx, desc, nil)
		assert.ErrorIs(t, err, ErrIntegrity)

		_, err = store.GetDownloadState(ctx, desc.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestDownloadQuotaFitsSingleArtifact(t *testing.T) {
	ctx := context.Background()
	blob := testBlob(1000)

	// Quota between one and two artifact sizes: the staged checkpoint
	// payload must not be double-counted when the blob is promoted.
	store := newTestStore(t, 1500)

	rs := &rangeServer{blob: blob}
	ts := httptest.NewServer(rs)
	defer ts.Close()

	desc := downloadDescriptor("model-x", ts.URL, blob)
	d := newDownloader(store, ts.Client(), nil, 1)

	require.NoError(t, d.download(ctx, desc, nil))

	ready, err := store.IsReady(ctx, desc.ID)
	require.NoError(t, err)
	assert.True(t, ready)

	usage, err := store.EstimateUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(len(blob)), usage.UsedBytes)
}

func TestDownloadChecksumMismatch(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, 0)
	blob := testBlob(1000)

	corrupted := append([]byte(nil), blob...)
	corrupted[42] ^= 0x01
	rs := &rangeServer{blob: corrupted}
	ts := httptest.NewServer(rs)
	defer ts.Close()

	desc := downloadDescriptor("model-x", ts.URL, blob)
	d := newDownloader(store, ts.Client(), nil, 1)

	var last ProgressEvent
	err := d.download(ctx, desc, func(ev ProgressEvent) { last = ev })
	assert.ErrorIs(t, err, ErrIntegrity)
	assert.Equal(t, StatusError, last.Status)
	assert.NotEmpty(t, last.Err)

	// The checkpoint is deleted so the next attempt restarts from zero,
	// and no artifact was stored.
	_, err = store.GetDownloadState(ctx, desc.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetArtifactBlob(ctx, desc.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDownloadMissingURL(t *testing.T) {
	store := newTestStore(t, 0)
	d := newDownloader(store, http.DefaultClient, nil, 1)

	desc := downloadDescriptor("model-x", "", testBlob(10))

	var last ProgressEvent
	err := d.download(context.Background(), desc, func(ev ProgressEvent) { last = ev })
	assert.ErrorIs(t, err, ErrInvalidArtifact)
	assert.Equal(t, StatusError, last.Status)
}

func TestDownloadUnexpectedStatus(t *testing.T) {
	store := newTestStore(t, 0)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer ts.Close()

	desc := downloadDescriptor("model-x", ts.URL, testBlob(10))
	d := newDownloader(store, ts.Client(), nil, 1)

	err := d.download(context.Background(), desc, nil)
	assert.ErrorIs(t, err, ErrTransfer)
}

func TestDownloadOverrun(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, 0)

	// Chunked response with no declared length: the descriptor's size
	// is the only bound, and the server blows past it.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		w.Write(testBlob(500))
	}))
	defer ts.Close()

	desc := downloadDescriptor("model-x", ts.URL, testBlob(10))
	d := newDownloader(store, ts.Client(), nil, 1)

	err := d.download(ctx, desc, nil)
	assert.ErrorIs(t, err, ErrTransfer)

	// An untrusted stream takes its checkpoint with it.
	_, err = store.GetDownloadState(ctx, desc.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDownloadCancellationKeepsCheckpoint(t *testing.T) {
	store := newTestStore(t, 0)
	blob := testBlob(100)

	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(blob)
		w.(http.Flusher).Flush()
		// Hold the connection open until the client gives up.
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer ts.Close()
	defer close(release)

	// The descriptor promises more bytes than the server will deliver
	// before the deadline hits.
	desc := downloadDescriptor("model-x", ts.URL, testBlob(100))
	desc.SizeBytes = 10000

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	d := newDownloader(store, ts.Client(), nil, 1)

	err := d.download(ctx, desc, nil)
	require.Error(t, err)

	// The checkpoint survives for a later resume and holds a prefix of
	// the real payload.
	state, stateErr := store.GetDownloadState(context.Background(), desc.ID)
	require.NoError(t, stateErr)
	assert.Greater(t, state.BytesDownloaded, int64(0))

	data, dataErr := store.GetDownloadData(context.Background(), desc.ID)
	require.NoError(t, dataErr)
	assert.Equal(t, blob[:len(data)], data)
}

func TestDownloadQuotaExceeded(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, 100)
	blob := testBlob(1000)

	rs := &rangeServer{blob: blob}
	ts := httptest.NewServer(rs)
	defer ts.Close()

	desc := downloadDescriptor("model-x", ts.URL, blob)
	d := newDownloader(store, ts.Client(), nil, 1)

	var last ProgressEvent
	err := d.download(ctx, desc, func(ev ProgressEvent) { last = ev })
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Equal(t, StatusError, last.Status)
}
