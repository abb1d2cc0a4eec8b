package capture

import (
	"bytes"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/httpseal/sealtap/pkg/logger"
)

// failingStorage rejects writes for the named artifacts
type failingStorage struct {
	*MemoryStorage
	fail map[string]bool
}

func (s *failingStorage) WriteArtifact(name string, data []byte) (string, error) {
	if s.fail[name] {
		return "", errors.New("disk full")
	}
	return s.MemoryStorage.WriteArtifact(name, data)
}

func recordSampleTraffic(rec *Recorder, clock *fakeClock) {
	flow := newFlow("f1", http.MethodGet, "http://example.com/", nil)
	rec.RequestHeaders(flow)
	clock.Advance(5 * time.Millisecond)
	rec.Response(respond(flow, 200, "text/plain", []byte("ok")))
	rec.StreamMessage(&Flow{ID: "ws", Messages: []Message{{FromClient: true, Content: []byte("ping")}}})
}

func TestDoneActivityFailureIsReturned(t *testing.T) {
	storage := &failingStorage{MemoryStorage: NewMemoryStorage(), fail: map[string]bool{ActivityArtifact: true}}
	var logs bytes.Buffer
	clock := newFakeClock()
	rec, err := NewRecorder(Options{Level: LevelStreams, Storage: storage, Logger: logger.NewWithWriter(&logs, false), Now: clock.Now})
	require.NoError(t, err)
	recordSampleTraffic(rec, clock)

	summary, err := rec.Done()
	assert.Nil(t, summary)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrActivityNotSaved)
	assert.Contains(t, err.Error(), "disk full")
	assert.Contains(t, logs.String(), "ERROR: Failed to save network_activity.json")
	assert.Empty(t, storage.Writes(), "nothing else is written once the activity log fails")
}

func TestDoneOptionalFailuresAreLogged(t *testing.T) {
	storage := &failingStorage{
		MemoryStorage: NewMemoryStorage(),
		fail:          map[string]bool{PerformanceArtifact: true, SummaryArtifact: true},
	}
	var logs bytes.Buffer
	clock := newFakeClock()
	rec, err := NewRecorder(Options{Level: LevelStreams, Storage: storage, Logger: logger.NewWithWriter(&logs, false), Now: clock.Now})
	require.NoError(t, err)
	recordSampleTraffic(rec, clock)

	summary, err := rec.Done()
	require.NoError(t, err)
	assert.Nil(t, summary.Files.PerformanceMetrics, "failed optional artifacts are not referenced")
	require.NotNil(t, summary.Files.WebSocketMessages)
	assert.Equal(t, "mem://"+MessagesArtifact, *summary.Files.WebSocketMessages)
	assert.Equal(t, 1, summary.PerformanceMetricsCount)

	out := logs.String()
	assert.Contains(t, out, "Failed to save performance_metrics.json")
	assert.Contains(t, out, "Failed to save session_summary.json")
	assert.Equal(t, []string{ActivityArtifact, MessagesArtifact}, storage.Writes())
}

func TestDoneReportsStaleOptionalArtifact(t *testing.T) {
	storage := &failingStorage{MemoryStorage: NewMemoryStorage(), fail: map[string]bool{}}
	var logs bytes.Buffer
	clock := newFakeClock()
	rec, err := NewRecorder(Options{Level: LevelStreams, Storage: storage, Logger: logger.NewWithWriter(&logs, false), Now: clock.Now})
	require.NoError(t, err)
	recordSampleTraffic(rec, clock)

	summary, err := rec.Done()
	require.NoError(t, err)
	require.NotNil(t, summary.Files.PerformanceMetrics)
	assert.NotContains(t, logs.String(), "stale")

	storage.fail[PerformanceArtifact] = true
	summary, err = rec.Done()
	require.NoError(t, err)
	assert.Nil(t, summary.Files.PerformanceMetrics)
	assert.NotNil(t, summary.Files.WebSocketMessages)
	assert.Contains(t, logs.String(), "Earlier performance_metrics.json is stale")
	assert.NotContains(t, logs.String(), "Earlier websocket_messages.json")

	_, kept := storage.Artifact(PerformanceArtifact)
	assert.True(t, kept, "the first copy is left in place")
}

func TestDoneWriteOrder(t *testing.T) {
	h := newHarness(t, LevelStreams)
	recordSampleTraffic(h.rec, h.clock)

	_, err := h.rec.Done()
	require.NoError(t, err)
	assert.Equal(t, []string{ActivityArtifact, PerformanceArtifact, MessagesArtifact, SummaryArtifact}, h.storage.Writes())
}

func TestDoneTwiceIsIdempotent(t *testing.T) {
	h := newHarness(t, LevelStreams)
	recordSampleTraffic(h.rec, h.clock)

	_, err := h.rec.Done()
	require.NoError(t, err)
	first := map[string][]byte{}
	for _, name := range []string{ActivityArtifact, PerformanceArtifact, MessagesArtifact, SummaryArtifact} {
		first[name], _ = h.storage.Artifact(name)
	}

	_, err = h.rec.Done()
	require.NoError(t, err)
	for name, data := range first {
		again, ok := h.storage.Artifact(name)
		require.True(t, ok)
		assert.Equal(t, string(data), string(again), name)
	}
}

func TestEventsAfterDoneAreKept(t *testing.T) {
	h := newHarness(t, LevelMetadata)
	recordSampleTraffic(h.rec, h.clock)

	summary, err := h.rec.Done()
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TotalRequests)

	h.rec.RequestHeaders(newFlow("late", http.MethodGet, "http://example.com/late", nil))
	summary, err = h.rec.Done()
	require.NoError(t, err)
	assert.Equal(t, 2, summary.TotalRequests)
}

func TestArtifactsAreIndentedJSON(t *testing.T) {
	h := newHarness(t, LevelMetadata)
	recordSampleTraffic(h.rec, h.clock)
	_, err := h.rec.Done()
	require.NoError(t, err)

	data, _ := h.storage.Artifact(SummaryArtifact)
	s := string(data)
	assert.True(t, strings.HasPrefix(s, "{\n  \"session_id\": \"20261019_140509\""))
	assert.True(t, strings.HasSuffix(s, "}\n"))
}

func TestDirStorageRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "session")
	storage, err := NewDirStorage(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, storage.Dir())

	clock := newFakeClock()
	rec, err := NewRecorder(Options{Level: LevelBodies, Storage: storage, Now: clock.Now})
	require.NoError(t, err)

	flow := newFlow("f1", http.MethodPost, "http://example.com/form", []byte("a=1"))
	rec.RequestHeaders(flow)
	clock.Advance(12 * time.Millisecond)
	rec.Response(respond(flow, 302, "text/html", []byte("moved")))
	orphan := respond(newFlow("f2", http.MethodGet, "http://example.com/x", nil), 500, "", nil)
	rec.Response(orphan)

	summary, err := rec.Done()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ActivityArtifact), summary.Files.NetworkActivity)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{ActivityArtifact, SummaryArtifact}, names, "no temporary files are left behind")

	records, err := LoadActivity(dir)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, KindRequest, records[0].Type)
	assert.Equal(t, "POST", records[0].Method)
	require.NotNil(t, records[0].BodyPreview)
	assert.Equal(t, "a=1", *records[0].BodyPreview)
	assert.Equal(t, KindResponse, records[1].Type)
	assert.Equal(t, 302, records[1].StatusCode)
	require.NotNil(t, records[1].DurationMs)
	assert.InDelta(t, 12.0, *records[1].DurationMs, 0.001)
	assert.Nil(t, records[2].DurationMs)

	loaded, err := LoadSummary(dir)
	require.NoError(t, err)
	assert.Equal(t, rec.Session().ID, loaded.SessionID)
	assert.Equal(t, LevelBodies, loaded.Level)
	assert.Equal(t, 1, loaded.TotalRequests)
	assert.Equal(t, 2, loaded.TotalResponses)
	assert.Nil(t, loaded.Files.PerformanceMetrics)
}

func TestDirStorageOverwrites(t *testing.T) {
	storage, err := NewDirStorage(t.TempDir())
	require.NoError(t, err)

	_, err = storage.WriteArtifact("a.json", []byte("first"))
	require.NoError(t, err)
	path, err := storage.WriteArtifact("a.json", []byte("second"))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), info.Mode().Perm())
}

func TestReadActivityRejectsGarbage(t *testing.T) {
	_, err := ReadActivity(strings.NewReader("{not json"))
	assert.Error(t, err)

	_, err = LoadActivity(t.TempDir())
	assert.ErrorIs(t, err, os.ErrNotExist)
}
