package tracking

import (
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"path"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit(t *testing.T) {
	_, err := Init("")
	require.Error(t, err)

	run, err := Init("test-project")
	require.NoError(t, err)
	assert.Len(t, run.ID(), 8)
	assert.Regexp(t, regexp.MustCompile(`^run-\d{8}_\d{6}-[0-9a-f]{8}$`), run.Name())
	assert.Equal(t, "test-project", run.Project())

	other, err := Init("test-project", WithName("my-run"))
	require.NoError(t, err)
	assert.Equal(t, "my-run", other.Name())
	assert.NotEqual(t, run.ID(), other.ID())

	_, err = Init("test-project", WithName("a/b"))
	require.Error(t, err)
}

// failingSink rejects configurations and records whether it was closed.
type failingSink struct {
	closed bool
}

func (s *failingSink) Open(Metadata) error { return nil }
func (s *failingSink) Config(map[string]any) error { return errors.New("config rejected") }
func (s *failingSink) History(Row) error { return nil }
func (s *failingSink) Summary(map[string]any) error { return nil }
func (s *failingSink) Close() error {
	s.closed = true
	return nil
}

func TestInitClosesSinksOnConfigError(t *testing.T) {
	local := NewLocalSink(t.TempDir())
	failing := &failingSink{}
	_, err := Init("test-project", WithSinks(local, failing), WithConfig(map[string]any{"depth": 2}))
	require.Error(t, err)
	assert.True(t, failing.closed)
	assert.Nil(t, local.history)
}

func TestLocalRun(t *testing.T) {
	root := t.TempDir()
	sink := NewLocalSink(root)
	run, err := Init("cifar10-cnn", WithSinks(sink), WithConfig(map[string]any{"depth": 2}))
	require.NoError(t, err)
	runDir := path.Join(root, run.Name())
	assert.Equal(t, runDir, sink.RunDir())

	require.NoError(t, run.UpdateConfig(map[string]any{"depth": 3, "num_chunks": 2}))
	require.NoError(t, run.Log(map[string]any{"epoch": 0, "loss": 1.5}))
	require.NoError(t, run.Log(map[string]any{"epoch": 1, "loss": math.NaN(), "test_accuracy": 0.25}))
	assert.Equal(t, 2, run.Step())

	// Before finishing, the summary is rebuilt from the history.
	summary, err := LoadSummary(runDir)
	require.NoError(t, err)
	loss, ok := Row(summary).Float("loss")
	require.True(t, ok)
	assert.True(t, math.IsNaN(loss))

	require.NoError(t, run.Finish())
	require.ErrorIs(t, run.Log(map[string]any{"epoch": 2}), ErrFinished)
	require.ErrorIs(t, run.UpdateConfig(map[string]any{"depth": 4}), ErrFinished)
	require.ErrorIs(t, run.Finish(), ErrFinished)

	runs, err := FindRuns(root)
	require.NoError(t, err)
	assert.Equal(t, []string{runDir}, runs)

	meta, err := LoadMetadata(runDir)
	require.NoError(t, err)
	assert.Equal(t, run.ID(), meta.ID)
	assert.Equal(t, "cifar10-cnn", meta.Project)

	config, err := LoadConfig(runDir)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"depth": 3.0, "num_chunks": 2.0}, config)

	rows, err := LoadHistory(runDir)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for ii, row := range rows {
		step, ok := row.Int(StepKey)
		require.True(t, ok)
		assert.Equal(t, ii, step)
		epoch, _ := row.Int("epoch")
		assert.Equal(t, ii, epoch)
		_, ok = row.Float(TimestampKey)
		assert.True(t, ok)
	}
	loss, _ = rows[0].Float("loss")
	assert.Equal(t, 1.5, loss)

	summary, err = LoadSummary(runDir)
	require.NoError(t, err)
	acc, ok := Row(summary).Float("test_accuracy")
	require.True(t, ok)
	assert.Equal(t, 0.25, acc)
	step, _ := Row(summary).Int(StepKey)
	assert.Equal(t, 1, step)
}

func TestFindRunsIgnoresOtherDirs(t *testing.T) {
	root := t.TempDir()
	for range 2 {
		run, err := Init("p", WithSinks(NewLocalSink(root)))
		require.NoError(t, err)
		require.NoError(t, run.Finish())
	}
	_, err := Init("p", WithName("z-unfinished"), WithSinks(NewLocalSink(path.Join(root, "nested"))))
	require.NoError(t, err)
	runs, err := FindRuns(root)
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	_, err = FindRuns(path.Join(root, "missing"))
	require.Error(t, err)
}

// fakeService records the requests received and fails the first `failures` requests of each path
// with the given status.
type fakeService struct {
	mu       sync.Mutex
	failures map[string]int
	status   int
	calls    map[string]int
	bodies   map[string][]map[string]any
	auth     []string
}

func (f *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[r.URL.Path]++
	f.auth = append(f.auth, r.Header.Get("Authorization"))
	if f.failures[r.URL.Path] > 0 {
		f.failures[r.URL.Path]--
		http.Error(w, "not now", f.status)
		return
	}
	content, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(content, &body)
	f.bodies[r.URL.Path] = append(f.bodies[r.URL.Path], body)
	w.WriteHeader(http.StatusOK)
}

func newFakeService(status int, failures map[string]int) *fakeService {
	return &fakeService{
		failures: failures,
		status:   status,
		calls:    make(map[string]int),
		bodies:   make(map[string][]map[string]any),
	}
}

func TestRemoteRun(t *testing.T) {
	service := newFakeService(http.StatusServiceUnavailable, nil)
	server := httptest.NewServer(service)
	defer server.Close()

	sink := NewRemoteSink(server.URL+"/", "secret").WithRetries(3, time.Millisecond, 5*time.Millisecond)
	run, err := Init("cifar10-cnn", WithSinks(sink))
	require.NoError(t, err)
	runPath := "/runs/" + run.ID()
	// Transient failures are retried.
	service.mu.Lock()
	service.failures = map[string]int{runPath + "/history": 2}
	service.mu.Unlock()

	require.NoError(t, run.UpdateConfig(map[string]any{"depth": 2}))
	require.NoError(t, run.Log(map[string]any{"loss": 0.5}))
	require.NoError(t, run.Finish())

	service.mu.Lock()
	defer service.mu.Unlock()
	assert.Equal(t, 1, service.calls[runPath])
	assert.Equal(t, 3, service.calls[runPath+"/history"])
	assert.Equal(t, 1, service.calls[runPath+"/summary"])
	assert.Equal(t, run.Name(), service.bodies[runPath][0]["name"])
	assert.Equal(t, 2.0, service.bodies[runPath+"/config"][0]["depth"])
	assert.Equal(t, 0.5, service.bodies[runPath+"/history"][0]["loss"])
	for _, auth := range service.auth {
		assert.Equal(t, "Bearer secret", auth)
	}
}

func TestRemoteSinkErrors(t *testing.T) {
	// Client errors are not retried.
	service := newFakeService(http.StatusBadRequest, nil)
	server := httptest.NewServer(service)
	defer server.Close()
	sink := NewRemoteSink(server.URL, "").WithRetries(3, time.Millisecond, 5*time.Millisecond)
	require.NoError(t, sink.Open(Metadata{ID: "abcd1234", Name: "run"}))
	service.mu.Lock()
	service.failures = map[string]int{"/runs/abcd1234/config": 10}
	service.mu.Unlock()
	require.Error(t, sink.Config(map[string]any{"a": 1}))
	service.mu.Lock()
	assert.Equal(t, 1, service.calls["/runs/abcd1234/config"])
	assert.Equal(t, "", service.auth[0])
	service.mu.Unlock()

	// Server errors are retried until the retries are exhausted.
	service.mu.Lock()
	service.status = http.StatusInternalServerError
	service.failures = map[string]int{"/runs/abcd1234/history": 10}
	service.mu.Unlock()
	require.Error(t, sink.History(Row{"loss": 1.0}))
	service.mu.Lock()
	assert.Equal(t, 4, service.calls["/runs/abcd1234/history"])
	service.mu.Unlock()
	require.NoError(t, sink.Close())

	require.Error(t, NewRemoteSink("", "").Open(Metadata{ID: "x"}))
}
