package controller

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/plan2mesh/internal/crops"
	"github.com/ChuLiYu/plan2mesh/internal/dataset"
	"github.com/ChuLiYu/plan2mesh/internal/jobmanager"
	"github.com/ChuLiYu/plan2mesh/internal/metrics"
	"github.com/ChuLiYu/plan2mesh/internal/pipeline"
	"github.com/ChuLiYu/plan2mesh/internal/storage"
	"github.com/ChuLiYu/plan2mesh/internal/storage/wal"
	"github.com/ChuLiYu/plan2mesh/internal/texture"
	"github.com/ChuLiYu/plan2mesh/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

const squareRoom = `{"scene":{"arch":{"elements":[
 {"type":"Floor","roomId":"r1","points":[[[0,0,0],[4,0,0],[4,0,4],[0,0,4]]]},
 {"type":"Ceiling","roomId":"r1","offset":[0,2.8,0]},
 {"type":"Wall","roomId":"r1"}
]}}}`

// fixedSource always picks the same house, optionally waiting on gate first.
type fixedSource struct {
	ref  dataset.Reference
	gate chan struct{}
}

func (s *fixedSource) Pick(*rand.Rand) (dataset.Reference, error) {
	if s.gate != nil {
		<-s.gate
	}
	return s.ref, nil
}

type panicSource struct{}

func (panicSource) Pick(*rand.Rand) (dataset.Reference, error) {
	panic("dataset exploded")
}

type env struct {
	dir    string
	layout *storage.Layout
	cfg    Config
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	layout, err := storage.NewLayout(filepath.Join(dir, "uploads"), filepath.Join(dir, "outputs"))
	require.NoError(t, err)
	return &env{
		dir:    dir,
		layout: layout,
		cfg: Config{
			WorkerCount:      2,
			TaskTimeout:      10 * time.Second,
			SnapshotInterval: time.Hour,
			WALPath:          filepath.Join(dir, "state", "jobs.wal"),
			SnapshotPath:     filepath.Join(dir, "state", "snapshot.json"),
			Seed:             7,
		},
	}
}

// house writes an architecture file and returns a source pointing at it.
func (e *env) house(t *testing.T, arch string) *fixedSource {
	t.Helper()
	path := filepath.Join(e.dir, "data", "h1.scene.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(arch), 0o644))
	return &fixedSource{ref: dataset.Reference{HouseID: "h1", Split: "test", ArchPath: path}}
}

func (e *env) processor(src dataset.Source) *pipeline.Processor {
	return &pipeline.Processor{
		Source:      src,
		Crops:       crops.NewCollector(crops.FSStore{Root: filepath.Join(e.dir, "data")}, 0),
		Synthesizer: texture.New(texture.Config{TargetSize: 16}),
	}
}

func (e *env) controller(t *testing.T, src dataset.Source, m *metrics.Collector) *Controller {
	t.Helper()
	c, err := NewController(e.cfg, Deps{Processor: e.processor(src), Layout: e.layout, Metrics: m})
	require.NoError(t, err)
	return c
}

func (e *env) submission(t *testing.T, id string) Submission {
	t.Helper()
	fp, err := e.layout.SaveFloorplan(id, "plan.png", []byte("plan"))
	require.NoError(t, err)
	photo, err := e.layout.SavePhoto(id, 0, "room.jpg", []byte("photo"))
	require.NoError(t, err)
	return Submission{ID: types.JobID(id), FloorplanPath: fp, PhotoPaths: []string{photo}}
}

func waitForStatus(t *testing.T, c *Controller, id types.JobID, want types.JobStatus) types.Job {
	t.Helper()
	require.Eventually(t, func() bool {
		job, err := c.Get(id)
		return err == nil && job.Status == want
	}, 10*time.Second, 20*time.Millisecond, "job %s never reached %s", id, want)
	job, err := c.Get(id)
	require.NoError(t, err)
	return job
}

// journal reads every event in the controller's current WAL file.
func journal(t *testing.T, c *Controller) []wal.Event {
	t.Helper()
	c.journalMu.Lock()
	defer c.journalMu.Unlock()

	var events []wal.Event
	require.NoError(t, c.wal.Replay(func(e wal.Event) error {
		events = append(events, e)
		return nil
	}))
	return events
}

// ============================================================================
// Construction and Submission
// ============================================================================

func TestNewControllerRequiresDeps(t *testing.T) {
	e := newEnv(t)

	_, err := NewController(e.cfg, Deps{Layout: e.layout})
	assert.Error(t, err)

	_, err = NewController(e.cfg, Deps{Processor: e.processor(panicSource{})})
	assert.Error(t, err)
}

func TestSubmitCreatesQueuedJob(t *testing.T) {
	e := newEnv(t)
	c := e.controller(t, e.house(t, squareRoom), nil)
	defer c.Stop()

	job, err := c.Submit(context.Background(), Submission{PhotoPaths: []string{"p.jpg"}, FloorplanPath: "f.png"})
	require.NoError(t, err)

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, types.StatusQueued, job.Status)
	assert.Equal(t, 0, job.Progress)
	assert.Equal(t, e.layout.JobOutputDir(string(job.ID)), job.OutputDir)
	assert.False(t, job.CreatedAt.IsZero())
}

func TestSubmitRejectsMissingPhotos(t *testing.T) {
	e := newEnv(t)
	c := e.controller(t, e.house(t, squareRoom), nil)
	defer c.Stop()

	_, err := c.Submit(context.Background(), Submission{FloorplanPath: "f.png"})
	assert.ErrorIs(t, err, ErrInvalidSubmission)
}

func TestSubmitDuplicateID(t *testing.T) {
	e := newEnv(t)
	c := e.controller(t, e.house(t, squareRoom), nil)
	defer c.Stop()

	sub := Submission{ID: "dup", PhotoPaths: []string{"p.jpg"}}
	_, err := c.Submit(context.Background(), sub)
	require.NoError(t, err)
	_, err = c.Submit(context.Background(), sub)
	assert.ErrorIs(t, err, jobmanager.ErrDuplicateJob)
}

func TestSubmitAfterStop(t *testing.T) {
	e := newEnv(t)
	c := e.controller(t, e.house(t, squareRoom), nil)
	c.Stop()

	_, err := c.Submit(context.Background(), Submission{PhotoPaths: []string{"p.jpg"}})
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, c.Start(), ErrStopped)
}

func TestStatusUnknownJob(t *testing.T) {
	e := newEnv(t)
	c := e.controller(t, e.house(t, squareRoom), nil)
	defer c.Stop()

	_, err := c.Status("does-not-exist")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = c.Get("does-not-exist")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

// ============================================================================
// Job Lifecycle
// ============================================================================

func TestJobRunsToCompletion(t *testing.T) {
	e := newEnv(t)
	reg := prometheus.NewRegistry()
	c := e.controller(t, e.house(t, squareRoom), metrics.NewCollector(reg))
	require.NoError(t, c.Start())
	defer c.Stop()

	job, err := c.Submit(context.Background(), e.submission(t, "job-ok"))
	require.NoError(t, err)

	done := waitForStatus(t, c, job.ID, types.StatusCompleted)
	assert.Equal(t, 100, done.Progress)
	assert.Empty(t, done.Error)
	require.NotNil(t, done.Result)
	assert.Equal(t, pipeline.ModelOBJ, done.Result.ModelOBJ)
	assert.NotEmpty(t, done.Result.Textures)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)
	assert.FileExists(t, filepath.Join(done.OutputDir, pipeline.ModelOBJ))

	report, err := c.Status(job.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.ModelOBJ, report.Artifacts["model"])
	assert.Equal(t, "textures/floor.png", report.Artifacts["texture_floor"])
	assert.Empty(t, report.Error)

	// journal 中的進度單調不減，並以 COMPLETE/100 收尾
	var progress []int
	var last wal.Event
	for _, ev := range journal(t, c) {
		if ev.JobID != job.ID {
			continue
		}
		progress = append(progress, ev.Progress)
		last = ev
	}
	require.NotEmpty(t, progress)
	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i], progress[i-1])
	}
	assert.Equal(t, wal.EventComplete, last.Type)
	assert.Equal(t, 100, last.Progress)
	require.NotNil(t, last.Job)
	assert.Equal(t, types.StatusCompleted, last.Job.Status)
}

func TestJobFailsWithoutReferenceData(t *testing.T) {
	e := newEnv(t)
	c := e.controller(t, dataset.NewFSSource(filepath.Join(e.dir, "empty")), nil)
	require.NoError(t, c.Start())
	defer c.Stop()

	job, err := c.Submit(context.Background(), e.submission(t, "job-nodata"))
	require.NoError(t, err)

	failed := waitForStatus(t, c, job.ID, types.StatusFailed)
	assert.Contains(t, failed.Error, "no reference data")
	assert.Nil(t, failed.Result)
	// 失敗時保留最後的進度
	assert.Equal(t, 10, failed.Progress)

	report, err := c.Status(job.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, report.Error)
	assert.Nil(t, report.Artifacts)
}

func TestPanicInPipelineFailsJob(t *testing.T) {
	e := newEnv(t)
	c := e.controller(t, panicSource{}, nil)
	require.NoError(t, c.Start())
	defer c.Stop()

	job, err := c.Submit(context.Background(), e.submission(t, "job-panic"))
	require.NoError(t, err)

	failed := waitForStatus(t, c, job.ID, types.StatusFailed)
	assert.Contains(t, failed.Error, "dataset exploded")

	// controller 仍可處理其他任務
	health := c.Health()
	assert.Equal(t, 1, health.TotalJobs)
	assert.Equal(t, 0, health.ActiveJobs)
}

func TestManyJobsRunConcurrently(t *testing.T) {
	e := newEnv(t)
	c := e.controller(t, e.house(t, squareRoom), nil)
	require.NoError(t, c.Start())
	defer c.Stop()

	var ids []types.JobID
	for i := 0; i < 6; i++ {
		job, err := c.Submit(context.Background(), Submission{PhotoPaths: []string{"p.jpg"}})
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}
	for _, id := range ids {
		waitForStatus(t, c, id, types.StatusCompleted)
	}
	assert.Len(t, c.List(jobmanager.ListFilter{Status: types.StatusCompleted}), 6)
}

func TestConcurrentPollingSeesConsistentJobs(t *testing.T) {
	e := newEnv(t)
	c := e.controller(t, e.house(t, squareRoom), nil)
	require.NoError(t, c.Start())
	defer c.Stop()

	job, err := c.Submit(context.Background(), e.submission(t, "job-poll"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := 0
			for {
				r, err := c.Status(job.ID)
				if !assert.NoError(t, err) {
					return
				}
				assert.GreaterOrEqual(t, r.Progress, last)
				last = r.Progress
				if r.Status == types.StatusCompleted {
					assert.Equal(t, 100, r.Progress)
					return
				}
				time.Sleep(time.Millisecond)
			}
		}()
	}
	wg.Wait()
}

// ============================================================================
// Delete and List
// ============================================================================

func TestDeleteRejectsProcessingJob(t *testing.T) {
	e := newEnv(t)
	src := e.house(t, squareRoom)
	src.gate = make(chan struct{})
	c := e.controller(t, src, nil)
	require.NoError(t, c.Start())
	defer c.Stop()

	job, err := c.Submit(context.Background(), e.submission(t, "job-del"))
	require.NoError(t, err)
	waitForStatus(t, c, job.ID, types.StatusProcessing)

	assert.ErrorIs(t, c.Delete(job.ID), ErrJobBusy)

	close(src.gate)
	done := waitForStatus(t, c, job.ID, types.StatusCompleted)

	require.NoError(t, c.Delete(job.ID))
	_, err = c.Get(job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.NoDirExists(t, done.OutputDir)
	assert.NoDirExists(t, e.layout.JobUploadDir(string(job.ID)))

	assert.ErrorIs(t, c.Delete(job.ID), ErrJobNotFound)
}

func TestListNewestFirst(t *testing.T) {
	e := newEnv(t)
	c := e.controller(t, e.house(t, squareRoom), nil)
	defer c.Stop()

	for _, id := range []types.JobID{"a", "b", "c"} {
		_, err := c.Submit(context.Background(), Submission{ID: id, PhotoPaths: []string{"p.jpg"}})
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	jobs := c.List(jobmanager.ListFilter{Limit: 2})
	require.Len(t, jobs, 2)
	assert.Equal(t, types.JobID("c"), jobs[0].ID)
	assert.Equal(t, types.JobID("b"), jobs[1].ID)
	assert.Empty(t, c.List(jobmanager.ListFilter{Status: types.StatusCompleted}))
}

func TestCleanupRemovesExpiredJobs(t *testing.T) {
	e := newEnv(t)
	e.cfg.Retention = 24 * time.Hour
	c := e.controller(t, e.house(t, squareRoom), nil)
	require.NoError(t, c.Start())
	defer c.Stop()

	job, err := c.Submit(context.Background(), e.submission(t, "job-old"))
	require.NoError(t, err)
	done := waitForStatus(t, c, job.ID, types.StatusCompleted)

	// 目前時間內不會被清除
	c.cleanup(time.Now())
	_, err = c.Get(job.ID)
	require.NoError(t, err)

	c.cleanup(time.Now().Add(48 * time.Hour))
	_, err = c.Get(job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.NoDirExists(t, done.OutputDir)
}

// ============================================================================
// Recovery
// ============================================================================

func TestRestartRestoresTerminalJobs(t *testing.T) {
	e := newEnv(t)
	src := e.house(t, squareRoom)

	c1 := e.controller(t, src, nil)
	require.NoError(t, c1.Start())
	job, err := c1.Submit(context.Background(), e.submission(t, "job-persist"))
	require.NoError(t, err)
	waitForStatus(t, c1, job.ID, types.StatusCompleted)
	c1.Stop()

	c2 := e.controller(t, src, nil)
	require.NoError(t, c2.Start())
	defer c2.Stop()

	restored, err := c2.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, restored.Status)
	assert.Equal(t, 100, restored.Progress)
	require.NotNil(t, restored.Result)
	assert.Equal(t, pipeline.ModelOBJ, restored.Result.ModelOBJ)
}

func TestRestartRequeuesQueuedAndFailsInterrupted(t *testing.T) {
	e := newEnv(t)
	created := time.Now().Add(-time.Minute)

	// 模擬崩潰前的 journal：A 排隊中、B 處理中
	w, err := wal.NewWAL(e.cfg.WALPath, true)
	require.NoError(t, err)
	for _, id := range []types.JobID{"job-a", "job-b"} {
		_, err := w.Append(wal.Event{
			Type:   wal.EventSubmit,
			JobID:  id,
			Status: types.StatusQueued,
			Job: &types.Job{
				ID:         id,
				Status:     types.StatusQueued,
				PhotoPaths: []string{"p.jpg"},
				OutputDir:  e.layout.JobOutputDir(string(id)),
				CreatedAt:  created,
			},
		}, true)
		require.NoError(t, err)
	}
	_, err = w.Append(wal.Event{Type: wal.EventStart, JobID: "job-b", Status: types.StatusProcessing}, true)
	require.NoError(t, err)
	_, err = w.Append(wal.Event{Type: wal.EventProgress, JobID: "job-b", Status: types.StatusProcessing, Progress: 40}, true)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	c := e.controller(t, e.house(t, squareRoom), nil)
	require.NoError(t, c.Start())
	defer c.Stop()

	b, err := c.Get("job-b")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, b.Status)
	assert.Equal(t, InterruptedMessage, b.Error)
	assert.Equal(t, 40, b.Progress)

	a := waitForStatus(t, c, "job-a", types.StatusCompleted)
	assert.Equal(t, 100, a.Progress)
}

func TestRestartReplaysEventsAfterSnapshot(t *testing.T) {
	e := newEnv(t)
	src := e.house(t, squareRoom)

	c1 := e.controller(t, src, nil)
	_, err := c1.Submit(context.Background(), Submission{ID: "snap", PhotoPaths: []string{"p.jpg"}})
	require.NoError(t, err)
	require.NoError(t, c1.TakeSnapshot())
	require.NoError(t, c1.Delete("snap"))
	c1.Stop()

	c2 := e.controller(t, src, nil)
	require.NoError(t, c2.Start())
	defer c2.Stop()

	_, err = c2.Get("snap")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestApplyEvent(t *testing.T) {
	jobs := map[types.JobID]*types.Job{
		"x": {ID: "x", Status: types.StatusQueued},
		"t": {ID: "t", Status: types.StatusCompleted, Progress: 100},
	}

	applyEvent(jobs, wal.Event{Type: wal.EventStart, JobID: "x", Status: types.StatusProcessing, Timestamp: 1000})
	assert.Equal(t, types.StatusProcessing, jobs["x"].Status)
	require.NotNil(t, jobs["x"].StartedAt)

	applyEvent(jobs, wal.Event{Type: wal.EventProgress, JobID: "x", Status: types.StatusProcessing, Progress: 50})
	applyEvent(jobs, wal.Event{Type: wal.EventProgress, JobID: "x", Status: types.StatusProcessing, Progress: 30})
	assert.Equal(t, 50, jobs["x"].Progress)

	// 終態任務不受一般事件影響
	applyEvent(jobs, wal.Event{Type: wal.EventStart, JobID: "t", Status: types.StatusProcessing})
	assert.Equal(t, types.StatusCompleted, jobs["t"].Status)

	applyEvent(jobs, wal.Event{Type: wal.EventProgress, JobID: "ghost", Progress: 10})
	assert.NotContains(t, jobs, types.JobID("ghost"))

	applyEvent(jobs, wal.Event{Type: wal.EventDelete, JobID: "t"})
	assert.NotContains(t, jobs, types.JobID("t"))
}
