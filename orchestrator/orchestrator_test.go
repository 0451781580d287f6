package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"

	"github.com/hazyhaar/edfpipe/assembler"
	"github.com/hazyhaar/edfpipe/chunkstore"
	"github.com/hazyhaar/edfpipe/dbopen"
	"github.com/hazyhaar/edfpipe/edf"
	"github.com/hazyhaar/edfpipe/edf/edftest"
	"github.com/hazyhaar/edfpipe/horosafe"
	"github.com/hazyhaar/edfpipe/jobqueue"
	"github.com/hazyhaar/edfpipe/observability"
	"github.com/hazyhaar/edfpipe/progress"
	"github.com/hazyhaar/edfpipe/session"
)

var labels = []string{"Fpz-Cz", "EOG horizontal", "EMG submental", "Resp oro-nasal"}

type fixture struct {
	o        *Orchestrator
	queue    *jobqueue.Queue
	sessions *session.Store
	progress progress.Tracker
	chunks   *chunkstore.Store
	upload   string
}

func newFixture(t *testing.T, tracker progress.Tracker) *fixture {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(jobqueue.Schema, progress.Schema, session.Schema, observability.Schema))
	if tracker == nil {
		tracker = progress.NewSQLiteTracker(db)
	}
	root := t.TempDir()
	chunks, err := chunkstore.New(filepath.Join(root, "chunks"))
	if err != nil {
		t.Fatal(err)
	}
	uploads := filepath.Join(root, "uploads")
	asm, err := assembler.New(chunks, uploads)
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		queue:    jobqueue.New(db, jobqueue.Options{}),
		sessions: session.NewStore(db),
		progress: tracker,
		chunks:   chunks,
		upload:   uploads,
	}
	f.o, err = New(Options{
		Chunks:    chunks,
		Assembler: asm,
		Progress:  tracker,
		Queue:     f.queue,
		Sessions:  f.sessions,
		Events:    observability.NewEventLog(db),
	})
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func redisTracker(t *testing.T) progress.Tracker {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return progress.NewRedisTracker(client, time.Hour)
}

func recording() []byte {
	return edftest.Build(labels, edftest.Options{Patient: "X", NumRecords: 60})
}

func split(data []byte, n int) [][]byte {
	size := (len(data) + n - 1) / n
	out := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		lo, hi := i*size, min((i+1)*size, len(data))
		out = append(out, data[lo:hi])
	}
	return out
}

func (f *fixture) send(t *testing.T, id string, idx, total int, data []byte, action FinalAction) *ChunkResult {
	t.Helper()
	res, err := f.o.ReceiveChunk(context.Background(), Chunk{
		UploadID: id, Index: idx, Total: total, OriginalName: "night1.edf",
		Body: bytes.NewReader(data), Action: action, SessionID: "sess-1",
	})
	if err != nil {
		t.Fatalf("chunk %d/%d: %v", idx, total, err)
	}
	return res
}

func TestReceiveChunk_SingleChunkStore(t *testing.T) {
	f := newFixture(t, nil)
	data := recording()
	res := f.send(t, "up-1", 0, 1, data, ActionStore)

	if !res.IsFinal || res.Percent != 100 {
		t.Fatalf("result = %+v", res)
	}
	if res.FinalPath != filepath.Join(f.upload, "night1.edf") {
		t.Errorf("final path = %q", res.FinalPath)
	}
	got, err := os.ReadFile(res.FinalPath)
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("assembled file differs (err=%v)", err)
	}
	rec, _ := f.o.Progress(context.Background(), "up-1")
	if rec != progress.Done {
		t.Errorf("progress = %+v, want done", rec)
	}
}

func TestReceiveChunk_AnyOrderWithRedisProgress(t *testing.T) {
	f := newFixture(t, redisTracker(t))
	data := recording()
	parts := split(data, 5)
	ctx := context.Background()

	// Last index first, then the rest shuffled; assembly happens when the
	// set completes.
	order := []int{4}
	rest := rand.New(rand.NewSource(7)).Perm(4)
	order = append(order, rest...)

	var last *ChunkResult
	for n, idx := range order {
		res, err := f.o.ReceiveChunk(ctx, Chunk{
			UploadID: "up-2", Index: idx, Total: 5, OriginalName: "night1.edf",
			Body: bytes.NewReader(parts[idx]), Action: ActionParse,
		})
		if n == 0 {
			// WHAT: final index with chunks missing.
			// WHY: the received chunk must survive for the retry.
			var inc *assembler.IncompleteUploadError
			if !errors.As(err, &inc) || len(inc.Missing) != 4 {
				t.Fatalf("first = %v, want incomplete with 4 missing", err)
			}
			if !f.chunks.Exists("up-2", 4) {
				t.Fatal("chunk 4 dropped after incomplete assembly")
			}
			continue
		}
		if err != nil {
			t.Fatalf("chunk %d: %v", idx, err)
		}
		last = res
	}
	if !last.IsFinal {
		t.Fatalf("set complete but not final: %+v", last)
	}
	got, _ := os.ReadFile(last.FinalPath)
	if !bytes.Equal(got, data) {
		t.Fatal("assembled bytes differ")
	}
	if eeg := last.Channels[edf.CategoryEEG]; len(eeg) != 1 || eeg[0] != "Fpz-Cz" {
		t.Errorf("eeg = %v", eeg)
	}
	if other := last.Channels[edf.CategoryOthers]; len(other) != 1 {
		t.Errorf("other = %v", other)
	}
	rec, _ := f.o.Progress(ctx, "up-2")
	if rec != progress.Done {
		t.Errorf("progress = %+v", rec)
	}
}

func TestReceiveChunk_ProgressMonotonic(t *testing.T) {
	f := newFixture(t, nil)
	parts := split(recording(), 4)
	ctx := context.Background()

	r := f.send(t, "up-3", 2, 4, parts[2], ActionStore)
	if r.Percent != 37 {
		t.Fatalf("after chunk 2: %d", r.Percent)
	}
	r = f.send(t, "up-3", 0, 4, parts[0], ActionStore)
	if r.Percent != 37 {
		t.Errorf("progress went back to %d", r.Percent)
	}
	rec, _ := f.o.Progress(ctx, "up-3")
	if rec.Percent != 37 || rec.Completed {
		t.Errorf("stored = %+v", rec)
	}
}

func TestReceiveChunk_ConcurrentCompletionAssemblesOnce(t *testing.T) {
	f := newFixture(t, nil)
	data := recording()
	parts := split(data, 8)

	var wg sync.WaitGroup
	var mu sync.Mutex
	finals := 0
	for i := range parts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.o.ReceiveChunk(context.Background(), Chunk{
				UploadID: "up-4", Index: i, Total: 8, OriginalName: "night1.edf",
				Body: bytes.NewReader(parts[i]), Action: ActionProcess, SessionID: "sess-1",
			})
			var inc *assembler.IncompleteUploadError
			if errors.As(err, &inc) {
				return
			}
			if err != nil {
				t.Errorf("chunk %d: %v", i, err)
				return
			}
			if res.IsFinal {
				mu.Lock()
				finals++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if finals != 1 {
		t.Fatalf("assembled %d times, want 1", finals)
	}
	got, _ := os.ReadFile(filepath.Join(f.upload, "night1.edf"))
	if !bytes.Equal(got, data) {
		t.Fatal("assembled bytes differ")
	}
	st, err := f.queue.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.Queued != 1 {
		t.Errorf("queued jobs = %d, want 1", st.Queued)
	}
	if f.o.locks.held() != 0 {
		t.Errorf("locks left behind: %d", f.o.locks.held())
	}
}

func TestReceiveChunk_ProcessEnqueuesAndTracksSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	res := f.send(t, "up-5", 0, 1, recording(), ActionProcess)

	if res.JobID == "" || res.Percent != 50 {
		t.Fatalf("result = %+v", res)
	}
	job, err := f.queue.Fetch(ctx, res.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if job.ArtifactPath != res.FinalPath || job.Params.UploadID != "up-5" {
		t.Errorf("job = %+v", job)
	}
	if _, ok := job.Params.Selection[edf.CategoryOthers]; ok {
		t.Error("auto selection carries non-scoring channels")
	}
	entries, _ := f.sessions.List(ctx, "sess-1")
	if len(entries) != 1 || entries[0].JobID != res.JobID || entries[0].Filename != "night1.edf" {
		t.Errorf("session = %+v", entries)
	}
	rec, _ := f.o.Progress(ctx, "up-5")
	if rec != progress.Processing {
		t.Errorf("progress = %+v", rec)
	}
}

func TestReceiveChunk_DuplicateFinalChunkReplays(t *testing.T) {
	f := newFixture(t, nil)
	parts := split(recording(), 2)
	f.send(t, "up-6", 0, 2, parts[0], ActionStore)
	first := f.send(t, "up-6", 1, 2, parts[1], ActionStore)

	again := f.send(t, "up-6", 1, 2, parts[1], ActionStore)
	if !again.Replayed || again.FinalPath != first.FinalPath {
		t.Fatalf("replay = %+v", again)
	}
	if _, err := f.chunks.Manifest("up-6"); !errors.Is(err, chunkstore.ErrNoSession) {
		t.Errorf("replay opened a session: %v", err)
	}
}

func TestReceiveChunk_ReusedIDWithNewContent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	old := split(recording(), 2)
	f.send(t, "up-re", 0, 2, old[0], ActionStore)
	f.send(t, "up-re", 1, 2, old[1], ActionStore)

	fresh := edftest.Build(labels, edftest.Options{Patient: "Y", NumRecords: 90})
	parts := split(fresh, 2)

	// Final chunk first: stored in a new session, not mistaken for a
	// redelivery of the old final chunk.
	_, err := f.o.ReceiveChunk(ctx, Chunk{
		UploadID: "up-re", Index: 1, Total: 2, OriginalName: "night1.edf",
		Body: bytes.NewReader(parts[1]), Action: ActionStore,
	})
	var inc *assembler.IncompleteUploadError
	if !errors.As(err, &inc) || len(inc.Missing) != 1 || inc.Missing[0] != 0 {
		t.Fatalf("final chunk first: err = %v", err)
	}
	if !f.chunks.Exists("up-re", 1) {
		t.Fatal("new final chunk was not kept")
	}

	res := f.send(t, "up-re", 0, 2, parts[0], ActionStore)
	if !res.IsFinal || res.Replayed {
		t.Fatalf("chunk 0 = %+v", res)
	}
	got, err := os.ReadFile(res.FinalPath)
	if err != nil || !bytes.Equal(got, fresh) {
		t.Fatalf("artifact is not the new content (err=%v)", err)
	}
	if idx, _ := f.chunks.Received("up-re"); len(idx) != 0 {
		t.Errorf("chunks left behind: %v", idx)
	}

	// The completion now describes the new upload.
	again := f.send(t, "up-re", 1, 2, parts[1], ActionStore)
	if !again.Replayed {
		t.Errorf("redelivery of the new final chunk = %+v", again)
	}
}

func TestReceiveChunk_Rejects(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	tests := []struct {
		name string
		c    Chunk
		want error
	}{
		{"traversal id", Chunk{UploadID: "../etc", Index: 0, Total: 1, Body: bytes.NewReader(nil)}, ErrInvalidChunk},
		{"index past total", Chunk{UploadID: "up-7", Index: 3, Total: 3, Body: bytes.NewReader(nil)}, ErrInvalidChunk},
		{"negative index", Chunk{UploadID: "up-7", Index: -1, Total: 3, Body: bytes.NewReader(nil)}, ErrInvalidChunk},
		{"zero total", Chunk{UploadID: "up-7", Index: 0, Total: 0, Body: bytes.NewReader(nil)}, ErrInvalidChunk},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.o.ReceiveChunk(ctx, tt.c); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}

	f.send(t, "up-8", 0, 3, []byte("a"), ActionStore)
	_, err := f.o.ReceiveChunk(ctx, Chunk{UploadID: "up-8", Index: 1, Total: 4, Body: bytes.NewReader([]byte("b"))})
	if !errors.Is(err, chunkstore.ErrTotalMismatch) {
		t.Errorf("total change: %v", err)
	}
}

func TestReceiveChunk_NotEDFResetsProgress(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.o.ReceiveChunk(context.Background(), Chunk{
		UploadID: "up-9", Index: 0, Total: 1, OriginalName: "notes.txt",
		Body: bytes.NewReader([]byte("not a recording")), Action: ActionParse,
	})
	if !errors.Is(err, edf.ErrNotEDF) {
		t.Fatalf("err = %v", err)
	}
	rec, _ := f.o.Progress(context.Background(), "up-9")
	if rec != progress.Reset {
		t.Errorf("progress = %+v", rec)
	}
}

func TestParse(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.o.Parse(ctx, "never-seen"); !errors.Is(err, ErrNotAssembled) {
		t.Fatalf("unknown upload: %v", err)
	}

	res := f.send(t, "up-10", 0, 1, recording(), ActionStore)
	got, err := f.o.Parse(ctx, "up-10")
	if err != nil {
		t.Fatal(err)
	}
	if got.FinalPath != res.FinalPath || len(got.Channels[edf.CategoryEOG]) != 1 {
		t.Errorf("parse = %+v", got)
	}

	os.Remove(res.FinalPath)
	if _, err := f.o.Parse(ctx, "up-10"); !errors.Is(err, ErrNotAssembled) {
		t.Errorf("deleted file: %v", err)
	}
}

func TestSubmit(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	res := f.send(t, "up-11", 0, 1, recording(), ActionStore)

	t.Run("traversal", func(t *testing.T) {
		_, err := f.o.Submit(ctx, SubmitRequest{SessionID: "s", FinalPath: "/etc/passwd"})
		if !errors.Is(err, horosafe.ErrPathTraversal) {
			t.Errorf("err = %v", err)
		}
	})
	t.Run("unknown channel", func(t *testing.T) {
		_, err := f.o.Submit(ctx, SubmitRequest{
			SessionID: "s", FinalPath: res.FinalPath,
			Selection: `{"eeg":["Fpz-Cz","C3-A2"]}`,
		})
		var ise *InvalidSelectionError
		if !errors.As(err, &ise) || !errors.Is(err, ErrInvalidSelection) {
			t.Fatalf("err = %v", err)
		}
		if len(ise.Unknown) != 1 || ise.Unknown[0] != "C3-A2" {
			t.Errorf("unknown = %v", ise.Unknown)
		}
	})
	t.Run("malformed selection", func(t *testing.T) {
		_, err := f.o.Submit(ctx, SubmitRequest{SessionID: "s", FinalPath: res.FinalPath, Selection: `{"eeg":`})
		if !errors.Is(err, ErrInvalidSelection) {
			t.Errorf("err = %v", err)
		}
	})
	t.Run("missing file", func(t *testing.T) {
		_, err := f.o.Submit(ctx, SubmitRequest{SessionID: "s", FinalPath: filepath.Join(f.upload, "gone.edf")})
		if !errors.Is(err, ErrNotAssembled) {
			t.Errorf("err = %v", err)
		}
	})

	st, _ := f.queue.Stats(ctx)
	if st.Queued != 0 {
		t.Fatalf("rejected submissions enqueued %d jobs", st.Queued)
	}

	first, err := f.o.Submit(ctx, SubmitRequest{
		SessionID: "s", FinalPath: res.FinalPath, UploadID: "up-11",
		Selection: `{"eeg":["Fpz-Cz"],"eog":["EOG horizontal"]}`,
	})
	if err != nil || !first.Created {
		t.Fatalf("submit = %+v, %v", first, err)
	}
	second, err := f.o.Submit(ctx, SubmitRequest{SessionID: "s", FinalPath: res.FinalPath, UploadID: "up-11"})
	if err != nil {
		t.Fatal(err)
	}
	if second.Created || second.JobID != first.JobID {
		t.Errorf("second submit = %+v, want reuse of %s", second, first.JobID)
	}
	entries, _ := f.sessions.List(ctx, "s")
	if len(entries) != 1 {
		t.Errorf("session entries = %+v", entries)
	}
	job, _ := f.queue.Fetch(ctx, first.JobID)
	if got := job.Params.Selection[edf.CategoryEOG]; len(got) != 1 {
		t.Errorf("selection = %v", job.Params.Selection)
	}
}

func TestPoll(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	res := f.send(t, "up-12", 0, 1, recording(), ActionProcess)

	statuses, done, err := f.o.Poll(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if done || len(statuses) != 1 || statuses[0].Status != session.StatusProcessing {
		t.Fatalf("poll = %+v, %v", statuses, done)
	}

	d, _ := f.queue.Claim(ctx)
	f.queue.Start(ctx, d.Job.ID)
	f.queue.Finish(ctx, res.JobID, []string{"a.pdf", "a.csv"})

	statuses, done, err = f.o.Poll(ctx, "sess-1")
	if err != nil || !done || statuses[0].Status != session.StatusFinished {
		t.Errorf("poll = %+v, %v, %v", statuses, done, err)
	}
}

func TestKeyedMutex_ContextCancel(t *testing.T) {
	k := newKeyedMutex()
	unlock, err := k.Lock(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := k.Lock(ctx, "a"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second lock = %v", err)
	}
	other, err := k.Lock(context.Background(), "b")
	if err != nil {
		t.Fatal(err)
	}
	other()
	unlock()
	if k.held() != 0 {
		t.Errorf("held = %d", k.held())
	}
}
