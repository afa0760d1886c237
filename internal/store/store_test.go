package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/mensahq/mensad/internal/thread"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := New(dbPath)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = st.Close()
	})
	return st
}

func testThread(id string) *thread.Thread {
	now := time.Now().UTC().Truncate(time.Second)
	return &thread.Thread{
		ID:            id,
		Title:         "fix the flaky test",
		WorkspacePath: "/home/dev/project",
		Status:        thread.StatusIdle,
		Preview:       "hello",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestThreadRoundTrip(t *testing.T) {
	st := newTestStore(t)

	orig := testThread("t1")
	orig.LastError = "worker crashed: exit 2"
	if err := st.SaveThread(orig); err != nil {
		t.Fatalf("save thread: %v", err)
	}

	threads, err := st.LoadThreads()
	if err != nil {
		t.Fatalf("load threads: %v", err)
	}
	if len(threads) != 1 {
		t.Fatalf("expected 1 thread, got %d", len(threads))
	}
	got := threads[0]
	if got.ID != orig.ID || got.Title != orig.Title || got.WorkspacePath != orig.WorkspacePath {
		t.Fatalf("unexpected thread: %+v", got)
	}
	if got.Status != thread.StatusIdle || got.Preview != "hello" || got.LastError != orig.LastError {
		t.Fatalf("metadata not preserved: %+v", got)
	}
	if got.IsStreaming {
		t.Fatal("is_streaming must never be persisted")
	}
}

func TestThreadUpsert(t *testing.T) {
	st := newTestStore(t)

	orig := testThread("t1")
	if err := st.SaveThread(orig); err != nil {
		t.Fatalf("save thread: %v", err)
	}

	orig.Title = "renamed"
	orig.Status = thread.StatusArchived
	orig.UpdatedAt = orig.UpdatedAt.Add(time.Minute)
	if err := st.SaveThread(orig); err != nil {
		t.Fatalf("update thread: %v", err)
	}

	threads, err := st.LoadThreads()
	if err != nil {
		t.Fatalf("load threads: %v", err)
	}
	if len(threads) != 1 {
		t.Fatalf("upsert created a duplicate: %d rows", len(threads))
	}
	if threads[0].Title != "renamed" || threads[0].Status != thread.StatusArchived {
		t.Fatalf("update not applied: %+v", threads[0])
	}
}

func TestLoadThreadsSkipsCorruptStatus(t *testing.T) {
	st := newTestStore(t)

	if err := st.SaveThread(testThread("good")); err != nil {
		t.Fatalf("save thread: %v", err)
	}
	bad := testThread("bad")
	bad.Status = "exploded"
	if err := st.SaveThread(bad); err != nil {
		t.Fatalf("save corrupt thread: %v", err)
	}

	threads, err := st.LoadThreads()
	if err != nil {
		t.Fatalf("load threads: %v", err)
	}
	if len(threads) != 1 || threads[0].ID != "good" {
		t.Fatalf("corrupt record not skipped: %+v", threads)
	}
}

func TestMessageLog(t *testing.T) {
	st := newTestStore(t)
	if err := st.SaveThread(testThread("t1")); err != nil {
		t.Fatalf("save thread: %v", err)
	}

	now := time.Now().UTC()
	for i, content := range []string{"first", "second", "third"} {
		msg := &thread.Message{
			ThreadID:  "t1",
			Seq:       int64(i + 1),
			Role:      "assistant",
			Content:   content,
			CreatedAt: now,
		}
		if err := st.AppendMessage(msg); err != nil {
			t.Fatalf("append message %d: %v", i, err)
		}
	}

	msgs, err := st.LoadMessages("t1")
	if err != nil {
		t.Fatalf("load messages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, want := range []string{"first", "second", "third"} {
		if msgs[i].Seq != int64(i+1) || msgs[i].Content != want {
			t.Fatalf("message %d out of order: %+v", i, msgs[i])
		}
	}
}

func TestInterruptedFlagRoundTrip(t *testing.T) {
	st := newTestStore(t)
	if err := st.SaveThread(testThread("t1")); err != nil {
		t.Fatalf("save thread: %v", err)
	}

	msg := &thread.Message{
		ThreadID:    "t1",
		Seq:         1,
		Role:        "system",
		Content:     "response interrupted",
		Interrupted: true,
		CreatedAt:   time.Now().UTC(),
	}
	if err := st.AppendMessage(msg); err != nil {
		t.Fatalf("append message: %v", err)
	}

	msgs, err := st.LoadMessages("t1")
	if err != nil {
		t.Fatalf("load messages: %v", err)
	}
	if len(msgs) != 1 || !msgs[0].Interrupted {
		t.Fatalf("interrupted flag lost: %+v", msgs)
	}
}

func TestToolActivityLog(t *testing.T) {
	st := newTestStore(t)
	if err := st.SaveThread(testThread("t1")); err != nil {
		t.Fatalf("save thread: %v", err)
	}

	call := &thread.ToolRecord{
		ThreadID:  "t1",
		Seq:       1,
		ToolID:    "tool-1",
		Name:      "read_file",
		Phase:     "call",
		Payload:   `{"path":"main.go"}`,
		CreatedAt: time.Now().UTC(),
	}
	result := &thread.ToolRecord{
		ThreadID:  "t1",
		Seq:       2,
		ToolID:    "tool-1",
		Name:      "read_file",
		Phase:     "result",
		Payload:   "package main",
		IsError:   false,
		CreatedAt: time.Now().UTC(),
	}
	if err := st.AppendTool(call); err != nil {
		t.Fatalf("append call: %v", err)
	}
	if err := st.AppendTool(result); err != nil {
		t.Fatalf("append result: %v", err)
	}

	recs, err := st.LoadTools("t1")
	if err != nil {
		t.Fatalf("load tools: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].Phase != "call" || recs[1].Phase != "result" || recs[1].ToolID != "tool-1" {
		t.Fatalf("unexpected records: %+v %+v", recs[0], recs[1])
	}
}

func TestDeleteThreadRemovesLogs(t *testing.T) {
	st := newTestStore(t)
	if err := st.SaveThread(testThread("t1")); err != nil {
		t.Fatalf("save thread: %v", err)
	}
	msg := &thread.Message{ThreadID: "t1", Seq: 1, Role: "user", Content: "hi", CreatedAt: time.Now().UTC()}
	if err := st.AppendMessage(msg); err != nil {
		t.Fatalf("append message: %v", err)
	}

	if err := st.DeleteThread("t1"); err != nil {
		t.Fatalf("delete thread: %v", err)
	}

	threads, err := st.LoadThreads()
	if err != nil {
		t.Fatalf("load threads: %v", err)
	}
	if len(threads) != 0 {
		t.Fatalf("thread not deleted: %+v", threads)
	}
	msgs, err := st.LoadMessages("t1")
	if err != nil {
		t.Fatalf("load messages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("messages not deleted: %+v", msgs)
	}
}

func TestMaxSeqs(t *testing.T) {
	st := newTestStore(t)
	if err := st.SaveThread(testThread("t1")); err != nil {
		t.Fatalf("save thread: %v", err)
	}
	now := time.Now().UTC()
	for seq := int64(1); seq <= 5; seq++ {
		msg := &thread.Message{ThreadID: "t1", Seq: seq, Role: "user", Content: "x", CreatedAt: now}
		if err := st.AppendMessage(msg); err != nil {
			t.Fatalf("append message: %v", err)
		}
	}
	rec := &thread.ToolRecord{ThreadID: "t1", Seq: 2, Phase: "call", CreatedAt: now}
	if err := st.AppendTool(rec); err != nil {
		t.Fatalf("append tool: %v", err)
	}

	msgSeqs, toolSeqs, err := st.MaxSeqs()
	if err != nil {
		t.Fatalf("max seqs: %v", err)
	}
	if msgSeqs["t1"] != 5 {
		t.Fatalf("expected message seq 5, got %d", msgSeqs["t1"])
	}
	if toolSeqs["t1"] != 2 {
		t.Fatalf("expected tool seq 2, got %d", toolSeqs["t1"])
	}
	if msgSeqs["missing"] != 0 {
		t.Fatalf("missing thread should report 0, got %d", msgSeqs["missing"])
	}
}

func TestActiveThreadScalar(t *testing.T) {
	st := newTestStore(t)

	id, err := st.ActiveThread()
	if err != nil {
		t.Fatalf("active thread: %v", err)
	}
	if id != "" {
		t.Fatalf("expected no active thread, got %q", id)
	}

	if err := st.SetActiveThread("t1"); err != nil {
		t.Fatalf("set active: %v", err)
	}
	if err := st.SetActiveThread("t2"); err != nil {
		t.Fatalf("overwrite active: %v", err)
	}

	id, err = st.ActiveThread()
	if err != nil {
		t.Fatalf("active thread: %v", err)
	}
	if id != "t2" {
		t.Fatalf("expected t2, got %q", id)
	}

	if err := st.SetActiveThread(""); err != nil {
		t.Fatalf("clear active: %v", err)
	}
	id, err = st.ActiveThread()
	if err != nil {
		t.Fatalf("active thread: %v", err)
	}
	if id != "" {
		t.Fatalf("expected cleared active, got %q", id)
	}
}

func TestReopenPreservesState(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := New(dbPath)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	th := testThread("t1")
	th.Status = thread.StatusActive
	if err := st.SaveThread(th); err != nil {
		t.Fatalf("save thread: %v", err)
	}
	msg := &thread.Message{ThreadID: "t1", Seq: 1, Role: "user", Content: "hi", CreatedAt: time.Now().UTC()}
	if err := st.AppendMessage(msg); err != nil {
		t.Fatalf("append message: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st2, err := New(dbPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer st2.Close()

	threads, err := st2.LoadThreads()
	if err != nil {
		t.Fatalf("load threads: %v", err)
	}
	if len(threads) != 1 || threads[0].ID != "t1" {
		t.Fatalf("thread lost across reopen: %+v", threads)
	}
	msgs, err := st2.LoadMessages("t1")
	if err != nil {
		t.Fatalf("load messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hi" {
		t.Fatalf("messages lost across reopen: %+v", msgs)
	}
}
