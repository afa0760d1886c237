package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mensahq/mensad/internal/config"
	"github.com/mensahq/mensad/internal/registry"
	"github.com/mensahq/mensad/internal/store"
	"github.com/mensahq/mensad/internal/thread"
	"github.com/mensahq/mensad/internal/worker"
)

// nullProc is a worker process that accepts input and never produces output.
type nullProc struct {
	events chan worker.Event
	done   chan struct{}
	once   sync.Once
}

func (p *nullProc) Send(string) error { return nil }
func (p *nullProc) CloseStdin() error { return nil }
func (p *nullProc) Kill() {
	p.once.Do(func() {
		close(p.events)
		close(p.done)
	})
}
func (p *nullProc) Events() <-chan worker.Event { return p.events }

func (p *nullProc) Done() <-chan struct{} { return p.done }

func (p *nullProc) ExitCode() int { return 137 }

type nullLauncher struct{}

func (nullLauncher) Launch(ctx context.Context, opts worker.LaunchOptions) (worker.Process, error) {
	return &nullProc{
		events: make(chan worker.Event, 1),
		done:   make(chan struct{}),
	}, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	reg := registry.New(
		registry.Config{},
		st,
		worker.Config{MaxProcesses: 4, GraceTimeout: 50 * time.Millisecond},
		nullLauncher{},
		registry.NewBus(),
	)
	if err := reg.Start(); err != nil {
		t.Fatalf("start registry: %v", err)
	}

	srv := NewWith(&config.Config{ServerAddr: ":0"}, st, reg)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		reg.Stop()
		_ = st.Close()
	})
	return ts
}

func createThread(t *testing.T, ts *httptest.Server) *thread.Thread {
	t.Helper()
	body := bytes.NewBufferString(`{"workspace_path": "/tmp/project"}`)
	resp, err := http.Post(ts.URL+"/api/threads", "application/json", body)
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create thread: status %d", resp.StatusCode)
	}
	var th thread.Thread
	if err := json.NewDecoder(resp.Body).Decode(&th); err != nil {
		t.Fatalf("decoding thread: %v", err)
	}
	return &th
}

func doJSON(t *testing.T, method, url string, payload any) *http.Response {
	t.Helper()
	var body *bytes.Buffer
	if payload != nil {
		data, _ := json.Marshal(payload)
		body = bytes.NewBuffer(data)
	} else {
		body = bytes.NewBuffer(nil)
	}
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request %s %s: %v", method, url, err)
	}
	return resp
}

func TestCreateAndGetThread(t *testing.T) {
	ts := newTestServer(t)

	th := createThread(t, ts)
	if th.ID == "" || th.Status != thread.StatusIdle || th.WorkspacePath != "/tmp/project" {
		t.Fatalf("unexpected thread: %+v", th)
	}

	resp, err := http.Get(ts.URL + "/api/threads/" + th.ID)
	if err != nil {
		t.Fatalf("get thread: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get thread: status %d", resp.StatusCode)
	}
	var got thread.Thread
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if got.ID != th.ID {
		t.Fatalf("wrong thread: %+v", got)
	}
}

func TestCreateThreadValidation(t *testing.T) {
	ts := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/threads", map[string]string{"workspace_path": "  "})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestGetUnknownThreadIs404(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/threads/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestListThreads(t *testing.T) {
	ts := newTestServer(t)

	createThread(t, ts)
	createThread(t, ts)

	resp, err := http.Get(ts.URL + "/api/threads")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	defer resp.Body.Close()
	var threads []thread.Thread
	if err := json.NewDecoder(resp.Body).Decode(&threads); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(threads) != 2 {
		t.Fatalf("expected 2 threads, got %d", len(threads))
	}
}

func TestSendAndReadMessages(t *testing.T) {
	ts := newTestServer(t)
	th := createThread(t, ts)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/threads/"+th.ID+"/messages", map[string]string{"content": "hello worker"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("send: status %d", resp.StatusCode)
	}

	mresp, err := http.Get(ts.URL + "/api/threads/" + th.ID + "/messages")
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	defer mresp.Body.Close()
	var msgs []thread.Message
	if err := json.NewDecoder(mresp.Body).Decode(&msgs); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Role != "user" || msgs[0].Content != "hello worker" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}

func TestSendValidation(t *testing.T) {
	ts := newTestServer(t)
	th := createThread(t, ts)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/threads/"+th.ID+"/messages", map[string]string{"content": ""})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty content: expected 400, got %d", resp.StatusCode)
	}

	long := make([]byte, 10001)
	for i := range long {
		long[i] = 'a'
	}
	resp = doJSON(t, http.MethodPost, ts.URL+"/api/threads/"+th.ID+"/messages", map[string]string{"content": string(long)})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("oversized content: expected 400, got %d", resp.StatusCode)
	}
}

func TestSwitchAndActive(t *testing.T) {
	ts := newTestServer(t)
	th := createThread(t, ts)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/threads/"+th.ID+"/switch", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("switch: status %d", resp.StatusCode)
	}

	aresp, err := http.Get(ts.URL + "/api/threads/active")
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	defer aresp.Body.Close()
	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(aresp.Body).Decode(&out); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if out.ID != th.ID {
		t.Fatalf("active pointer not set: %q", out.ID)
	}
}

func TestArchivedThreadRejectsSendWith409(t *testing.T) {
	ts := newTestServer(t)
	th := createThread(t, ts)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/threads/"+th.ID+"/archive", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("archive: status %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/threads/"+th.ID+"/messages", map[string]string{"content": "too late"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("send to archived: expected 409, got %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/threads/"+th.ID+"/switch", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("switch to archived: expected 409, got %d", resp.StatusCode)
	}
}

func TestRenameAndDelete(t *testing.T) {
	ts := newTestServer(t)
	th := createThread(t, ts)

	resp := doJSON(t, http.MethodPatch, ts.URL+"/api/threads/"+th.ID, map[string]string{"title": "sprint work"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("rename: status %d", resp.StatusCode)
	}

	gresp, err := http.Get(ts.URL + "/api/threads/" + th.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var got thread.Thread
	json.NewDecoder(gresp.Body).Decode(&got)
	gresp.Body.Close()
	if got.Title != "sprint work" {
		t.Fatalf("rename not applied: %q", got.Title)
	}

	resp = doJSON(t, http.MethodDelete, ts.URL+"/api/threads/"+th.ID, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: status %d", resp.StatusCode)
	}

	gresp, err = http.Get(ts.URL + "/api/threads/" + th.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	gresp.Body.Close()
	if gresp.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted thread still served: %d", gresp.StatusCode)
	}
}

func TestDeleteActiveBindingIs409(t *testing.T) {
	ts := newTestServer(t)
	th := createThread(t, ts)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/threads/"+th.ID+"/messages", map[string]string{"content": "work"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("send: status %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodDelete, ts.URL+"/api/threads/"+th.ID, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("delete bound thread: expected 409, got %d", resp.StatusCode)
	}
}

func TestUnreadEndpoint(t *testing.T) {
	ts := newTestServer(t)
	createThread(t, ts)

	resp, err := http.Get(ts.URL + "/api/threads/unread")
	if err != nil {
		t.Fatalf("unread: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unread: status %d", resp.StatusCode)
	}
	var counts map[string]int
	if err := json.NewDecoder(resp.Body).Decode(&counts); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(counts) != 0 {
		t.Fatalf("unexpected unread counts: %+v", counts)
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: status %d", resp.StatusCode)
	}
}

func TestErrStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{thread.ErrNotFound, http.StatusNotFound},
		{thread.ErrArchived, http.StatusConflict},
		{thread.ErrInvalidState, http.StatusConflict},
		{thread.ErrSpawnFailed, http.StatusBadGateway},
		{thread.ErrCrashed, http.StatusBadGateway},
		{thread.ErrPersistence, http.StatusInternalServerError},
		{fmt.Errorf("wrapped: %w", thread.ErrNotFound), http.StatusNotFound},
	}
	for _, c := range cases {
		if got := errStatus(c.err); got != c.want {
			t.Errorf("errStatus(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}
