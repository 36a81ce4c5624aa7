package testutil

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"batchdriver/internal/batch"
)

// FakeWorker is an httptest server speaking the worker job API. It records
// every create and delete it receives.
type FakeWorker struct {
	Server *httptest.Server

	mu           sync.Mutex
	created      []batch.JobConfig
	deleted      []batch.JobKey
	createStatus int
	deleteStatus int
	rejected     map[batch.JobKey]int
}

// NewFakeWorker starts a fake worker that accepts every request. The server
// is closed when the test finishes.
func NewFakeWorker(tb testing.TB) *FakeWorker {
	tb.Helper()

	w := &FakeWorker{createStatus: http.StatusOK, deleteStatus: http.StatusOK}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1alpha/batches/jobs/create", w.handleCreate)
	mux.HandleFunc("DELETE /api/v1alpha/batches/{batch_id}/jobs/{job_id}/delete", w.handleDelete)
	w.Server = httptest.NewServer(mux)
	tb.Cleanup(w.Server.Close)
	return w
}

// Addr returns the host and port the fake listens on.
func (w *FakeWorker) Addr() (string, int) {
	host, port, _ := net.SplitHostPort(w.Server.Listener.Addr().String())
	p, _ := strconv.Atoi(port)
	return host, p
}

// FailCreates makes subsequent creates answer with status.
func (w *FakeWorker) FailCreates(status int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.createStatus = status
}

// RejectJob makes creates of key answer with status while other jobs are
// still accepted.
func (w *FakeWorker) RejectJob(key batch.JobKey, status int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.rejected == nil {
		w.rejected = make(map[batch.JobKey]int)
	}
	w.rejected[key] = status
}

// FailDeletes makes subsequent deletes answer with status.
func (w *FakeWorker) FailDeletes(status int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.deleteStatus = status
}

// Created returns the job configs accepted so far.
func (w *FakeWorker) Created() []batch.JobConfig {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]batch.JobConfig(nil), w.created...)
}

// Deleted returns the keys of delete requests received so far.
func (w *FakeWorker) Deleted() []batch.JobKey {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]batch.JobKey(nil), w.deleted...)
}

func (w *FakeWorker) handleCreate(rw http.ResponseWriter, r *http.Request) {
	w.mu.Lock()
	status := w.createStatus
	w.mu.Unlock()
	if status != http.StatusOK {
		rw.WriteHeader(status)
		return
	}

	var cfg batch.JobConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}

	w.mu.Lock()
	status, reject := w.rejected[cfg.Key()]
	if !reject {
		w.created = append(w.created, cfg)
	}
	w.mu.Unlock()
	if reject {
		http.Error(rw, "job rejected", status)
		return
	}
	rw.WriteHeader(http.StatusOK)
}

func (w *FakeWorker) handleDelete(rw http.ResponseWriter, r *http.Request) {
	key, err := batch.ParseJobKey(r.PathValue("batch_id") + "/" + r.PathValue("job_id"))
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}

	w.mu.Lock()
	status := w.deleteStatus
	if status == http.StatusOK {
		w.deleted = append(w.deleted, key)
	}
	w.mu.Unlock()
	rw.WriteHeader(status)
}
