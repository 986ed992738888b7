package integration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// Admin API operations, used to script responses and count calls.
const (
	OpGetWorkflow  = "getWorkflow"
	OpGetJob       = "getJob"
	OpListJobs     = "listJobs"
	OpListVersions = "listVersions"
	OpGetVersion   = "getVersion"
)

// MockBackend is an in-process lead-magnet admin API. It serves the
// workflows, jobs and saved revisions stored with the Put methods. A reply
// scripted through OnOperation takes precedence over the stored document,
// and every call is recorded per operation.
type MockBackend struct {
	server *httptest.Server

	mu      sync.Mutex
	docs    map[string]any   // operation + "/" + key
	byFlow  map[string][]any // workflow id to its jobs, in insertion order
	scripts map[string]*script
	calls   map[string][]*RecordedRequest
}

// RecordedRequest is one call received by the mock backend.
type RecordedRequest struct {
	Method      string
	Path        string
	QueryParams map[string]string
	Headers     http.Header
}

type reply struct {
	status int
	body   any
	delay  time.Duration
	drop   bool
	header func(http.Header)
}

// script replays its replies in order and then repeats the last one.
type script struct {
	replies []reply
	next    int
}

func (s *script) pop() reply {
	r := s.replies[min(s.next, len(s.replies)-1)]
	if s.next < len(s.replies) {
		s.next++
	}
	return r
}

func newMockBackend(t *testing.T) *MockBackend {
	t.Helper()
	mb := &MockBackend{
		docs:    map[string]any{},
		byFlow:  map[string][]any{},
		scripts: map[string]*script{},
		calls:   map[string][]*RecordedRequest{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/workflows/{id}", mb.serve(OpGetWorkflow, func(r *http.Request) (any, bool) {
		return mb.doc(OpGetWorkflow, r.PathValue("id"))
	}))
	mux.HandleFunc("GET /admin/workflows/{id}/versions", mb.serve(OpListVersions, func(r *http.Request) (any, bool) {
		list, ok := mb.doc(OpListVersions, r.PathValue("id"))
		return map[string]any{"versions": list}, ok
	}))
	mux.HandleFunc("GET /admin/workflows/{id}/versions/{version}", mb.serve(OpGetVersion, func(r *http.Request) (any, bool) {
		return mb.doc(OpGetVersion, r.PathValue("id")+"@"+r.PathValue("version"))
	}))
	mux.HandleFunc("GET /admin/jobs/{id}", mb.serve(OpGetJob, func(r *http.Request) (any, bool) {
		return mb.doc(OpGetJob, r.PathValue("id"))
	}))
	mux.HandleFunc("GET /admin/jobs", mb.serve(OpListJobs, func(r *http.Request) (any, bool) {
		mb.mu.Lock()
		jobs := append([]any{}, mb.byFlow[r.URL.Query().Get("workflow_id")]...)
		mb.mu.Unlock()
		return map[string]any{"jobs": jobs}, true
	}))

	mb.server = httptest.NewServer(mux)
	t.Cleanup(mb.server.Close)
	return mb
}

// URL returns the admin API base URL.
func (mb *MockBackend) URL() string { return mb.server.URL }

func (mb *MockBackend) put(op, key string, doc any) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.docs[op+"/"+key] = doc
}

func (mb *MockBackend) doc(op, key string) (any, bool) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	d, ok := mb.docs[op+"/"+key]
	return d, ok
}

// PutWorkflow stores the current definition of a workflow.
func (mb *MockBackend) PutWorkflow(id string, doc any) { mb.put(OpGetWorkflow, id, doc) }

// PutJob stores a job and lists it under its workflow.
func (mb *MockBackend) PutJob(id, workflowID string, doc any) {
	mb.put(OpGetJob, id, doc)
	mb.mu.Lock()
	mb.byFlow[workflowID] = append(mb.byFlow[workflowID], doc)
	mb.mu.Unlock()
}

// PutVersions stores the revision summaries of a workflow.
func (mb *MockBackend) PutVersions(workflowID string, summaries ...any) {
	mb.put(OpListVersions, workflowID, summaries)
}

// PutVersion stores one saved revision of a workflow.
func (mb *MockBackend) PutVersion(workflowID, version string, doc any) {
	mb.put(OpGetVersion, workflowID+"@"+version, doc)
}

// OperationMock scripts the replies of one operation.
type OperationMock struct {
	mb *MockBackend
	op string
}

// OnOperation starts scripting replies for op.
func (mb *MockBackend) OnOperation(op string) *OperationMock {
	return &OperationMock{mb: mb, op: op}
}

func (om *OperationMock) then(r reply) *OperationMock {
	om.mb.mu.Lock()
	defer om.mb.mu.Unlock()
	s := om.mb.scripts[om.op]
	if s == nil {
		s = &script{}
		om.mb.scripts[om.op] = s
	}
	s.replies = append(s.replies, r)
	return om
}

// RespondWith queues a reply with the given status and JSON body.
func (om *OperationMock) RespondWith(status int, body any) *OperationMock {
	return om.then(reply{status: status, body: body})
}

// RespondWithDelay queues a reply sent after delay, for deadline tests.
func (om *OperationMock) RespondWithDelay(delay time.Duration, status int, body any) *OperationMock {
	return om.then(reply{status: status, body: body, delay: delay})
}

// RespondWithConnectionError queues a reply that closes the connection
// without writing a response.
func (om *OperationMock) RespondWithConnectionError() *OperationMock {
	return om.then(reply{drop: true})
}

// RespondWithHeaders queues a reply whose headers are set by header.
func (om *OperationMock) RespondWithHeaders(status int, body any, header func(http.Header)) *OperationMock {
	return om.then(reply{status: status, body: body, header: header})
}

func (mb *MockBackend) serve(op string, stored func(*http.Request) (any, bool)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		call := &RecordedRequest{
			Method:      r.Method,
			Path:        r.URL.Path,
			QueryParams: map[string]string{},
			Headers:     r.Header.Clone(),
		}
		for k := range r.URL.Query() {
			call.QueryParams[k] = r.URL.Query().Get(k)
		}

		mb.mu.Lock()
		mb.calls[op] = append(mb.calls[op], call)
		s := mb.scripts[op]
		var scripted *reply
		if s != nil && len(s.replies) > 0 {
			next := s.pop()
			scripted = &next
		}
		mb.mu.Unlock()

		if scripted == nil {
			doc, ok := stored(r)
			if !ok {
				writeMockJSON(w, http.StatusNotFound, map[string]string{"error": op + ": not found"})
				return
			}
			writeMockJSON(w, http.StatusOK, doc)
			return
		}

		switch {
		case scripted.drop:
			if conn, _, err := http.NewResponseController(w).Hijack(); err == nil {
				_ = conn.Close()
			}
			return
		case scripted.delay > 0:
			select {
			case <-time.After(scripted.delay):
			case <-r.Context().Done():
				return
			}
		}
		if scripted.header != nil {
			scripted.header(w.Header())
		}
		writeMockJSON(w, scripted.status, scripted.body)
	}
}

func writeMockJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// AssertCalled fails t unless op was called want times.
func (mb *MockBackend) AssertCalled(t *testing.T, op string, want int) {
	t.Helper()
	if got := len(mb.AllRequests(op)); got != want {
		t.Errorf("admin API %s called %d times, want %d", op, got, want)
	}
}

// AssertNotCalled fails t if op was called at all.
func (mb *MockBackend) AssertNotCalled(t *testing.T, op string) {
	t.Helper()
	mb.AssertCalled(t, op, 0)
}

// LastRequest returns the latest call to op, or nil.
func (mb *MockBackend) LastRequest(op string) *RecordedRequest {
	calls := mb.AllRequests(op)
	if len(calls) == 0 {
		return nil
	}
	return calls[len(calls)-1]
}

// AllRequests returns a copy of the calls recorded for op.
func (mb *MockBackend) AllRequests(op string) []*RecordedRequest {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return append([]*RecordedRequest(nil), mb.calls[op]...)
}

// ResetOperation drops the script and call log of op. Stored documents stay.
func (mb *MockBackend) ResetOperation(op string) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	delete(mb.scripts, op)
	delete(mb.calls, op)
}
