//go:build e2e

package e2e

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"
)

// fakeIssue is the REST issue shape the binary reads and writes.
type fakeIssue struct {
	ID        int64       `json:"id"`
	Number    int         `json:"number"`
	Title     string      `json:"title"`
	Body      string      `json:"body"`
	State     string      `json:"state"`
	Labels    []fakeLabel `json:"labels"`
	UpdatedAt time.Time   `json:"updated_at"`
}

type fakeLabel struct {
	Name string `json:"name"`
}

// fakeGitHub serves the issues endpoints of one repository from memory.
type fakeGitHub struct {
	mu     sync.Mutex
	issues map[int]*fakeIssue
	next   int
	srv    *httptest.Server
}

func newFakeGitHub(t *testing.T, owner, repo string) *fakeGitHub {
	t.Helper()

	f := &fakeGitHub{issues: make(map[int]*fakeIssue), next: 1}

	base := "/repos/" + owner + "/" + repo
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+base+"/issues", f.list)
	mux.HandleFunc("POST "+base+"/issues", f.create)
	mux.HandleFunc("GET "+base+"/issues/{number}", f.get)
	mux.HandleFunc("PATCH "+base+"/issues/{number}", f.update)
	mux.HandleFunc("GET "+base+"/milestones", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, []any{})
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)

	return f
}

// put stores an issue as if someone edited it on github.com.
func (f *fakeGitHub) put(title, body string) *fakeIssue {
	f.mu.Lock()
	defer f.mu.Unlock()

	is := &fakeIssue{
		ID: int64(1000 + f.next), Number: f.next, Title: title, Body: body,
		State: "open", Labels: []fakeLabel{}, UpdatedAt: time.Now().UTC().Truncate(time.Second),
	}
	f.issues[is.Number] = is
	f.next++

	return is
}

func (f *fakeGitHub) byTitle(title string) *fakeIssue {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, is := range f.issues {
		if is.Title == title {
			cp := *is
			return &cp
		}
	}

	return nil
}

func (f *fakeGitHub) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.issues)
}

func (f *fakeGitHub) list(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := []*fakeIssue{}

	// Everything fits on the first page.
	if page := r.URL.Query().Get("page"); page != "" && page != "1" {
		writeJSON(w, http.StatusOK, out)
		return
	}

	var since time.Time
	if s := r.URL.Query().Get("since"); s != "" {
		since, _ = time.Parse(time.RFC3339, s)
	}

	for _, is := range f.issues {
		if !is.UpdatedAt.Before(since) {
			out = append(out, is)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })

	writeJSON(w, http.StatusOK, out)
}

func (f *fakeGitHub) get(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	is, ok := f.lookup(r)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return
	}

	writeJSON(w, http.StatusOK, is)
}

// issueRequest is the create/update body.
type issueRequest struct {
	Title  string   `json:"title"`
	Body   *string  `json:"body"`
	State  string   `json:"state"`
	Labels []string `json:"labels"`
}

func (f *fakeGitHub) create(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}

	is := f.put(req.Title, "")

	f.mu.Lock()
	defer f.mu.Unlock()

	f.apply(is, &req)
	writeJSON(w, http.StatusCreated, is)
}

func (f *fakeGitHub) update(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	is, ok := f.lookup(r)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return
	}

	f.apply(is, &req)
	writeJSON(w, http.StatusOK, is)
}

func (f *fakeGitHub) lookup(r *http.Request) (*fakeIssue, bool) {
	n, err := strconv.Atoi(r.PathValue("number"))
	if err != nil {
		return nil, false
	}

	is, ok := f.issues[n]

	return is, ok
}

func (f *fakeGitHub) apply(is *fakeIssue, req *issueRequest) {
	if req.Title != "" {
		is.Title = req.Title
	}

	if req.Body != nil {
		is.Body = *req.Body
	}

	if req.State != "" {
		is.State = req.State
	}

	if req.Labels != nil {
		is.Labels = is.Labels[:0]
		for _, l := range req.Labels {
			is.Labels = append(is.Labels, fakeLabel{Name: l})
		}
	}

	is.UpdatedAt = time.Now().UTC().Truncate(time.Second)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
