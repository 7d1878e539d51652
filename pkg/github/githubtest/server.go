// Package githubtest provides an in-memory GitHub REST server for tests.
package githubtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-github/v68/github"

	ghclient "github.com/holon-run/miyabi/pkg/github"
)

// Server mocks the issue, comment and pull request endpoints.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	issues   map[int]*github.Issue
	comments map[int][]*github.IssueComment
	pulls    []*github.PullRequest
	nextID   int64

	prFailures      int
	prFailureStatus int
	prCreateCalls   int
	commentCalls    int
}

// NewServer starts a server and registers cleanup on t.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		issues:   make(map[int]*github.Issue),
		comments: make(map[int][]*github.IssueComment),
		nextID:   1000,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/{owner}/{repo}/issues/{number}", s.handleGetIssue)
	mux.HandleFunc("GET /repos/{owner}/{repo}/issues/{number}/comments", s.handleListComments)
	mux.HandleFunc("POST /repos/{owner}/{repo}/issues/{number}/comments", s.handleCreateComment)
	mux.HandleFunc("PATCH /repos/{owner}/{repo}/issues/comments/{id}", s.handleEditComment)
	mux.HandleFunc("GET /repos/{owner}/{repo}/pulls/{number}", s.handleGetPull)
	mux.HandleFunc("GET /repos/{owner}/{repo}/pulls", s.handleListPulls)
	mux.HandleFunc("POST /repos/{owner}/{repo}/pulls", s.handleCreatePull)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// Client returns a client pointed at the server with rate limiting off.
func (s *Server) Client(t testing.TB) *ghclient.Client {
	t.Helper()
	c, err := ghclient.NewClient("test-token", ghclient.WithBaseURL(s.URL+"/"), ghclient.WithRateLimit(0, 0))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c
}

// AddIssue registers an open issue.
func (s *Server) AddIssue(number int, title, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := github.Timestamp{Time: time.Now()}
	s.issues[number] = &github.Issue{
		Number:    github.Int(number),
		Title:     github.String(title),
		Body:      github.String(body),
		State:     github.String("open"),
		HTMLURL:   github.String(fmt.Sprintf("https://github.com/acme/widgets/issues/%d", number)),
		User:      &github.User{Login: github.String("octocat")},
		CreatedAt: &now,
		UpdatedAt: &now,
	}
}

// SetIssueState changes the state and bumps updated_at.
func (s *Server) SetIssueState(number int, state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if issue, ok := s.issues[number]; ok {
		now := github.Timestamp{Time: time.Now()}
		issue.State = github.String(state)
		issue.UpdatedAt = &now
	}
}

// FailCreatePR makes the next n pull request creations fail with status.
func (s *Server) FailCreatePR(n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prFailures = n
	s.prFailureStatus = status
}

// CommentBodies returns the comment bodies posted on number, oldest first.
func (s *Server) CommentBodies(number int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, c := range s.comments[number] {
		out = append(out, c.GetBody())
	}
	return out
}

// PullRequests returns the created pull requests.
func (s *Server) PullRequests() []*github.PullRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*github.PullRequest(nil), s.pulls...)
}

// CreatePRCalls counts pull request creation attempts, failed ones included.
func (s *Server) CreatePRCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prCreateCalls
}

// CommentCalls counts comment creations.
func (s *Server) CommentCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commentCalls
}

func (s *Server) handleGetIssue(w http.ResponseWriter, r *http.Request) {
	n, ok := pathNumber(w, r, "number")
	if !ok {
		return
	}
	s.mu.Lock()
	issue, found := s.issues[n]
	s.mu.Unlock()
	if !found {
		writeError(w, http.StatusNotFound, "Not Found")
		return
	}
	writeJSON(w, http.StatusOK, issue)
}

func (s *Server) handleListComments(w http.ResponseWriter, r *http.Request) {
	n, ok := pathNumber(w, r, "number")
	if !ok {
		return
	}
	s.mu.Lock()
	comments := append([]*github.IssueComment{}, s.comments[n]...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, comments)
}

func (s *Server) handleCreateComment(w http.ResponseWriter, r *http.Request) {
	n, ok := pathNumber(w, r, "number")
	if !ok {
		return
	}
	var in github.IssueComment
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.mu.Lock()
	s.commentCalls++
	s.nextID++
	now := github.Timestamp{Time: time.Now()}
	comment := &github.IssueComment{
		ID:        github.Int64(s.nextID),
		Body:      in.Body,
		User:      &github.User{Login: github.String("miyabi[bot]")},
		CreatedAt: &now,
		UpdatedAt: &now,
	}
	s.comments[n] = append(s.comments[n], comment)
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, comment)
}

func (s *Server) handleEditComment(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad comment id")
		return
	}
	var in github.IssueComment
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, list := range s.comments {
		for _, c := range list {
			if c.GetID() == id {
				c.Body = in.Body
				writeJSON(w, http.StatusOK, c)
				return
			}
		}
	}
	writeError(w, http.StatusNotFound, "Not Found")
}

func (s *Server) handleGetPull(w http.ResponseWriter, r *http.Request) {
	n, ok := pathNumber(w, r, "number")
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pr := range s.pulls {
		if pr.GetNumber() == n {
			writeJSON(w, http.StatusOK, pr)
			return
		}
	}
	writeError(w, http.StatusNotFound, "Not Found")
}

func (s *Server) handleListPulls(w http.ResponseWriter, r *http.Request) {
	head := r.URL.Query().Get("head")
	if i := strings.Index(head, ":"); i >= 0 {
		head = head[i+1:]
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*github.PullRequest{}
	for _, pr := range s.pulls {
		if head == "" || pr.GetHead().GetRef() == head {
			out = append(out, pr)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreatePull(w http.ResponseWriter, r *http.Request) {
	var in github.NewPullRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prCreateCalls++
	if s.prFailures > 0 {
		s.prFailures--
		writeError(w, s.prFailureStatus, "injected failure")
		return
	}
	for _, pr := range s.pulls {
		if pr.GetHead().GetRef() == in.GetHead() {
			writeError(w, http.StatusUnprocessableEntity, "A pull request already exists for "+in.GetHead())
			return
		}
	}
	number := 100 + len(s.pulls) + 1
	now := github.Timestamp{Time: time.Now()}
	pr := &github.PullRequest{
		Number:    github.Int(number),
		Title:     in.Title,
		Body:      in.Body,
		State:     github.String("open"),
		HTMLURL:   github.String(fmt.Sprintf("https://github.com/acme/widgets/pull/%d", number)),
		Head:      &github.PullRequestBranch{Ref: in.Head},
		Base:      &github.PullRequestBranch{Ref: in.Base},
		CreatedAt: &now,
		UpdatedAt: &now,
	}
	s.pulls = append(s.pulls, pr)
	writeJSON(w, http.StatusCreated, pr)
}

func pathNumber(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	n, err := strconv.Atoi(r.PathValue(name))
	if err != nil {
		writeError(w, http.StatusNotFound, "Not Found")
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}
