package githost

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	nixpkgsreview "github.com/nixpkgs-review/nixpkgs-review"
)

// newTestClient points a Client at a local httptest.Server standing in for
// the GitHub REST API, the same fake-server-over-localhost approach
// internal/distritest.Export uses for the package export server.
func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient(context.Background(), "test-token", "nixos", "nixpkgs")
	u, err := url.Parse(srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	c.gh.BaseURL = u
	c.http = srv.Client()
	return c
}

func TestFetchPR(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/nixos/nixpkgs/pulls/123", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"base": {"ref": "master", "sha": "basesha"},
			"head": {"sha": "headsha"},
			"title": "fix foo",
			"body": "does the thing"
		}`))
	})
	c := newTestClient(t, mux)

	pr, err := c.FetchPR(context.Background(), 123)
	if err != nil {
		t.Fatal(err)
	}
	if pr.BaseRef != "master" || pr.HeadSha != "headsha" || pr.Title != "fix foo" {
		t.Fatalf("unexpected PRSpec: %+v", pr)
	}
}

func TestFetchArtifactFreshOnSuccess(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/nixos/nixpkgs/commits/abc123/check-runs", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"check_runs": [{
			"name": "ofborg-build-x86_64-linux",
			"status": "completed",
			"conclusion": "success",
			"details_url": "` + "http://" + r.Host + `/artifact.zip"
		}]}`))
	})
	mux.HandleFunc("/artifact.zip", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("fake-zip-bytes"))
	})
	c := newTestClient(t, mux)

	data, fresh, err := c.FetchArtifact(context.Background(), "abc123", "x86_64-linux")
	if err != nil {
		t.Fatal(err)
	}
	if !fresh {
		t.Fatal("expected fresh=true for a completed/success check run")
	}
	if string(data) != "fake-zip-bytes" {
		t.Fatalf("data = %q", data)
	}
}

func TestFetchArtifactStaleWhenNotCompleted(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/nixos/nixpkgs/commits/abc123/check-runs", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"check_runs": [{
			"name": "ofborg-build-x86_64-linux",
			"status": "in_progress"
		}]}`))
	})
	c := newTestClient(t, mux)

	_, fresh, err := c.FetchArtifact(context.Background(), "abc123", "x86_64-linux")
	if err != nil {
		t.Fatal(err)
	}
	if fresh {
		t.Fatal("expected fresh=false for an in-progress check run")
	}
}

func TestPostCommentAndListOwnComments(t *testing.T) {
	var posted string
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/nixos/nixpkgs/issues/7/comments", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			posted = "posted"
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"id": 1}`))
			return
		}
		w.Write([]byte(`[
			{"id": 1, "body": "` + commentMarker + `\n\nbuilt ok"},
			{"id": 2, "body": "unrelated human comment"}
		]`))
	})
	c := newTestClient(t, mux)

	if err := c.PostComment(context.Background(), 7, "built ok"); err != nil {
		t.Fatal(err)
	}
	if posted == "" {
		t.Fatal("comment was not posted")
	}

	comments, err := c.ListOwnComments(context.Background(), 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(comments) != 1 || !strings.Contains(comments[0], "built ok") {
		t.Fatalf("ListOwnComments = %v, want one marker-tagged comment", comments)
	}
}

func TestWrapErrClassifiesRemote4xx(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/nixos/nixpkgs/pulls/999", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message": "Not Found"}`))
	})
	c := newTestClient(t, mux)

	_, err := c.FetchPR(context.Background(), 999)
	if _, ok := err.(*nixpkgsreview.Remote4xxError); !ok {
		t.Fatalf("err = %T, want *nixpkgsreview.Remote4xxError", err)
	}
}

func TestParseRepoSlug(t *testing.T) {
	cases := []struct{ in, owner, repo string }{
		{"https://github.com/NixOS/nixpkgs", "NixOS", "nixpkgs"},
		{"https://github.com/NixOS/nixpkgs.git", "NixOS", "nixpkgs"},
		{"git@github.com:NixOS/nixpkgs.git", "NixOS", "nixpkgs"},
	}
	for _, c := range cases {
		owner, repo, err := ParseRepoSlug(c.in)
		if err != nil {
			t.Fatalf("%s: %v", c.in, err)
		}
		if owner != c.owner || repo != c.repo {
			t.Fatalf("%s: got %s/%s, want %s/%s", c.in, owner, repo, c.owner, c.repo)
		}
	}
}
