package repository

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/zulandar/roundhouse/internal/config"
)

func githubServer(t *testing.T) (*GitHub, *[]string) {
	t.Helper()
	var calls []string
	mux := http.NewServeMux()
	record := func(r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer s3cret" {
			t.Errorf("Authorization = %q", got)
		}
		calls = append(calls, r.Method+" "+r.URL.Path)
	}
	mux.HandleFunc("GET /api/v3/repos/org/game/pulls/5", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		io.WriteString(w, `{"number":5,"title":"Fix lag","body":"details","html_url":"https://github.com/org/game/pull/5",
			"user":{"login":"octocat"},"head":{"sha":"abc123","repo":{"full_name":"octocat/game"}}}`)
	})
	mux.HandleFunc("GET /api/v3/repos/org/game", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		io.WriteString(w, `{"id":77,"full_name":"org/game"}`)
	})
	mux.HandleFunc("POST /api/v3/repos/org/game/deployments", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		if body["ref"] != "deadbeef" || body["environment"] != "main" {
			t.Errorf("deployment body = %v", body)
		}
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"id":99}`)
	})
	mux.HandleFunc("POST /api/v3/repos/org/game/deployments/99/statuses", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"id":1,"state":"success"}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	gh, err := NewGitHub(context.Background(), config.GitHubConfig{Token: "s3cret", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewGitHub: %v", err)
	}
	return gh, &calls
}

func TestGitHub_PullRequest(t *testing.T) {
	gh, _ := githubServer(t)
	pr, err := gh.PullRequest(context.Background(), "org", "game", 5)
	if err != nil {
		t.Fatalf("PullRequest: %v", err)
	}
	want := PullRequest{
		Number: 5, HeadSha: "abc123", Title: "Fix lag", Body: "details",
		Author: "octocat", URL: "https://github.com/org/game/pull/5", SourceRepository: "octocat/game",
	}
	if pr != want {
		t.Errorf("PullRequest = %+v, want %+v", pr, want)
	}
}

func TestGitHub_PullRequestNotFound(t *testing.T) {
	gh, _ := githubServer(t)
	_, err := gh.PullRequest(context.Background(), "org", "game", 6)
	if err == nil || !strings.Contains(err.Error(), "org/game#6") {
		t.Errorf("err = %v", err)
	}
}

func TestGitHub_Deployment(t *testing.T) {
	gh, calls := githubServer(t)
	ctx := context.Background()

	id, repoID, err := gh.CreateDeployment(ctx, "org", "game", "deadbeef", "main", "compile job 3")
	if err != nil {
		t.Fatalf("CreateDeployment: %v", err)
	}
	if id != 99 || repoID != 77 {
		t.Errorf("ids = %d/%d, want 99/77", id, repoID)
	}
	if err := gh.SetDeploymentStatus(ctx, "org", "game", id, "success", "live"); err != nil {
		t.Fatalf("SetDeploymentStatus: %v", err)
	}
	if len(*calls) != 3 {
		t.Errorf("calls = %v", *calls)
	}
}
