package repository

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/go-github/v68/github"
	"github.com/zulandar/roundhouse/internal/config"
	"golang.org/x/oauth2"
)

// GitHub wraps the REST client used for pull request metadata and
// deployment statuses.
type GitHub struct {
	client *github.Client
}

// NewGitHub builds a client from configuration. A token authenticates
// through oauth2; BaseURL points at a GitHub Enterprise server.
func NewGitHub(ctx context.Context, cfg config.GitHubConfig) (*GitHub, error) {
	var httpClient *http.Client
	if cfg.Token != "" {
		httpClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token}))
	}
	client := github.NewClient(httpClient)
	if cfg.BaseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(cfg.BaseURL, cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("repository: github base url: %w", err)
		}
	}
	return &GitHub{client: client}, nil
}

// PullRequest fetches a pull request snapshot.
func (g *GitHub) PullRequest(ctx context.Context, owner, repo string, number int) (PullRequest, error) {
	pr, _, err := g.client.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return PullRequest{}, fmt.Errorf("repository: get %s/%s#%d: %w", owner, repo, number, err)
	}
	return PullRequest{
		Number:           pr.GetNumber(),
		HeadSha:          pr.GetHead().GetSHA(),
		Title:            pr.GetTitle(),
		Body:             pr.GetBody(),
		Author:           pr.GetUser().GetLogin(),
		URL:              pr.GetHTMLURL(),
		SourceRepository: pr.GetHead().GetRepo().GetFullName(),
	}, nil
}

// CreateDeployment opens a deployment for ref in environment and returns its
// id together with the repository id.
func (g *GitHub) CreateDeployment(ctx context.Context, owner, repo, ref, environment, description string) (deploymentID, repoID int64, err error) {
	r, _, err := g.client.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return 0, 0, fmt.Errorf("repository: get %s/%s: %w", owner, repo, err)
	}
	d, _, err := g.client.Repositories.CreateDeployment(ctx, owner, repo, &github.DeploymentRequest{
		Ref:              github.Ptr(ref),
		Environment:      github.Ptr(environment),
		Description:      github.Ptr(description),
		AutoMerge:        github.Ptr(false),
		RequiredContexts: &[]string{},
	})
	if err != nil {
		return 0, 0, fmt.Errorf("repository: create deployment on %s/%s: %w", owner, repo, err)
	}
	return d.GetID(), r.GetID(), nil
}

// SetDeploymentStatus records state ("in_progress", "success", "failure",
// "error") on a deployment.
func (g *GitHub) SetDeploymentStatus(ctx context.Context, owner, repo string, deploymentID int64, state, description string) error {
	_, _, err := g.client.Repositories.CreateDeploymentStatus(ctx, owner, repo, deploymentID, &github.DeploymentStatusRequest{
		State:       github.Ptr(state),
		Description: github.Ptr(description),
	})
	if err != nil {
		return fmt.Errorf("repository: deployment %d status %s: %w", deploymentID, state, err)
	}
	return nil
}
