package gate

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"
)

// PullRequestChecker reports whether a pull request has been merged.
type PullRequestChecker interface {
	Merged(ctx context.Context, number int) (bool, error)
}

// GitHubChecker checks pull requests against one GitHub repository.
type GitHubChecker struct {
	client *github.Client
	owner  string
	repo   string
}

// NewGitHubChecker creates a checker. An empty token uses anonymous access.
func NewGitHubChecker(ctx context.Context, owner, repo, token string) *GitHubChecker {
	var httpClient *http.Client
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		httpClient = oauth2.NewClient(ctx, ts)
	}
	return &GitHubChecker{client: github.NewClient(httpClient), owner: owner, repo: repo}
}

// Merged implements PullRequestChecker.
func (g *GitHubChecker) Merged(ctx context.Context, number int) (bool, error) {
	merged, _, err := g.client.PullRequests.IsMerged(ctx, g.owner, g.repo, number)
	if err != nil {
		return false, fmt.Errorf("gate: check %s/%s#%d: %w", g.owner, g.repo, number, err)
	}
	return merged, nil
}
