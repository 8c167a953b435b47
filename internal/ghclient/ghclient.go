// Package ghclient wraps the `gh` CLI via go-gh/v2 for the post-PR lifecycle
// handler: PR status queries, review-thread triage, and merges.
package ghclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/cli/go-gh/v2"
)

// Client drives gh CLI invocations scoped to a single repo directory.
type Client struct {
	// RepoDir is passed as gh's working directory (-R is avoided so gh can
	// infer owner/repo from the git remote, matching how a worker's own
	// `gh pr create` would behave from inside the worktree).
	RepoDir string
}

// New returns a Client scoped to repoDir.
func New(repoDir string) *Client {
	return &Client{RepoDir: repoDir}
}

func (c *Client) exec(ctx context.Context, args ...string) (stdout, stderr bytes.Buffer, err error) {
	ghExe, err := gh.Path()
	if err != nil {
		return stdout, stderr, err
	}
	cmd := exec.CommandContext(ctx, ghExe, withRepoDir(c.RepoDir, args)...)
	cmd.Dir = c.RepoDir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err = cmd.Run()
	return stdout, stderr, err
}

// withRepoDir is a no-op placeholder hook kept distinct from exec so a
// future -R override is a one-line change; gh already resolves the repo
// from its working directory, which exec sets to RepoDir.
func withRepoDir(_ string, args []string) []string {
	return args
}

// PRStatus is the subset of `gh pr view --json` fields the lifecycle
// handler needs at the pr_review stage.
type PRStatus struct {
	State             string       `json:"state"`
	IsDraft           bool         `json:"isDraft"`
	ReviewDecision    string       `json:"reviewDecision"`
	URL               string       `json:"url"`
	StatusCheckRollup []CheckEntry `json:"statusCheckRollup"`
}

// CheckEntry is one entry of a PR's combined status check rollup.
type CheckEntry struct {
	Name       string `json:"name"`
	Conclusion string `json:"conclusion"`
	Status     string `json:"status"`
}

// PRStatus fetches state/isDraft/reviewDecision/statusCheckRollup for prURL.
func (c *Client) PRStatus(ctx context.Context, prURL string) (*PRStatus, error) {
	stdout, stderr, err := c.exec(ctx, "pr", "view", prURL, "--json", "state,isDraft,reviewDecision,statusCheckRollup,url")
	if err != nil {
		return nil, fmt.Errorf("gh pr view %s: %w (%s)", prURL, err, strings.TrimSpace(stderr.String()))
	}
	var status PRStatus
	if err := json.Unmarshal(stdout.Bytes(), &status); err != nil {
		return nil, fmt.Errorf("parsing gh pr view output: %w", err)
	}
	return &status, nil
}

// AnyCheckFailed reports whether any status check concluded in failure.
func (s *PRStatus) AnyCheckFailed() bool {
	for _, c := range s.StatusCheckRollup {
		if c.Conclusion == "FAILURE" || c.Conclusion == "ERROR" {
			return true
		}
	}
	return false
}

// AnyCheckPending reports whether any status check is still running.
func (s *PRStatus) AnyCheckPending() bool {
	for _, c := range s.StatusCheckRollup {
		if c.Status == "IN_PROGRESS" || c.Status == "QUEUED" || c.Status == "PENDING" {
			return true
		}
	}
	return false
}

// ReviewThread is one unresolved review conversation on a PR.
type ReviewThread struct {
	ID       string `json:"id"`
	Body     string `json:"body"`
	Severity string `json:"severity"` // derived by ClassifyThreadSeverity, not a GitHub field
	Resolved bool   `json:"isResolved"`
}

// reviewThreadsQuery asks the GraphQL API directly (gh pr view has no
// unresolved-threads projection), matching the teacher's use of `gh api
// graphql` for data the higher-level subcommands don't expose.
const reviewThreadsQuery = `
query($owner: String!, $repo: String!, $number: Int!) {
  repository(owner: $owner, name: $repo) {
    pullRequest(number: $number) {
      reviewThreads(first: 100) {
        nodes {
          isResolved
          comments(first: 1) { nodes { body } }
        }
      }
    }
  }
}`

type reviewThreadsResponse struct {
	Data struct {
		Repository struct {
			PullRequest struct {
				ReviewThreads struct {
					Nodes []struct {
						IsResolved bool `json:"isResolved"`
						Comments   struct {
							Nodes []struct {
								Body string `json:"body"`
							} `json:"nodes"`
						} `json:"comments"`
					} `json:"nodes"`
				} `json:"reviewThreads"`
			} `json:"pullRequest"`
		} `json:"repository"`
	} `json:"data"`
}

// UnresolvedThreads fetches every unresolved review thread on the PR
// identified by owner/repo/number, each classified by severity.
func (c *Client) UnresolvedThreads(ctx context.Context, owner, repo string, number int) ([]ReviewThread, error) {
	stdout, stderr, err := c.exec(ctx, "api", "graphql",
		"-f", "query="+reviewThreadsQuery,
		"-f", "owner="+owner,
		"-f", "repo="+repo,
		"-F", fmt.Sprintf("number=%d", number),
	)
	if err != nil {
		return nil, fmt.Errorf("gh api graphql (review threads): %w (%s)", err, strings.TrimSpace(stderr.String()))
	}

	var resp reviewThreadsResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("parsing review threads response: %w", err)
	}

	var unresolved []ReviewThread
	for _, n := range resp.Data.Repository.PullRequest.ReviewThreads.Nodes {
		if n.IsResolved {
			continue
		}
		body := ""
		if len(n.Comments.Nodes) > 0 {
			body = n.Comments.Nodes[0].Body
		}
		unresolved = append(unresolved, ReviewThread{
			Body:     body,
			Resolved: false,
			Severity: ClassifyThreadSeverity(body),
		})
	}
	return unresolved, nil
}

// ClassifyThreadSeverity buckets a review comment by its opening tag, the
// convention most review bots and humans on this project use.
func ClassifyThreadSeverity(body string) string {
	lower := strings.ToLower(strings.TrimSpace(body))
	switch {
	case strings.HasPrefix(lower, "critical") || strings.Contains(lower, "[critical]"):
		return "critical"
	case strings.HasPrefix(lower, "high") || strings.Contains(lower, "[high]"):
		return "high"
	case strings.HasPrefix(lower, "medium") || strings.Contains(lower, "[medium]"):
		return "medium"
	case strings.HasPrefix(lower, "dismiss") || strings.Contains(lower, "[dismiss]") || strings.Contains(lower, "nit:"):
		return "dismiss"
	default:
		return "low"
	}
}

// Merge squashes prURL into its base branch.
func (c *Client) Merge(ctx context.Context, prURL string) error {
	_, stderr, err := c.exec(ctx, "pr", "merge", prURL, "--squash")
	if err != nil {
		return fmt.Errorf("gh pr merge %s: %w (%s)", prURL, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// FindPRForBranch looks up an open or merged PR whose head branch is
// branch, returning "" if none exists yet (used by the orphaned-PR scan).
func (c *Client) FindPRForBranch(ctx context.Context, branch string) (string, error) {
	stdout, stderr, err := c.exec(ctx, "pr", "list", "--head", branch, "--state", "all", "--json", "url", "--limit", "1")
	if err != nil {
		return "", fmt.Errorf("gh pr list --head %s: %w (%s)", branch, err, strings.TrimSpace(stderr.String()))
	}
	var rows []struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &rows); err != nil {
		return "", fmt.Errorf("parsing gh pr list output: %w", err)
	}
	if len(rows) == 0 {
		return "", nil
	}
	return rows[0].URL, nil
}
