package gitops

import (
	"context"
	"fmt"

	"github.com/google/go-github/v59/github"

	"github.com/infraweave-io/infraweave/internal/ierrors"
)

// ChecksService is the narrow go-github surface the Check Run state
// machine drives; narrowed to an interface so tests substitute a fake
// instead of hitting the GitHub API.
type ChecksService interface {
	CreateCheckRun(ctx context.Context, owner, repo string, opts github.CreateCheckRunOptions) (*github.CheckRun, *github.Response, error)
	UpdateCheckRun(ctx context.Context, owner, repo string, checkRunID int64, opts github.UpdateCheckRunOptions) (*github.CheckRun, *github.Response, error)
}

// CheckRun drives one Check Run through `queued -> in_progress ->
// completed {success|failure}`, per spec.md §4.H.
type CheckRun struct {
	Checks  ChecksService
	Owner   string
	Repo    string
	Name    string
	HeadSHA string
}

// Start creates the Check Run in the `queued` state and returns its ID.
func (c *CheckRun) Start(ctx context.Context) (int64, error) {
	status := "queued"
	run, _, err := c.Checks.CreateCheckRun(ctx, c.Owner, c.Repo, github.CreateCheckRunOptions{
		Name:    c.Name,
		HeadSHA: c.HeadSHA,
		Status:  &status,
	})
	if err != nil {
		return 0, ierrors.Wrap(ierrors.KindGitHubAPIError, err, "creating check run")
	}
	return run.GetID(), nil
}

// MarkInProgress transitions a queued Check Run to `in_progress`.
func (c *CheckRun) MarkInProgress(ctx context.Context, checkRunID int64) error {
	status := "in_progress"
	if _, _, err := c.Checks.UpdateCheckRun(ctx, c.Owner, c.Repo, checkRunID, github.UpdateCheckRunOptions{Status: &status}); err != nil {
		return ierrors.Wrap(ierrors.KindGitHubAPIError, err, "marking check run in progress")
	}
	return nil
}

// Complete transitions a Check Run to `completed`, embedding claimYAML in a
// fenced code block within the output text body.
func (c *CheckRun) Complete(ctx context.Context, checkRunID int64, success bool, summary string, claimYAML []byte) error {
	status := "completed"
	conclusion := "failure"
	if success {
		conclusion = "success"
	}
	text := fmt.Sprintf("%s\n\n```yaml\n%s\n```", summary, claimYAML)

	_, _, err := c.Checks.UpdateCheckRun(ctx, c.Owner, c.Repo, checkRunID, github.UpdateCheckRunOptions{
		Status:     &status,
		Conclusion: &conclusion,
		Output: &github.CheckRunOutput{
			Title:   github.String(summary),
			Summary: github.String(summary),
			Text:    github.String(text),
		},
	})
	if err != nil {
		return ierrors.Wrap(ierrors.KindGitHubAPIError, err, "completing check run")
	}
	return nil
}
