// Package deployment implements Job Submission & Status (component F):
// run_claim, is_deployment_in_progress, and the environment-id helpers
// every caller (the operator, the webhook handler) derives a Deployment's
// partition key from, per spec.md §4.F.
//
// Grounded on the teacher's external.Client pattern in
// internal/controller/workspace/workspace.go, where a long-running external
// operation (Terraform apply/destroy) is wrapped behind a small typed
// interface (tfclient) the reconciler calls without knowing how the work is
// actually executed. CloudBackend generalizes that seam: spec.md §1 places
// the actual executing backend out of scope, so only the interface is
// implemented here.
package deployment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/infraweave-io/infraweave/internal/domain"
	"github.com/infraweave-io/infraweave/internal/ierrors"
	"github.com/infraweave-io/infraweave/internal/registry"
)

// Command is one of the three operations a claim submission can request.
type Command string

const (
	CommandApply   Command = "apply"
	CommandPlan    Command = "plan"
	CommandDestroy Command = "destroy"
)

// SubmitResult is what a CloudBackend returns for a successful submission.
type SubmitResult struct {
	JobID        string
	DeploymentID string
}

// CloudBackend is the external collaborator that actually runs Terraform
// against a claim. Out of scope per spec.md §1 ("cloud backends that
// actually execute Terraform"); this interface is the seam run_claim calls
// through.
type CloudBackend interface {
	Submit(ctx context.Context, handler string, claimYAML []byte, environment string, command Command, flags []string, extraData map[string]string, reference string) (SubmitResult, error)
}

// Handler identifies which CloudBackend implementation a claim targets
// (e.g. "kubernetes", "github-actions"); run_claim is backend-agnostic
// beyond this string.
type Handler = string

// Client bundles the registry and backend collaborators run_claim and
// is_deployment_in_progress need.
type Client struct {
	Registry *registry.Client
	Backend  CloudBackend
}

// EnvironmentForKubernetes builds the k8s-cluster environment key
// (§4.F: "k8s-<cluster_id>/<namespace>").
func EnvironmentForKubernetes(clusterID, namespace string) string {
	return fmt.Sprintf("k8s-%s/%s", clusterID, namespace)
}

// EnvironmentForGitHub builds the webhook-driven environment key
// (§4.F: "github-<owner-repo-lowercased-dash>/<namespace>").
func EnvironmentForGitHub(owner, repo, namespace string) string {
	slug := strings.ToLower(owner + "-" + repo)
	return fmt.Sprintf("github-%s/%s", slug, namespace)
}

// RunClaim implements run_claim: submits a claim to the given backend and
// records the resulting Deployment.
func (c *Client) RunClaim(ctx context.Context, handler Handler, claimYAML []byte, environment string, command Command, flags []string, extraData map[string]string, reference string) (jobID, deploymentID string, err error) {
	result, err := c.Backend.Submit(ctx, handler, claimYAML, environment, command, flags, extraData, reference)
	if err != nil {
		return "", "", ierrors.Wrap(ierrors.KindUploadModuleError, err, "submitting claim")
	}

	d := domain.Deployment{
		DeploymentID: result.DeploymentID,
		Environment:  environment,
		Status:       domain.StatusInitiated,
		JobID:        result.JobID,
		Epoch:        time.Now().UnixMilli(),
		Reference:    reference,
	}
	if err := c.Registry.PutDeployment(ctx, d); err != nil {
		return "", "", err
	}
	return result.JobID, result.DeploymentID, nil
}

// ProgressResult is is_deployment_in_progress's return shape.
type ProgressResult struct {
	InProgress   bool
	CurrentStatus string
	FinalStatus  string
	Deployment   *domain.Deployment
}

// IsDeploymentInProgress implements is_deployment_in_progress: a deployment
// is "in progress" whenever its recorded status isn't one of the terminal
// values (successful/failed/error). verbose is accepted for interface
// symmetry with callers that log the full deployment record; it does not
// change what is computed here.
func (c *Client) IsDeploymentInProgress(ctx context.Context, deploymentID, environment string, includeDeleted, verbose bool) (ProgressResult, error) {
	d, err := c.Registry.GetDeployment(ctx, deploymentID, environment, includeDeleted)
	if err != nil {
		return ProgressResult{}, err
	}
	if d == nil {
		return ProgressResult{InProgress: false}, nil
	}
	terminal := isTerminalStatus(d.Status)
	res := ProgressResult{
		InProgress:    !terminal,
		CurrentStatus: d.Status,
		Deployment:    d,
	}
	if terminal {
		res.FinalStatus = d.Status
	}
	return res, nil
}

func isTerminalStatus(status string) bool {
	switch status {
	case domain.StatusSuccessful, domain.StatusFailed, domain.StatusError:
		return true
	default:
		return false
	}
}
