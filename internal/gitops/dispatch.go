package gitops

import (
	"context"
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/infraweave-io/infraweave/internal/deployment"
	"github.com/infraweave-io/infraweave/internal/domain"
	"github.com/infraweave-io/infraweave/internal/ierrors"
	"github.com/infraweave-io/infraweave/internal/logging"
	"github.com/infraweave-io/infraweave/internal/registry"
)

// FileStatus is how a single commit touched a path.
type FileStatus int

const (
	FileAdded FileStatus = iota
	FileModified
	FileRemoved
)

// FileChange is one added/modified/removed path pulled from the push's
// commit list, before any claim-path filtering.
type FileChange struct {
	Path   string
	Status FileStatus
}

// FilterClaimPaths keeps only `.yaml`/`.yml` files under the optional
// GITOPS_FILE_PATH_PREFIX.
func FilterClaimPaths(changes []FileChange, pathPrefix string) []FileChange {
	out := make([]FileChange, 0, len(changes))
	for _, c := range changes {
		ext := strings.ToLower(path.Ext(c.Path))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		if pathPrefix != "" && !strings.HasPrefix(c.Path, pathPrefix) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Identity is the grouping key spec.md §4.H derives from a claim document:
// (apiVersion, kind, metadata.name, metadata.namespace).
type Identity struct {
	APIVersion string
	Kind       string
	Name       string
	Namespace  string
}

func identityFromYAML(b []byte) (Identity, error) {
	var c domain.Claim
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Identity{}, ierrors.Wrap(ierrors.KindInvalidWebhookSignature, err, "parsing claim YAML")
	}
	if c.Kind == "" || c.Metadata.Name == "" {
		return Identity{}, ierrors.New(ierrors.KindInvalidWebhookSignature, "claim YAML missing kind or metadata.name")
	}
	return Identity{
		APIVersion: c.APIVersion,
		Kind:       c.Kind,
		Name:       c.Metadata.Name,
		Namespace:  c.Metadata.Namespace,
	}, nil
}

// IntentKind is the disposition spec.md §4.H assigns to one identity group.
type IntentKind int

const (
	IntentApply IntentKind = iota
	IntentDestroy
	IntentRename
)

// Intent is one unit of work the dispatcher submits: an apply/destroy claim
// or a rename that only updates a Deployment's reference.
type Intent struct {
	Identity  Identity
	Kind      IntentKind
	ClaimYAML []byte
	OldPath   string
	NewPath   string
}

// ContentFetcher resolves a path's content at a given ref. The fetch itself
// talks to the GitHub Contents API, an external collaborator (§1); this
// interface is the seam GroupIntents calls through.
type ContentFetcher interface {
	FetchContent(ctx context.Context, ref, path string) (content []byte, found bool, err error)
}

type fileRecord struct {
	path          string
	beforeContent []byte
	beforeFound   bool
	afterContent  []byte
	afterFound    bool
}

type identityGroup struct {
	identity      Identity
	beforePath    string
	beforeFound   bool
	beforeContent []byte
	afterPath     string
	afterFound    bool
	afterContent  []byte
}

// GroupIntents implements spec.md §4.H's processing step: fetch before/
// after content for every changed path, derive each side's identity, and
// fold same-identity sightings into one of active-only/deleted-only/
// renamed.
func GroupIntents(ctx context.Context, fetcher ContentFetcher, beforeRef, afterRef string, changes []FileChange) ([]Intent, error) {
	records := make([]fileRecord, 0, len(changes))
	for _, c := range changes {
		rec := fileRecord{path: c.Path}
		if c.Status != FileAdded {
			b, found, err := fetcher.FetchContent(ctx, beforeRef, c.Path)
			if err != nil {
				return nil, ierrors.Wrap(ierrors.KindGitHubAPIError, err, "fetching before-ref content")
			}
			rec.beforeContent, rec.beforeFound = b, found
		}
		if c.Status != FileRemoved {
			b, found, err := fetcher.FetchContent(ctx, afterRef, c.Path)
			if err != nil {
				return nil, ierrors.Wrap(ierrors.KindGitHubAPIError, err, "fetching after-ref content")
			}
			rec.afterContent, rec.afterFound = b, found
		}
		records = append(records, rec)
	}

	groups := map[Identity]*identityGroup{}
	order := make([]Identity, 0, len(records))
	touch := func(id Identity) *identityGroup {
		g, ok := groups[id]
		if !ok {
			g = &identityGroup{identity: id}
			groups[id] = g
			order = append(order, id)
		}
		return g
	}

	for _, rec := range records {
		if rec.beforeFound {
			if id, err := identityFromYAML(rec.beforeContent); err == nil {
				g := touch(id)
				g.beforePath, g.beforeFound, g.beforeContent = rec.path, true, rec.beforeContent
			}
		}
		if rec.afterFound {
			if id, err := identityFromYAML(rec.afterContent); err == nil {
				g := touch(id)
				g.afterPath, g.afterFound, g.afterContent = rec.path, true, rec.afterContent
			}
		}
	}

	intents := make([]Intent, 0, len(order))
	for _, id := range order {
		g := groups[id]
		switch {
		case g.afterFound && g.beforeFound && g.beforePath != g.afterPath:
			intents = append(intents, Intent{Identity: id, Kind: IntentRename, OldPath: g.beforePath, NewPath: g.afterPath})
		case g.afterFound:
			intents = append(intents, Intent{Identity: id, Kind: IntentApply, ClaimYAML: g.afterContent, NewPath: g.afterPath})
		case g.beforeFound:
			intents = append(intents, Intent{Identity: id, Kind: IntentDestroy, ClaimYAML: g.beforeContent, OldPath: g.beforePath})
		}
	}
	return intents, nil
}

// CommandForIntent picks the run_claim command and flags for an intent,
// branching on whether the push landed on the repository's default branch
// (§4.H: "submit apply on main, plan on other branches").
func CommandForIntent(intent Intent, isDefaultBranch bool) (deployment.Command, []string) {
	switch intent.Kind {
	case IntentApply:
		if isDefaultBranch {
			return deployment.CommandApply, nil
		}
		return deployment.CommandPlan, nil
	case IntentDestroy:
		if isDefaultBranch {
			return deployment.CommandDestroy, nil
		}
		return deployment.CommandPlan, []string{"-destroy"}
	default:
		return "", nil
	}
}

// Dispatcher wires a push's commit diff to run_claim submissions and
// reference updates, per spec.md §4.H.
type Dispatcher struct {
	Deployments *deployment.Client
	Registry    *registry.Client
	Fetcher     ContentFetcher
	Handler     deployment.Handler
	PathPrefix  string
	Log         logging.Logger
}

// DispatchResult records what happened to one grouped identity.
type DispatchResult struct {
	Intent       Intent
	JobID        string
	DeploymentID string
	Skipped      bool
}

// Dispatch groups the push's changed claim files into intents and submits
// or reconciles each one.
func (d *Dispatcher) Dispatch(ctx context.Context, owner, repo, beforeRef, afterRef string, isDefaultBranch bool, changes []FileChange) ([]DispatchResult, error) {
	changes = FilterClaimPaths(changes, d.PathPrefix)
	intents, err := GroupIntents(ctx, d.Fetcher, beforeRef, afterRef, changes)
	if err != nil {
		return nil, err
	}

	results := make([]DispatchResult, 0, len(intents))
	for _, intent := range intents {
		environment := deployment.EnvironmentForGitHub(owner, repo, intent.Identity.Namespace)

		if intent.Kind == IntentRename {
			if err := d.updateReference(ctx, environment, intent); err != nil {
				return results, err
			}
			results = append(results, DispatchResult{Intent: intent, Skipped: true})
			continue
		}

		command, flags := CommandForIntent(intent, isDefaultBranch)
		jobID, deploymentID, err := d.Deployments.RunClaim(ctx, d.Handler, intent.ClaimYAML, environment, command, flags, nil, intent.NewPath)
		if err != nil {
			return results, err
		}
		results = append(results, DispatchResult{Intent: intent, JobID: jobID, DeploymentID: deploymentID})
	}
	return results, nil
}

// updateReference implements the rename branch: no Terraform is executed,
// only the deployment's reference field moves to the new path.
func (d *Dispatcher) updateReference(ctx context.Context, environment string, intent Intent) error {
	dep, err := d.Registry.GetDeployment(ctx, intent.Identity.Name, environment, false)
	if err != nil {
		return err
	}
	if dep == nil {
		return nil
	}
	dep.Reference = intent.NewPath
	return d.Registry.PutDeployment(ctx, *dep)
}
