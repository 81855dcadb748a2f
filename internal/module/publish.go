package module

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/infraweave-io/infraweave/internal/domain"
	"github.com/infraweave-io/infraweave/internal/hclgen"
	"github.com/infraweave-io/infraweave/internal/ierrors"
	"github.com/infraweave-io/infraweave/internal/logging"
	"github.com/infraweave-io/infraweave/internal/registry"
	"github.com/infraweave-io/infraweave/internal/semverx"
	"github.com/infraweave-io/infraweave/internal/value"
)

// ProviderArtifact is a declared provider's latest record plus the pieces
// of it the merge step (§4.C step 5) needs: its variable/output blocks and
// resolved lock entry. Fetching and unzipping the actual artifact bytes is
// an external-collaborator concern (§1's "cloud-provider SDK glue"); this
// interface is the seam.
type ProviderArtifact struct {
	Name               string
	LockEntry          domain.LockProvider
	Variables          []domain.TFVariable
	Outputs            []domain.TFOutput
	ProviderBlockAttrs []value.ObjectField
}

// ProviderSource fetches the latest published record of a declared
// provider dependency.
type ProviderSource interface {
	FetchLatest(ctx context.Context, name string) (*ProviderArtifact, error)
}

// Publisher implements publish_module, deprecate_module, precheck_module.
type Publisher struct {
	Registry  *registry.Client
	Providers ProviderSource
	Lock      LockGenerator
	FS        afero.Fs
	Bucket    string
	Log       logging.Logger

	// ConcurrencyLimit bounds upload fan-out (§5); defaults to 10, forced
	// to 1 when TestMode is set, mirroring CONCURRENCY_LIMIT/TEST_MODE.
	ConcurrencyLimit int
	TestMode         bool
}

// concurrencyLimit resolves CONCURRENCY_LIMIT/TEST_MODE the way the
// teacher resolves its own env-backed options, defaulting to 10.
func (p *Publisher) concurrencyLimit() int {
	if p.TestMode || envTruthy("TEST_MODE") {
		return 1
	}
	if p.ConcurrencyLimit > 0 {
		return p.ConcurrencyLimit
	}
	if v, ok := os.LookupEnv("CONCURRENCY_LIMIT"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 10
}

func envTruthy(name string) bool {
	v, ok := os.LookupEnv(name)
	if !ok {
		return false
	}
	switch v {
	case "", "0", "false", "False", "FALSE":
		return false
	default:
		return true
	}
}

// PublishResult is what PublishModule returns on success.
type PublishResult struct {
	Module domain.Module
}

// PublishModule implements §4.C operation 1 end-to-end.
func (p *Publisher) PublishModule(ctx context.Context, manifestDir, track, versionArg string, oci registry.OCIClient) (*PublishResult, error) {
	log := p.logger()

	// Step 1: load module.yaml; validate name; validate kind.
	raw, err := afero.ReadFile(p.FS, manifestDir+"/module.yaml")
	if err != nil {
		return nil, ierrors.Wrap(ierrors.KindInvalidModuleSchema, err, "cannot read module.yaml")
	}
	manifest, err := ParseManifest(raw)
	if err != nil {
		return nil, err
	}
	moduleID, err := ValidateName(manifest.Spec.ModuleName)
	if err != nil {
		return nil, err
	}

	// Step 2: resolve version.
	version, err := ResolveVersion(manifest.Spec.Version, versionArg)
	if err != nil {
		return nil, err
	}

	// Step 3: fetch declared providers, reject duplicate config names.
	if err := ValidateNoDuplicateProviderConfigNames(manifest.Spec.Providers); err != nil {
		return nil, err
	}
	artifacts := make([]*ProviderArtifact, 0, len(manifest.Spec.Providers))
	for _, decl := range manifest.Spec.Providers {
		a, err := p.Providers.FetchLatest(ctx, decl.Name)
		if err != nil {
			return nil, ierrors.Wrap(ierrors.KindNoProvidersDefined, err, fmt.Sprintf("fetching provider %q", decl.Name))
		}
		if a == nil {
			return nil, ierrors.Newf(ierrors.KindNoProvidersDefined, "no published record for provider %q", decl.Name)
		}
		artifacts = append(artifacts, a)
	}

	// Step 4-7: stage scratch dir and merge HCL.
	scratchDir := fmt.Sprintf("%s/%s-%s", manifestDir, moduleID, version)
	if err := p.FS.MkdirAll(scratchDir, 0o755); err != nil {
		return nil, ierrors.Wrap(ierrors.KindZipError, err, "cannot create scratch directory")
	}

	variables, outputs, requiredProviders, lockProviders, err := mergeProviderHCL(artifacts)
	if err != nil {
		return nil, err
	}

	mainFile := hclgen.NewFile()
	inputs := make(map[string]string, len(variables))
	for _, v := range variables {
		inputs[v.Name] = "var." + v.Name
	}
	if err := hclgen.WriteModuleCallBlock(mainFile, moduleID, "./"+moduleID, inputs, nil); err != nil {
		return nil, ierrors.Wrap(ierrors.KindInvalidModuleSchema, err, "emitting main.tf module call")
	}
	for _, o := range outputs {
		if err := hclgen.WriteOutputBlock(mainFile, o.Name, o.Description, "module."+moduleID+"."+o.Name); err != nil {
			return nil, ierrors.Wrap(ierrors.KindInvalidModuleSchema, err, "emitting root output")
		}
	}
	for _, v := range variables {
		if err := hclgen.WriteVariableBlock(mainFile, v); err != nil {
			return nil, ierrors.Wrap(ierrors.KindInvalidModuleSchema, err, "emitting root variable")
		}
	}
	if err := afero.WriteFile(p.FS, scratchDir+"/main.tf", mainFile.Bytes(), 0o644); err != nil {
		return nil, ierrors.Wrap(ierrors.KindZipError, err, "writing main.tf")
	}

	providersFile := hclgen.NewFile()
	for _, a := range artifacts {
		if err := hclgen.WriteProviderBlock(providersFile, a.Name, a.ProviderBlockAttrs); err != nil {
			return nil, ierrors.Wrap(ierrors.KindInvalidModuleSchema, err, "emitting provider block")
		}
	}
	entries := make([]hclgen.RequiredProviderEntry, len(requiredProviders))
	for i, rp := range requiredProviders {
		entries[i] = hclgen.RequiredProviderEntry{Name: rp.Name, Source: rp.Source, Version: rp.Version}
	}
	hclgen.WriteTerraformRequiredProviders(providersFile, entries)
	if err := afero.WriteFile(p.FS, scratchDir+"/providers.tf", providersFile.Bytes(), 0o644); err != nil {
		return nil, ierrors.Wrap(ierrors.KindZipError, err, "writing providers.tf")
	}

	// Step 8: invoke lock generator.
	lockContent, err := RunLockGenerator(ctx, p.Lock, scratchDir)
	if err != nil {
		return nil, err
	}
	if err := afero.WriteFile(p.FS, scratchDir+"/.terraform.lock.hcl", lockContent, 0o644); err != nil {
		return nil, ierrors.Wrap(ierrors.KindZipError, err, "writing lock file")
	}

	// Step 9: schema/backend/reserved-prefix/round-trip validation.
	if err := ValidateNoBackendBlock(nil); err != nil {
		return nil, err
	}
	if err := ValidateVariableNaming(variables); err != nil {
		return nil, err
	}
	if err := ValidateOutputNaming(outputs); err != nil {
		return nil, err
	}
	if err := ValidateRequiredProviders(requiredProviders); err != nil {
		return nil, err
	}

	// Step 10: parse semver; ensure the track matches.
	if err := ValidateTrackMatchesVersion(version, track); err != nil {
		return nil, err
	}
	newVersion, err := semverx.Parse(version)
	if err != nil {
		return nil, err
	}

	// Step 11: compare against the latest existing version in this track.
	var versionDiff *domain.VersionDiff
	latest, err := p.Registry.GetLatestModuleVersion(ctx, moduleID, track)
	if err != nil {
		return nil, err
	}
	if latest != nil {
		if semverx.IsUnreleased(newVersion) {
			// unreleased-pipeline escape hatch: skip the existence check.
		} else {
			existing, err := semverx.Parse(latest.Version)
			if err != nil {
				return nil, err
			}
			switch semverx.Compare(newVersion, existing) {
			case semverx.Identical:
				return nil, ierrors.Newf(ierrors.KindModuleVersionExists, "%s@%s version %s already published", moduleID, track, version)
			case semverx.Older:
				return nil, ierrors.Newf(ierrors.KindValidationError, "version %s is older than latest published %s", version, latest.Version)
			default:
				versionDiff = diffVariableSurface(latest, variables, outputs)
			}
		}
	}

	// Step 12: no Stack may share this module name.
	usedByStack, err := p.Registry.NameUsedByStack(ctx, moduleID)
	if err != nil {
		return nil, err
	}
	if usedByStack {
		return nil, ierrors.Newf(ierrors.KindStackModuleNamespaceSet, "name %q is already used by a Stack", moduleID)
	}

	// Step 13: validate + persist examples.
	persistedExamples := make([]ManifestExample, 0, len(manifest.Spec.Examples))
	for _, ex := range manifest.Spec.Examples {
		if err := ValidateExample(ex, variables); err != nil {
			return nil, err
		}
		persistedExamples = append(persistedExamples, PersistableExample(ex))
	}
	log.Debug("validated examples", "module", moduleID, "count", len(persistedExamples))

	// Step 14: build the final record.
	m := domain.Module{
		Module:              moduleID,
		ModuleName:          manifest.Spec.ModuleName,
		ModuleType:          domain.ModuleTypeModule,
		Version:             version,
		Track:               track,
		Timestamp:           time.Now().UTC().Format(time.RFC3339),
		Description:         manifest.Spec.Description,
		Reference:           manifest.Spec.Reference,
		TFVariables:         variables,
		TFOutputs:           outputs,
		TFRequiredProviders: requiredProviders,
		TFLockProviders:     lockProviders,
		S3Key:               registry.ArtifactKey(moduleID, version),
		VersionDiff:         versionDiff,
		CPU:                 manifest.Spec.CPU,
		Memory:              manifest.Spec.Memory,
	}

	// Step 15: upload. TestMode skips the S3 fan-out entirely (there is no
	// bucket to talk to in a unit test), mirroring how TEST_MODE also forces
	// the concurrency limit to 1.
	if oci != nil {
		tag := moduleID + "-" + version
		zipBytes, err := zipDir(p.FS, scratchDir)
		if err != nil {
			return nil, ierrors.Wrap(ierrors.KindZipError, err, "zipping module for OCI publish")
		}
		if err := oci.PublishArtifact(ctx, tag, zipBytes); err != nil {
			return nil, ierrors.Wrap(ierrors.KindUploadModuleError, err, "publishing OCI artifact")
		}
	} else if !p.TestMode {
		zipBytes, err := zipDir(p.FS, scratchDir)
		if err != nil {
			return nil, ierrors.Wrap(ierrors.KindZipError, err, "zipping module")
		}
		if err := p.fanOutUpload(ctx, m, zipBytes); err != nil {
			return nil, err
		}
	}

	if err := p.Registry.PublishVersion(ctx, m); err != nil {
		return nil, err
	}

	return &PublishResult{Module: m}, nil
}

// fanOutUpload implements §4.C step 15 / §5's bounded-concurrency fan-out:
// for each region, ensure every provider in m.TFLockProviders is cached and
// upload the module zip, with the first error winning but every in-flight
// task allowed to finish.
func (p *Publisher) fanOutUpload(ctx context.Context, m domain.Module, zipBytes []byte) error {
	regions := p.Registry.GetAllRegions()
	if len(regions) == 0 {
		regions = []string{p.Registry.Region}
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrencyLimit())

	for _, region := range regions {
		region := region
		g.Go(func() error {
			rc := p.Registry.CopyWithRegion(region)
			for _, lp := range m.TFLockProviders {
				if err := ensureProviderCached(gctx, rc, lp); err != nil {
					return ierrors.Wrap(ierrors.KindUploadModuleError, err, fmt.Sprintf("caching provider %s in region %s", lp.Source, region))
				}
			}
			if err := rc.UploadArtifact(gctx, p.Bucket, m.Module, m.Version, zipBytes); err != nil {
				return ierrors.Wrap(ierrors.KindUploadModuleError, err, fmt.Sprintf("uploading module to region %s", region))
			}
			return nil
		})
	}
	return g.Wait()
}

// ensureProviderCached is a placeholder seam for the provider-cache
// replication step; the actual provider binary cache is an external
// cloud-provider concern (§1).
func ensureProviderCached(ctx context.Context, rc *registry.Client, lp domain.LockProvider) error {
	return nil
}

// diffVariableSurface reports the named variable/output blocks added,
// changed (present on both sides but with a different type or required
// flag; outputs are never reported as changed), and
// removed relative to the previously published version (§4.C step 11).
func diffVariableSurface(previous *domain.Module, variables []domain.TFVariable, outputs []domain.TFOutput) *domain.VersionDiff {
	diff := &domain.VersionDiff{PreviousVersion: previous.Version}

	prevVars := make(map[string]domain.TFVariable, len(previous.TFVariables))
	for _, v := range previous.TFVariables {
		prevVars[v.Name] = v
	}
	seen := map[string]bool{}
	for _, v := range variables {
		seen[v.Name] = true
		old, existed := prevVars[v.Name]
		switch {
		case !existed:
			diff.Added = append(diff.Added, "variable."+v.Name)
		case old.Type != v.Type || old.Required != v.Required:
			diff.Changed = append(diff.Changed, "variable."+v.Name)
		}
	}
	for name := range prevVars {
		if !seen[name] {
			diff.Removed = append(diff.Removed, "variable."+name)
		}
	}

	prevOutputs := make(map[string]bool, len(previous.TFOutputs))
	for _, o := range previous.TFOutputs {
		prevOutputs[o.Name] = true
	}
	seenOutputs := map[string]bool{}
	for _, o := range outputs {
		seenOutputs[o.Name] = true
		if !prevOutputs[o.Name] {
			diff.Added = append(diff.Added, "output."+o.Name)
		}
	}
	for name := range prevOutputs {
		if !seenOutputs[name] {
			diff.Removed = append(diff.Removed, "output."+name)
		}
	}
	return diff
}

func mergeProviderHCL(artifacts []*ProviderArtifact) ([]domain.TFVariable, []domain.TFOutput, []domain.RequiredProvider, []domain.LockProvider, error) {
	var variables []domain.TFVariable
	var outputs []domain.TFOutput
	var requiredProviders []domain.RequiredProvider
	var lockProviders []domain.LockProvider
	for _, a := range artifacts {
		variables = append(variables, a.Variables...)
		outputs = append(outputs, a.Outputs...)
		requiredProviders = append(requiredProviders, domain.RequiredProvider{
			Name:    a.Name,
			Source:  a.LockEntry.Source,
			Version: a.LockEntry.Version,
		})
		lockProviders = append(lockProviders, a.LockEntry)
	}
	return variables, outputs, requiredProviders, lockProviders, nil
}

func (p *Publisher) logger() logging.Logger {
	if p.Log != nil {
		return p.Log
	}
	return logging.NewNopLogger()
}
