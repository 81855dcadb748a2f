package stack

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/infraweave-io/infraweave/internal/domain"
	"github.com/infraweave-io/infraweave/internal/hclgen"
	"github.com/infraweave-io/infraweave/internal/ierrors"
	"github.com/infraweave-io/infraweave/internal/logging"
	"github.com/infraweave-io/infraweave/internal/module"
	"github.com/infraweave-io/infraweave/internal/reference"
	"github.com/infraweave-io/infraweave/internal/registry"
	"github.com/infraweave-io/infraweave/internal/semverx"
	"github.com/infraweave-io/infraweave/internal/value"
)

// Composer implements compose_stack end-to-end, §4.D.
type Composer struct {
	Registry *registry.Client
	Lock     module.LockGenerator
	FS       afero.Fs
	Bucket   string
	Log      logging.Logger

	ConcurrencyLimit int
	TestMode         bool
}

// ComposeResult is what Compose returns on success.
type ComposeResult struct {
	Module domain.Module
}

// claimEntry carries a loaded, validated claim plus the resolved Module
// record it instantiates.
type claimEntry struct {
	claim      domain.Claim
	claimSnake string
	moduleID   string
	moduleRec  domain.Module
}

func (c *Composer) logger() logging.Logger {
	if c.Log != nil {
		return c.Log
	}
	return logging.NewNopLogger()
}

func (c *Composer) concurrencyLimit() int {
	if c.TestMode {
		return 1
	}
	if c.ConcurrencyLimit > 0 {
		return c.ConcurrencyLimit
	}
	return 10
}

// Compose implements §4.D steps 1-15.
func (c *Composer) Compose(ctx context.Context, dir, track, versionArg string) (*ComposeResult, error) {
	log := c.logger()

	// Step 1: read stack.yaml.
	raw, err := afero.ReadFile(c.FS, dir+"/stack.yaml")
	if err != nil {
		return nil, ierrors.Wrap(ierrors.KindInvalidModuleSchema, err, "cannot read stack.yaml")
	}
	manifest, err := ParseStackManifest(raw)
	if err != nil {
		return nil, err
	}
	stackID, err := ValidateStackName(manifest.Spec.StackName)
	if err != nil {
		return nil, err
	}
	version, err := module.ResolveVersion(manifest.Spec.Version, versionArg)
	if err != nil {
		return nil, err
	}

	// Step 2: read all claim files.
	claims, err := c.loadClaims(dir)
	if err != nil {
		return nil, err
	}
	if err := DuplicateClaimNames(claims); err != nil {
		return nil, err
	}

	// Step 3: resolve (module, track, version) per claim.
	entries := make([]claimEntry, 0, len(claims))
	moduleKindByClaim := make(map[string]string, len(claims))
	for _, claim := range claims {
		if err := ValidateClaimForStack(claim); err != nil {
			return nil, err
		}
		moduleID, err := module.ValidateName(claim.Kind)
		if err != nil {
			return nil, err
		}
		v, err := semverx.Parse(claim.Spec.ModuleVersion)
		if err != nil {
			return nil, ierrors.Wrap(ierrors.KindValidationError, err, fmt.Sprintf("claim %q moduleVersion", claim.Metadata.Name))
		}
		claimTrack := semverx.Track(v)
		rec, err := c.Registry.GetModuleVersion(ctx, moduleID, claimTrack, claim.Spec.ModuleVersion)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, ierrors.Newf(ierrors.KindModuleVersionMissing, "claim %q references unpublished module %s@%s/%s", claim.Metadata.Name, moduleID, claimTrack, claim.Spec.ModuleVersion)
		}
		claimSnake := semverx.CamelToSnake(claim.Metadata.Name)
		entries = append(entries, claimEntry{claim: claim, claimSnake: claimSnake, moduleID: moduleID, moduleRec: *rec})
		moduleKindByClaim[claimSnake] = claim.Kind
	}

	// Step 4: union of declared providers, highest lock version per source.
	requiredProviders, lockProviders := unionProviders(entries)

	// Steps 5-6: collect variable and output keys.
	variableDefaults := map[string]value.Value{}
	variableRaws := map[string]string{}
	outputs := reference.Collection{}
	outputDefs := []domain.TFOutput{}
	for _, e := range entries {
		for _, v := range e.moduleRec.TFVariables {
			key := e.claimSnake + "__" + v.Name
			if raw, ok := e.claim.Spec.Variables[semverx.SnakeToCamel(v.Name)]; ok {
				if s, isStr := raw.(string); isStr {
					variableRaws[key] = s
				} else {
					variableDefaults[key] = value.FromAny(raw)
				}
			} else if v.Default != nil {
				variableDefaults[key] = *v.Default
			}
		}
		for _, o := range e.moduleRec.TFOutputs {
			key := e.claimSnake + "__" + o.Name
			outputs[key] = true
			outputDefs = append(outputDefs, domain.TFOutput{Name: key, Description: o.Description})
		}
	}
	variables := reference.Collection{}
	for k := range variableDefaults {
		variables[k] = true
	}
	for k := range variableRaws {
		variables[k] = true
	}
	for _, sv := range manifest.Spec.StackVariableDefinitions {
		key := "stack__" + semverx.CamelToSnake(sv.Name)
		variables[key] = true
		if sv.Default != nil {
			variableDefaults[key] = *sv.Default
		}
	}

	// Step 7: resolve references.
	dependencyMap := map[string]reference.ResolveResult{}
	for _, e := range entries {
		raws := map[string]string{}
		for key, raw := range variableRaws {
			if strings.HasPrefix(key, e.claimSnake+"__") {
				raws[key] = raw
			}
		}
		resolved, err := reference.DependencyMap(e.claimSnake, raws, outputs, variables)
		if err != nil {
			return nil, err
		}
		for k, v := range resolved {
			dependencyMap[k] = v
		}
	}

	// Step 8-9: self-reference and Kind validity.
	for key, raw := range variableRaws {
		sourceClaim := strings.SplitN(key, "__", 2)[0]
		for _, tok := range reference.FindTokens(raw) {
			if tok.IsStackVariable() {
				continue
			}
			refClaimSnake := semverx.CamelToSnake(tok.Name)
			if refClaimSnake == sourceClaim {
				return nil, ierrors.Newf(ierrors.KindSelfReferencingClaim, "claim %q references itself", sourceClaim)
			}
			kind, ok := moduleKindByClaim[refClaimSnake]
			if !ok || kind != tok.Kind {
				return nil, ierrors.Newf(ierrors.KindStackClaimReferenceNotFound, "reference %q does not point to an existing claim of kind %q", tok.Raw, tok.Kind)
			}
		}
	}

	// Step 10: cycle detection.
	graph := map[string][]string{}
	for _, e := range entries {
		graph[e.claimSnake] = nil
	}
	for key, res := range dependencyMap {
		if res.IsStackVariable || res.ReferencedKey == "" {
			continue
		}
		sourceClaim := strings.SplitN(key, "__", 2)[0]
		targetClaim := strings.SplitN(res.ReferencedKey, "__", 2)[0]
		if sourceClaim != targetClaim {
			graph[sourceClaim] = append(graph[sourceClaim], targetClaim)
		}
	}
	if err := DetectCycle(graph); err != nil {
		return nil, err
	}

	// Step 11: emit HCL.
	scratchDir := fmt.Sprintf("%s/%s-%s", dir, stackID, version)
	if err := c.FS.MkdirAll(scratchDir, 0o755); err != nil {
		return nil, ierrors.Wrap(ierrors.KindZipError, err, "cannot create scratch directory")
	}
	consumed := map[string]bool{}
	mainFile := hclgen.NewFile()
	for _, e := range entries {
		inputs := map[string]string{}
		for _, v := range e.moduleRec.TFVariables {
			key := e.claimSnake + "__" + v.Name
			if res, ok := dependencyMap[key]; ok {
				inputs[v.Name] = res.Expression
				consumed[key] = true
			} else {
				inputs[v.Name] = "var." + key
			}
		}
		source := fmt.Sprintf("./%s-%s", e.moduleID, e.moduleRec.Version)
		if err := hclgen.WriteModuleCallBlock(mainFile, e.claimSnake, source, inputs, nil); err != nil {
			return nil, ierrors.Wrap(ierrors.KindInvalidModuleSchema, err, "emitting stack module call")
		}
	}
	for _, o := range outputDefs {
		if err := hclgen.WriteOutputBlock(mainFile, o.Name, o.Description, "module."+strings.SplitN(o.Name, "__", 2)[0]+"."+strings.SplitN(o.Name, "__", 2)[1]); err != nil {
			return nil, ierrors.Wrap(ierrors.KindInvalidModuleSchema, err, "emitting stack output")
		}
	}
	remainingVars := remainingVariableBlocks(variableDefaults, consumed)
	for _, v := range remainingVars {
		if err := hclgen.WriteVariableBlock(mainFile, v); err != nil {
			return nil, ierrors.Wrap(ierrors.KindInvalidModuleSchema, err, "emitting stack variable")
		}
	}
	if err := afero.WriteFile(c.FS, scratchDir+"/main.tf", mainFile.Bytes(), 0o644); err != nil {
		return nil, ierrors.Wrap(ierrors.KindZipError, err, "writing stack main.tf")
	}

	providersFile := hclgen.NewFile()
	entriesHCL := make([]hclgen.RequiredProviderEntry, len(requiredProviders))
	for i, rp := range requiredProviders {
		entriesHCL[i] = hclgen.RequiredProviderEntry{Name: rp.Name, Source: rp.Source, Version: rp.Version}
	}
	hclgen.WriteTerraformRequiredProviders(providersFile, entriesHCL)
	if err := afero.WriteFile(c.FS, scratchDir+"/providers.tf", providersFile.Bytes(), 0o644); err != nil {
		return nil, ierrors.Wrap(ierrors.KindZipError, err, "writing stack providers.tf")
	}

	// Step 11(e): copy each composed module's zip contents into the
	// synthesised stack tree so the root module block's relative source
	// resolves. Actual extraction is an external-collaborator concern
	// (module artifacts live in the Registry's S3 store); this records the
	// intended destination directories.
	for _, e := range entries {
		subDir := fmt.Sprintf("%s/%s-%s", scratchDir, e.moduleID, e.moduleRec.Version)
		if err := c.FS.MkdirAll(subDir, 0o755); err != nil {
			return nil, ierrors.Wrap(ierrors.KindZipError, err, "staging composed module directory")
		}
	}

	// Step 12: lock file.
	lockContent, err := module.RunLockGenerator(ctx, c.Lock, scratchDir)
	if err != nil {
		return nil, err
	}
	if err := afero.WriteFile(c.FS, scratchDir+"/.terraform.lock.hcl", lockContent, 0o644); err != nil {
		return nil, ierrors.Wrap(ierrors.KindZipError, err, "writing stack lock file")
	}

	// Step 13: example validation (Stack shape).
	claimNames := make([]string, 0, len(entries))
	for _, e := range entries {
		claimNames = append(claimNames, e.claim.Metadata.Name)
	}
	for _, ex := range manifest.Spec.Examples {
		if err := ValidateStackExample(ex, claimNames); err != nil {
			return nil, err
		}
	}
	log.Debug("validated stack examples", "stack", stackID, "count", len(manifest.Spec.Examples))

	// Step 14: version_diff against the previous version of this stack.
	var versionDiff *domain.VersionDiff
	newVersion, err := semverx.Parse(version)
	if err != nil {
		return nil, err
	}
	latest, err := c.Registry.GetLatestStackVersion(ctx, stackID, track)
	if err != nil {
		return nil, err
	}
	if latest != nil {
		existing, err := semverx.Parse(latest.Version)
		if err != nil {
			return nil, err
		}
		switch semverx.Compare(newVersion, existing) {
		case semverx.Identical:
			return nil, ierrors.Newf(ierrors.KindModuleVersionExists, "%s@%s version %s already published", stackID, track, version)
		case semverx.Older:
			return nil, ierrors.Newf(ierrors.KindValidationError, "version %s is older than latest published %s", version, latest.Version)
		default:
			versionDiff = &domain.VersionDiff{PreviousVersion: latest.Version}
		}
	}

	usedByModule, err := c.Registry.NameUsedByModule(ctx, stackID)
	if err != nil {
		return nil, err
	}
	if usedByModule {
		return nil, ierrors.Newf(ierrors.KindStackModuleNamespaceSet, "name %q is already used by a Module", stackID)
	}

	stackData := &domain.StackData{Modules: make([]domain.StackMemberModule, 0, len(entries))}
	for _, e := range entries {
		stackData.Modules = append(stackData.Modules, domain.StackMemberModule{
			ClaimName: e.claim.Metadata.Name,
			Module:    e.moduleID,
			Track:     e.moduleRec.Track,
			Version:   e.moduleRec.Version,
		})
	}

	m := domain.Module{
		Module:              stackID,
		ModuleName:          manifest.Spec.StackName,
		ModuleType:          domain.ModuleTypeStack,
		Version:             version,
		Track:               track,
		Timestamp:           time.Now().UTC().Format(time.RFC3339),
		Description:         manifest.Spec.Description,
		Reference:           manifest.Spec.Reference,
		TFOutputs:           outputDefs,
		TFRequiredProviders: requiredProviders,
		TFLockProviders:     lockProviders,
		S3Key:               registry.ArtifactKey(stackID, version),
		StackData:           stackData,
		VersionDiff:         versionDiff,
	}
	for key, v := range variableDefaults {
		m.TFVariables = append(m.TFVariables, domain.TFVariable{Name: key, Default: &v})
	}
	sort.Slice(m.TFVariables, func(i, j int) bool { return m.TFVariables[i].Name < m.TFVariables[j].Name })

	// Step 15: fan out uploads. TestMode skips the S3 fan-out entirely.
	if !c.TestMode {
		zipBytes, err := module.ZipDir(c.FS, scratchDir)
		if err != nil {
			return nil, ierrors.Wrap(ierrors.KindZipError, err, "zipping stack")
		}
		if err := c.fanOutUpload(ctx, m, zipBytes); err != nil {
			return nil, err
		}
	}

	if err := c.Registry.PublishVersion(ctx, m); err != nil {
		return nil, err
	}

	return &ComposeResult{Module: m}, nil
}

func (c *Composer) fanOutUpload(ctx context.Context, m domain.Module, zipBytes []byte) error {
	regions := c.Registry.GetAllRegions()
	if len(regions) == 0 {
		regions = []string{c.Registry.Region}
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrencyLimit())
	for _, region := range regions {
		region := region
		g.Go(func() error {
			rc := c.Registry.CopyWithRegion(region)
			if err := rc.UploadArtifact(gctx, c.Bucket, m.Module, m.Version, zipBytes); err != nil {
				return ierrors.Wrap(ierrors.KindUploadModuleError, err, fmt.Sprintf("uploading stack to region %s", region))
			}
			return nil
		})
	}
	return g.Wait()
}

// loadClaims reads every claim YAML document under dir, recursively,
// skipping stack.yaml itself (§4.D step 2).
func (c *Composer) loadClaims(dir string) ([]domain.Claim, error) {
	var claims []domain.Claim
	err := afero.Walk(c.FS, dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if !strings.HasSuffix(path, ".yaml") && !strings.HasSuffix(path, ".yml") {
			return nil
		}
		if strings.HasSuffix(path, "/stack.yaml") || path == dir+"/stack.yaml" {
			return nil
		}
		raw, err := afero.ReadFile(c.FS, path)
		if err != nil {
			return err
		}
		var claim domain.Claim
		if err := yaml.Unmarshal(raw, &claim); err != nil {
			return ierrors.Wrap(ierrors.KindInvalidModuleSchema, err, fmt.Sprintf("parsing claim %s", path))
		}
		if claim.Kind == "" {
			return nil
		}
		claims = append(claims, claim)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func unionProviders(entries []claimEntry) ([]domain.RequiredProvider, []domain.LockProvider) {
	bestBySource := map[string]domain.RequiredProvider{}
	bestLockBySource := map[string]domain.LockProvider{}
	for _, e := range entries {
		for _, rp := range e.moduleRec.TFRequiredProviders {
			cur, ok := bestBySource[rp.Source]
			if !ok || isHigherVersion(rp.Version, cur.Version) {
				bestBySource[rp.Source] = rp
			}
		}
		for _, lp := range e.moduleRec.TFLockProviders {
			cur, ok := bestLockBySource[lp.Source]
			if !ok || isHigherVersion(lp.Version, cur.Version) {
				bestLockBySource[lp.Source] = lp
			}
		}
	}
	requiredProviders := make([]domain.RequiredProvider, 0, len(bestBySource))
	for _, rp := range bestBySource {
		requiredProviders = append(requiredProviders, rp)
	}
	sort.Slice(requiredProviders, func(i, j int) bool { return requiredProviders[i].Name < requiredProviders[j].Name })
	lockProviders := make([]domain.LockProvider, 0, len(bestLockBySource))
	for _, lp := range bestLockBySource {
		lockProviders = append(lockProviders, lp)
	}
	sort.Slice(lockProviders, func(i, j int) bool { return lockProviders[i].Source < lockProviders[j].Source })
	return requiredProviders, lockProviders
}

func isHigherVersion(candidate, current string) bool {
	cv, err := semverx.Parse(candidate)
	if err != nil {
		return false
	}
	ev, err := semverx.Parse(current)
	if err != nil {
		return true
	}
	return semverx.Compare(cv, ev) == semverx.Newer
}

func remainingVariableBlocks(defaults map[string]value.Value, consumed map[string]bool) []domain.TFVariable {
	keys := make([]string, 0, len(defaults))
	for k := range defaults {
		if !consumed[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]domain.TFVariable, 0, len(keys))
	for _, k := range keys {
		v := defaults[k]
		out = append(out, domain.TFVariable{Name: k, Default: &v})
	}
	return out
}

