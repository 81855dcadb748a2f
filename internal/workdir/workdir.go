/*
Copyright 2021 The Crossplane Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package workdir garbage collects the local working directories
// LocalBackend (internal/terraform) leaves behind, one per deployment ID.
// Adapted from the teacher's Workspace-CR-aware GarbageCollector: instead of
// listing a crossplane Workspace CRD, it lists Deployment records through
// the Version Registry Client (component E), the supplemented local-backend
// analogue of "does this workspace still exist".
package workdir

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/infraweave-io/infraweave/internal/logging"
	"github.com/infraweave-io/infraweave/internal/registry"
)

// Error strings.
const (
	errListDeployments = "cannot list deployments"
	errFmtReadDir       = "cannot read directory %q"
)

// A GarbageCollector garbage collects the working directories of Terraform
// deployments that no longer exist in the registry.
type GarbageCollector struct {
	registry    *registry.Client
	environment string
	parentDir   string
	fs          afero.Afero
	interval    time.Duration
	log         logging.Logger
}

// A GarbageCollectorOption configures a new GarbageCollector.
type GarbageCollectorOption func(*GarbageCollector)

// WithFs configures the afero filesystem implementation in which work dirs will
// be garbage collected. The default is the real operating system filesystem.
func WithFs(fs afero.Afero) GarbageCollectorOption {
	return func(gc *GarbageCollector) { gc.fs = fs }
}

// WithInterval configures how often garbage collection will run. The default
// interval is one hour.
func WithInterval(i time.Duration) GarbageCollectorOption {
	return func(gc *GarbageCollector) { gc.interval = i }
}

// WithLogger configures the logger that will be used. The default is a no-op
// logger that never emits logs.
func WithLogger(l logging.Logger) GarbageCollectorOption {
	return func(gc *GarbageCollector) { gc.log = l }
}

// NewGarbageCollector returns a garbage collector that sweeps the working
// directories LocalBackend leaves under parentDir, one per deployment ID, for
// a single environment partition.
func NewGarbageCollector(reg *registry.Client, environment, parentDir string, o ...GarbageCollectorOption) *GarbageCollector {
	gc := &GarbageCollector{
		registry:    reg,
		environment: environment,
		parentDir:   parentDir,
		fs:          afero.Afero{Fs: afero.NewOsFs()},
		interval:    1 * time.Hour,
		log:         logging.NewNopLogger(),
	}

	for _, fn := range o {
		fn(gc)
	}

	return gc
}

// Run the garbage collector. Blocks until the supplied context is done.
func (gc *GarbageCollector) Run(ctx context.Context) {
	t := time.NewTicker(gc.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := gc.collect(ctx); err != nil {
				gc.log.Info("working directory garbage collection failed", "error", err)
			}
		}
	}
}

func (gc *GarbageCollector) collect(ctx context.Context) error {
	deployments, err := gc.registry.GetAllDeployments(ctx, gc.environment, false)
	if err != nil {
		return errors.Wrap(err, errListDeployments)
	}

	exists := make(map[string]bool, len(deployments))
	for _, d := range deployments {
		exists[d.DeploymentID] = true
	}

	fis, err := gc.fs.ReadDir(gc.parentDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, errFmtReadDir, gc.parentDir)
	}

	failed := make([]string, 0)
	for _, fi := range fis {
		if !fi.IsDir() {
			continue
		}
		id := deploymentIDFromDirName(fi.Name())
		if id == "" || exists[id] {
			continue
		}
		path := filepath.Join(gc.parentDir, fi.Name())
		if err := gc.fs.RemoveAll(path); err != nil {
			failed = append(failed, path)
		}
	}

	if len(failed) > 0 {
		return errors.Errorf("could not delete directories: %v", strings.Join(failed, ", "))
	}

	return nil
}

// deploymentIDFromDirName extracts the deployment ID LocalBackend encoded
// into a working directory name (see terraform.LocalBackend.Submit), or ""
// if the name doesn't look like one of ours.
func deploymentIDFromDirName(name string) string {
	const prefix = "deployment-"
	if !strings.HasPrefix(name, prefix) {
		return ""
	}
	return strings.TrimPrefix(name, prefix)
}
