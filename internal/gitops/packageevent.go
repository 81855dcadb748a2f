package gitops

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/infraweave-io/infraweave/internal/ierrors"
	"github.com/infraweave-io/infraweave/internal/logging"
	"github.com/infraweave-io/infraweave/internal/module"
	"github.com/infraweave-io/infraweave/internal/registry"
)

// ArtifactType is what an OCI package-registry event's name/version/tag
// suffix identifies it as (§4.H).
type ArtifactType int

const (
	ArtifactMain ArtifactType = iota
	ArtifactAttestation
	ArtifactSignature
)

// ClassifyArtifact inspects a package version/tag string's suffix:
// `*.att` is an attestation, `*.sig` a signature, everything else the main
// package.
func ClassifyArtifact(versionOrTag string) ArtifactType {
	switch {
	case strings.HasSuffix(versionOrTag, ".att"):
		return ArtifactAttestation
	case strings.HasSuffix(versionOrTag, ".sig"):
		return ArtifactSignature
	default:
		return ArtifactMain
	}
}

// PackageDownloader fetches the raw artifact bytes for a published OCI
// package. Actual OCI registry I/O is an external collaborator (§1); this
// interface is the seam PackagePublisher calls through.
type PackageDownloader interface {
	Download(ctx context.Context, packageName, versionOrTag string) ([]byte, error)
}

// PackagePublisher implements the package-registry half of spec.md §4.H:
// classify the event, download the main package, fan it out to every
// region, and republish it through §4.C as if freshly published.
type PackagePublisher struct {
	Registry   *registry.Client
	Downloader PackageDownloader
	Publishers map[string]*module.Publisher // region -> Publisher bound to that region's bucket
	FS         afero.Fs
	Track      string
	Log        logging.Logger

	ConcurrencyLimit int
	TestMode         bool
}

func (p *PackagePublisher) concurrencyLimit() int {
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

// HandlePackageEvent ignores attestation/signature side-artifacts; for the
// main package it downloads once, stages it into a scratch directory per
// region, and republishes through module.Publisher.PublishModule with the
// same bounded-concurrency fan-out §4.C's upload step uses.
func (p *PackagePublisher) HandlePackageEvent(ctx context.Context, packageName, versionOrTag string) error {
	if ClassifyArtifact(versionOrTag) != ArtifactMain {
		p.Log.Debug("ignoring package side-artifact", "package", packageName, "tag", versionOrTag)
		return nil
	}

	body, err := p.Downloader.Download(ctx, packageName, versionOrTag)
	if err != nil {
		return ierrors.Wrap(ierrors.KindUploadModuleError, err, "downloading package artifact")
	}

	regions := p.Registry.GetAllRegions()
	if len(regions) == 0 {
		regions = []string{p.Registry.Region}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrencyLimit())

	for _, region := range regions {
		region := region
		g.Go(func() error {
			pub, ok := p.Publishers[region]
			if !ok {
				return ierrors.Newf(ierrors.KindUploadModuleError, "no publisher configured for region %s", region)
			}
			stageDir := fmt.Sprintf("/gitops-package-%s-%s-%s", packageName, versionOrTag, region)
			if err := module.UnzipToDir(p.FS, body, stageDir); err != nil {
				return err
			}
			defer p.FS.RemoveAll(stageDir)

			_, err := pub.PublishModule(gctx, stageDir, p.Track, versionOrTag, p.Registry.GetOCIClient())
			return err
		})
	}
	return g.Wait()
}
