package gitops

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/go-github/v59/github"

	"github.com/infraweave-io/infraweave/internal/ierrors"
	"github.com/infraweave-io/infraweave/internal/logging"
)

// PackagesService is the narrow go-github surface PackagePoller needs: list
// an organization's container packages and page through one package's
// versions.
type PackagesService interface {
	ListPackages(ctx context.Context, org string, opts *github.PackageListOptions) ([]*github.Package, *github.Response, error)
	PackageGetAllVersions(ctx context.Context, org, packageType, packageName string, opts *github.PackageListOptions) ([]*github.PackageVersion, *github.Response, error)
}

// PackageEventHandler is the seam PackagePoller replays discovered package
// versions through. *PackagePublisher satisfies it; tests substitute a stub.
type PackageEventHandler interface {
	HandlePackageEvent(ctx context.Context, packageName, versionOrTag string) error
}

// PackagePoller is the polling fallback for component H's package-publish
// flow: GHCR webhook delivery can be missed (App reinstalled mid-event,
// delivery outage), so a periodic sweep over every "infraweave"-prefixed
// container package catches anything a webhook didn't, replaying it through
// the same PackagePublisher.HandlePackageEvent used for webhook deliveries.
type PackagePoller struct {
	Org        string
	Packages   PackagesService
	Publisher  PackageEventHandler
	NamePrefix string
	Log        logging.Logger
}

func (p *PackagePoller) logger() logging.Logger {
	if p.Log != nil {
		return p.Log
	}
	return logging.NewNopLogger()
}

func (p *PackagePoller) namePrefix() string {
	if p.NamePrefix != "" {
		return p.NamePrefix
	}
	return "infraweave"
}

// Poll lists every container package in Org updated since cutoff and
// replays each version created since cutoff through HandlePackageEvent,
// mirroring the original's get_new_packages/convert_packages_to_webhook_events
// round trip without constructing a synthetic webhook payload: the
// publisher only needs (package name, version/tag), not the full event.
func (p *PackagePoller) Poll(ctx context.Context, cutoff time.Time) error {
	packages, err := p.listPackages(ctx)
	if err != nil {
		return ierrors.Wrap(ierrors.KindUploadModuleError, err, "listing org packages")
	}

	var errs []error
	for _, pkg := range packages {
		name := pkg.GetName()
		if !strings.HasPrefix(name, p.namePrefix()) {
			p.logger().Debug("skipping non-infraweave package", "package", name)
			continue
		}
		if pkg.GetUpdatedAt().Time.Before(cutoff) {
			continue
		}

		versions, err := p.listVersionsSince(ctx, name, cutoff)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, v := range versions {
			if err := p.Publisher.HandlePackageEvent(ctx, name, v.GetName()); err != nil {
				errs = append(errs, ierrors.Wrap(ierrors.KindUploadModuleError, err, fmt.Sprintf("processing polled package %s version %s", name, v.GetName())))
			}
		}
	}
	return errors.Join(errs...)
}

func (p *PackagePoller) listPackages(ctx context.Context) ([]*github.Package, error) {
	packageType := "container"
	opts := &github.PackageListOptions{PackageType: &packageType, ListOptions: github.ListOptions{PerPage: 100}}
	var all []*github.Package
	for {
		page, resp, err := p.Packages.ListPackages(ctx, p.Org, opts)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

func (p *PackagePoller) listVersionsSince(ctx context.Context, packageName string, cutoff time.Time) ([]*github.PackageVersion, error) {
	opts := &github.PackageListOptions{ListOptions: github.ListOptions{PerPage: 100}}
	var recent []*github.PackageVersion
	for {
		page, resp, err := p.Packages.PackageGetAllVersions(ctx, p.Org, "container", packageName, opts)
		if err != nil {
			return nil, ierrors.Wrap(ierrors.KindUploadModuleError, err, fmt.Sprintf("listing versions for package %s", packageName))
		}
		foundOld := false
		for _, v := range page {
			if v.GetCreatedAt().Time.Before(cutoff) {
				foundOld = true
				continue
			}
			recent = append(recent, v)
		}
		if resp == nil || resp.NextPage == 0 || foundOld {
			break
		}
		opts.Page = resp.NextPage
	}
	return recent, nil
}
