package module

import (
	"context"

	"github.com/infraweave-io/infraweave/internal/ierrors"
)

// LockGenerator is the external collaborator (§6) that, given a directory
// containing providers.tf and main.tf, produces .terraform.lock.hcl
// content. The concrete implementation shells out to a Terraform/OpenTofu
// binary, which is out of this module's scope (§1's "cloud backends that
// actually execute Terraform").
type LockGenerator interface {
	GenerateLock(ctx context.Context, dir string) ([]byte, error)
}

// RunLockGenerator invokes gen against dir and fails TerraformNoLockfile
// when it returns no content (§4.C step 8).
func RunLockGenerator(ctx context.Context, gen LockGenerator, dir string) ([]byte, error) {
	content, err := gen.GenerateLock(ctx, dir)
	if err != nil {
		return nil, ierrors.Wrap(ierrors.KindTerraformNoLockfile, err, "lock generator failed")
	}
	if len(content) == 0 {
		return nil, ierrors.New(ierrors.KindTerraformNoLockfile, "lock generator produced no content")
	}
	return content, nil
}
