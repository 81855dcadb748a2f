package module

import (
	"context"

	"github.com/spf13/afero"

	"github.com/infraweave-io/infraweave/internal/domain"
)

// Precheck implements precheck_module: load the manifest and render every
// declared example into the Claim a user would author against it, so a
// reviewer can see the exact input shape before publishing.
func (p *Publisher) Precheck(ctx context.Context, manifestDir string) ([]domain.Claim, error) {
	raw, err := afero.ReadFile(p.FS, manifestDir+"/module.yaml")
	if err != nil {
		return nil, err
	}
	manifest, err := ParseManifest(raw)
	if err != nil {
		return nil, err
	}
	moduleID, err := ValidateName(manifest.Spec.ModuleName)
	if err != nil {
		return nil, err
	}

	log := p.logger()
	claims := make([]domain.Claim, 0, len(manifest.Spec.Examples))
	for _, ex := range manifest.Spec.Examples {
		claim := domain.Claim{
			APIVersion: "infraweave.io/v1",
			Kind:       manifest.Spec.ModuleName,
			Metadata:   domain.ClaimMetadata{Name: ex.Name},
			Spec: domain.ClaimSpec{
				ModuleVersion: manifest.Spec.Version,
				Variables:     ex.Variables,
			},
		}
		log.Info("rendered example claim", "module", moduleID, "example", ex.Name)
		claims = append(claims, claim)
	}
	return claims, nil
}
