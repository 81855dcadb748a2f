package module

import "context"

// DeprecateModule implements §4.C operation 2: a thin wrapper over the
// registry's exact-version deprecation, kept here so callers depend on the
// Publisher rather than reaching into internal/registry directly.
func (p *Publisher) DeprecateModule(ctx context.Context, module, track, version, message string) error {
	return p.Registry.DeprecateModuleVersion(ctx, module, track, version, message)
}

// DeprecateStack mirrors DeprecateModule for Stacks.
func (p *Publisher) DeprecateStack(ctx context.Context, stack, track, version, message string) error {
	return p.Registry.DeprecateStackVersion(ctx, stack, track, version, message)
}
