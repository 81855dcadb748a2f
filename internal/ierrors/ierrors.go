// Package ierrors defines InfraWeave's stable error-kind taxonomy as typed
// sentinels, generalizing the teacher's named-error-string convention
// (internal/terraform/terraform.go's `const ( errX = "..." )` block) so
// callers across the CLI, the operator, and the webhook handler can branch
// on kind with errors.Is instead of string matching.
package ierrors

import "github.com/pkg/errors"

// Kind is one stable error category from the taxonomy (§7).
type Kind string

const (
	// Validation.
	KindInvalidModuleSchema    Kind = "InvalidModuleSchema"
	KindInvalidVariableNaming  Kind = "InvalidVariableNaming"
	KindInvalidOutputNaming    Kind = "InvalidOutputNaming"
	KindInvalidExampleVariable Kind = "InvalidExampleVariable"
	KindValidationError        Kind = "ValidationError"
	KindStackModuleNamespaceSet Kind = "StackModuleNamespaceIsSet"
	KindModuleVersionNotSet    Kind = "ModuleVersionNotSet"

	// Reference integrity.
	KindOutputKeyNotFound           Kind = "OutputKeyNotFound"
	KindStackClaimReferenceNotFound Kind = "StackClaimReferenceNotFound"
	KindSelfReferencingClaim        Kind = "SelfReferencingClaim"
	KindCircularDependency          Kind = "CircularDependency"

	// Registry consistency.
	KindModuleVersionExists        Kind = "ModuleVersionExists"
	KindModuleVersionMissing       Kind = "ModuleVersionMissing"
	KindNoProvidersDefined         Kind = "NoProvidersDefined"
	KindNoRequiredProvidersDefined Kind = "NoRequiredProvidersDefined"
	KindTerraformNoLockfile        Kind = "TerraformNoLockfile"
	KindDuplicateClaimNames        Kind = "DuplicateClaimNames"

	// Transport.
	KindUploadModuleError Kind = "UploadModuleError"
	KindZipError          Kind = "ZipError"

	// GitOps dispatch.
	KindInvalidWebhookSignature Kind = "InvalidWebhookSignature"
	KindGitHubAPIError          Kind = "GitHubAPIError"
)

// Error is a kinded, optionally wrapped error. Kind is always present and
// comparable with errors.Is against a bare Kind-typed Error{Kind: k}.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is implements errors.Is comparison by Kind alone, so callers can write
// errors.Is(err, ierrors.New(ierrors.KindModuleVersionExists, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// New builds a kinded error with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds a kinded error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: errors.Errorf(format, args...).Error()}
}

// Wrap attaches a kind to an existing error, preserving it as the cause.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Of reports the Kind of err if it (or something it wraps) is an *Error.
func Of(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// CircularDependencyError carries the offending cycle, in traversal order.
type CircularDependencyError struct {
	*Error
	Cycle []string
}

// NewCircularDependency builds a CircularDependency error carrying the
// cycle nodes in the order they were discovered during the DFS walk.
func NewCircularDependency(cycle []string) *CircularDependencyError {
	return &CircularDependencyError{
		Error: New(KindCircularDependency, "circular dependency detected"),
		Cycle: cycle,
	}
}

// OutputKeyNotFoundError carries the context spec.md §4.B specifies.
type OutputKeyNotFoundError struct {
	*Error
	SourceClaim  string
	VariableName string
	RawValue     string
	Field        string
	ClaimName    string
}

// NewOutputKeyNotFound builds an OutputKeyNotFound error.
func NewOutputKeyNotFound(sourceClaim, variableName, rawValue, field, claimName string) *OutputKeyNotFoundError {
	return &OutputKeyNotFoundError{
		Error: Newf(KindOutputKeyNotFound,
			"output or variable %q not found for field %q referenced from claim %q (via %q in %q)",
			variableName, field, claimName, rawValue, sourceClaim),
		SourceClaim:  sourceClaim,
		VariableName: variableName,
		RawValue:     rawValue,
		Field:        field,
		ClaimName:    claimName,
	}
}

// Fatal/transient classification for reconcile errors (§4.G, §7).
// HTTPStatus, when known, is used to decide the classification.
func IsFatalReconcileError(httpStatus int, isNotFound bool) bool {
	return httpStatus == 401 || httpStatus == 403 || isNotFound
}
