// Package operator implements the Kubernetes Operator Reconciler
// (component G): leader election, the leader-only CRD installation pass,
// and a generic per-GVK reconciler that runs the finalizer/generation/
// retry state machine directly against unstructured CustomResources,
// since every published Module/Stack gets its own dynamically-named kind.
package operator

import (
	"time"

	"github.com/infraweave-io/infraweave/internal/utils"
)

// Finalizer is added to every CustomResource this operator manages so the
// deletion branch of Reconcile runs before the object is actually removed.
const Finalizer = "finalizer.infraweave.io"

// resourceStatus values written to `.status.resourceStatus`. These are
// free-form strings, not a Kubernetes-enforced enum; callers should match on
// substrings (see isInitiatedLooking) rather than exact equality where the
// spec only promises a family of values.
const (
	StatusReadyForReconciliation = "Ready for reconciliation"
	StatusApplyInitiated         = "Apply - initiated"
	StatusApplySubmitFailed      = "Apply - submission failed"
	StatusApplyFailedRetrying    = "Apply - failed, retrying"
	StatusDestroyInitiated       = "Destroy - initiated"
	StatusDestroySubmitFailed    = "Destroy - submission failed"
	StatusDestroyFailedRetrying  = "Destroy - failed, retrying"
	StatusReady                  = "Ready"
	StatusDeleted                = "Deleted"
	StatusMaxRetriesExhausted    = "Max retries exhausted"
	StatusCoolingDown            = "Cooling down"
)

// Timing constants, per spec.md §4.G/§5 ("Requeue times are explicit").
const (
	maxRetries          = 3
	finalizerRequeue    = time.Second
	corruptStatusWindow = 30 * time.Second
	corruptStatusRequeue = 5 * time.Second
	submitRequeue       = 10 * time.Second
	fullCheckInterval   = 30 * time.Second
	logsCheckInterval   = 10 * time.Second
	maxRetriesCooldown  = 24 * time.Hour
	minCooldownRequeue  = 60 * time.Second
)

// retryBackoff implements "10 * 2^retryCount minutes", evaluated against
// the already-incremented retry count.
func retryBackoff(retryCount int) time.Duration {
	return time.Duration(10*(1<<uint(retryCount))) * time.Minute
}

// jitteredLogsCheckInterval spreads logsCheckInterval across up to 5 extra
// seconds, deterministically keyed by deployment ID, so deployments created
// in a burst don't all poll ReadLogs on the same tick.
func jitteredLogsCheckInterval(deploymentID string) time.Duration {
	jitterMs := utils.HashAndModulo(deploymentID, 5000)
	return logsCheckInterval + time.Duration(jitterMs)*time.Millisecond
}
