package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"gopkg.in/yaml.v3"

	"github.com/infraweave-io/infraweave/internal/deployment"
	"github.com/infraweave-io/infraweave/internal/domain"
	"github.com/infraweave-io/infraweave/internal/ierrors"
	"github.com/infraweave-io/infraweave/internal/logging"
	"github.com/infraweave-io/infraweave/internal/registry"
)

// Reconciler drives the per-resource reconciliation loop of spec.md §4.G
// against a single CustomResource kind. It is generic over GVK: one instance
// is wired per published Module/Stack kind (see Setup), since every kind
// gets its own dynamically-named CRD rather than a single static type the
// way the teacher's Workspace kind is code-generated.
//
// All reconcile state lives in `.status`, round-tripped through
// domain.ReconcileState — there is no in-memory state between invocations,
// matching the teacher's pattern of a stateless Connect/Observe/Update/
// Delete split, generalized here into one Reconcile entrypoint that owns
// its own finalizer instead of delegating to managed.Reconciler.
type Reconciler struct {
	Kube        client.Client
	Deployments *deployment.Client
	Registry    *registry.Client
	GVK         schema.GroupVersionKind
	Handler     deployment.Handler
	ClusterID   string
	Metrics     *Metrics
	Log         logging.Logger
}

func (r *Reconciler) logger() logging.Logger {
	if r.Log != nil {
		return r.Log
	}
	return logging.NewNopLogger()
}

// Setup registers the generic reconciler as a controller watching gvk,
// mirroring the teacher's ctrl.NewControllerManagedBy wiring in
// internal/controller/workspace/workspace.go, generalized to an unstructured
// target since the kind is only known at runtime.
func Setup(mgr ctrl.Manager, gvk schema.GroupVersionKind, r *Reconciler, opts controller.Options) error {
	r.GVK = gvk
	u := &unstructured.Unstructured{}
	u.SetGroupVersionKind(gvk)
	return ctrl.NewControllerManagedBy(mgr).
		Named(strings.ToLower(gvk.Kind)).
		WithOptions(opts).
		For(u).
		Complete(r)
}

// Reconcile implements the single-threaded, non-blocking loop of spec.md
// §4.G steps 1-7 plus the deletion branch. Every path returns promptly with
// either an empty Result ("await next change") or an explicit RequeueAfter.
func (r *Reconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	obj := &unstructured.Unstructured{}
	obj.SetGroupVersionKind(r.GVK)
	if err := r.Kube.Get(ctx, req.NamespacedName, obj); err != nil {
		if apierrors.IsNotFound(err) {
			return ctrl.Result{}, nil
		}
		return r.classifyError(err)
	}

	state := readState(obj)
	generation := obj.GetGeneration()

	if !obj.GetDeletionTimestamp().IsZero() {
		if !controllerutil.ContainsFinalizer(obj, Finalizer) {
			return ctrl.Result{}, nil
		}
		if state.JobID == "" {
			return r.submitJob(ctx, obj, state, generation, deployment.CommandDestroy)
		}
		return r.checkActiveJob(ctx, obj, state, deployment.CommandDestroy)
	}

	// Step 2: finalizer missing.
	if !controllerutil.ContainsFinalizer(obj, Finalizer) {
		controllerutil.AddFinalizer(obj, Finalizer)
		if err := r.Kube.Update(ctx, obj); err != nil {
			return r.classifyError(err)
		}
		return ctrl.Result{RequeueAfter: finalizerRequeue}, nil
	}

	// Step 3: idempotence and corrupt-status recovery.
	if state.JobID == "" {
		if state.LastGeneration == generation && generation > 0 {
			return ctrl.Result{}, nil
		}
		if isInitiatedLooking(state.ResourceStatus) && state.LastCheck != "" && olderThan(state.LastCheck, corruptStatusWindow) {
			state.ResourceStatus = StatusReadyForReconciliation
			if err := r.patchStatus(ctx, obj, state); err != nil {
				return r.classifyError(err)
			}
			return ctrl.Result{RequeueAfter: corruptStatusRequeue}, nil
		}
		return r.submitJob(ctx, obj, state, generation, deployment.CommandApply)
	}

	return r.checkActiveJob(ctx, obj, state, deployment.CommandApply)
}

func (r *Reconciler) submitJob(ctx context.Context, obj *unstructured.Unstructured, state domain.ReconcileState, generation int64, command deployment.Command) (ctrl.Result, error) {
	claimYAML, environment, err := r.claimAndEnvironment(obj)
	if err != nil {
		return ctrl.Result{}, err
	}

	jobID, deploymentID, err := r.Deployments.RunClaim(ctx, r.Handler, claimYAML, environment, command, nil, nil, "")
	if err != nil {
		state.ResourceStatus = submitFailedStatus(command)
		_ = r.patchStatus(ctx, obj, state)
		r.Metrics.observeError(r.GVK.Kind)
		return r.classifyError(err)
	}

	state.ResourceStatus = initiatedStatus(command)
	state.JobID = jobID
	state.DeploymentID = deploymentID
	state.LastCheck = nowRFC3339()
	state.LastGeneration = generation
	state.Logs = ""
	if err := r.patchStatus(ctx, obj, state); err != nil {
		return r.classifyError(err)
	}
	r.Metrics.observeOutcome(r.GVK.Kind, string(command)+"_submitted")
	return ctrl.Result{RequeueAfter: submitRequeue}, nil
}

func (r *Reconciler) checkActiveJob(ctx context.Context, obj *unstructured.Unstructured, state domain.ReconcileState, command deployment.Command) (ctrl.Result, error) {
	environment, err := r.environmentFor(obj)
	if err != nil {
		return ctrl.Result{}, err
	}

	full := state.LastCheck == "" || olderThan(state.LastCheck, fullCheckInterval)
	if !full {
		logs, err := r.Registry.ReadLogs(ctx, state.JobID)
		if err != nil {
			return r.classifyError(err)
		}
		state.Logs = renderLogs(logs)
		if err := r.patchStatus(ctx, obj, state); err != nil {
			return r.classifyError(err)
		}
		return ctrl.Result{RequeueAfter: jitteredLogsCheckInterval(state.DeploymentID)}, nil
	}

	progress, err := r.Deployments.IsDeploymentInProgress(ctx, state.DeploymentID, environment, false, true)
	if err != nil {
		return r.classifyError(err)
	}
	state.LastCheck = nowRFC3339()
	if progress.InProgress {
		if err := r.patchStatus(ctx, obj, state); err != nil {
			return r.classifyError(err)
		}
		return ctrl.Result{RequeueAfter: fullCheckInterval}, nil
	}

	return r.handleCompletion(ctx, obj, state, progress.FinalStatus, environment, command)
}

func (r *Reconciler) handleCompletion(ctx context.Context, obj *unstructured.Unstructured, state domain.ReconcileState, finalStatus, environment string, command deployment.Command) (ctrl.Result, error) {
	record, err := r.Registry.GetChangeRecord(ctx, environment, state.DeploymentID, state.JobID, registry.ChangeTypeApply)
	if err != nil {
		return r.classifyError(err)
	}
	state.Logs = buildLogsMessage(record)

	if finalStatus == domain.StatusSuccessful {
		if command == deployment.CommandDestroy {
			return r.finalizeDeletion(ctx, obj, state)
		}
		state.ResourceStatus = StatusReady
		state.JobID = ""
		state.RetryCount = 0
		state.LastFailureEpoch = 0
		if err := r.patchStatus(ctx, obj, state); err != nil {
			return r.classifyError(err)
		}
		r.Metrics.observeOutcome(r.GVK.Kind, "succeeded")
		return ctrl.Result{}, nil
	}

	return r.handleFailure(ctx, obj, state, command)
}

func (r *Reconciler) finalizeDeletion(ctx context.Context, obj *unstructured.Unstructured, state domain.ReconcileState) (ctrl.Result, error) {
	state.JobID = ""
	state.ResourceStatus = StatusDeleted
	state.RetryCount = 0
	state.LastFailureEpoch = 0
	if err := r.patchStatus(ctx, obj, state); err != nil {
		return r.classifyError(err)
	}
	controllerutil.RemoveFinalizer(obj, Finalizer)
	if err := r.Kube.Update(ctx, obj); err != nil {
		return r.classifyError(err)
	}
	r.Metrics.observeOutcome(r.GVK.Kind, "deleted")
	return ctrl.Result{}, nil
}

func (r *Reconciler) handleFailure(ctx context.Context, obj *unstructured.Unstructured, state domain.ReconcileState, command deployment.Command) (ctrl.Result, error) {
	now := time.Now()

	if state.RetryCount < maxRetries {
		state.ResourceStatus = retryingStatus(command)
		state.RetryCount++
		state.JobID = ""
		backoff := retryBackoff(state.RetryCount)
		if err := r.patchStatus(ctx, obj, state); err != nil {
			return r.classifyError(err)
		}
		r.Metrics.observeRetry(r.GVK.Kind)
		return ctrl.Result{RequeueAfter: backoff}, nil
	}

	if state.RetryCount == maxRetries && state.LastFailureEpoch == 0 {
		state.LastFailureEpoch = now.UnixMilli()
		state.JobID = ""
		state.ResourceStatus = StatusMaxRetriesExhausted
		if err := r.patchStatus(ctx, obj, state); err != nil {
			return r.classifyError(err)
		}
		return ctrl.Result{RequeueAfter: maxRetriesCooldown}, nil
	}

	elapsed := now.Sub(time.UnixMilli(state.LastFailureEpoch))
	if elapsed >= maxRetriesCooldown {
		state.RetryCount = 0
		state.LastFailureEpoch = 0
		state.ResourceStatus = StatusReadyForReconciliation
		if err := r.patchStatus(ctx, obj, state); err != nil {
			return r.classifyError(err)
		}
		return ctrl.Result{RequeueAfter: submitRequeue}, nil
	}

	remaining := maxRetriesCooldown - elapsed
	if remaining < minCooldownRequeue {
		remaining = minCooldownRequeue
	}
	state.ResourceStatus = StatusCoolingDown
	if err := r.patchStatus(ctx, obj, state); err != nil {
		return r.classifyError(err)
	}
	return ctrl.Result{RequeueAfter: remaining}, nil
}

// classifyError implements the fatal/transient split of spec.md §4.G: auth
// failures and not-found kube errors await the next change; everything else
// requeues in 30s.
func (r *Reconciler) classifyError(err error) (ctrl.Result, error) {
	httpStatus := 0
	if status, ok := err.(apierrors.APIStatus); ok {
		httpStatus = int(status.Status().Code)
	}
	if ierrors.IsFatalReconcileError(httpStatus, apierrors.IsNotFound(err)) {
		r.logger().Info("fatal reconcile error, awaiting next change", "error", err.Error())
		return ctrl.Result{}, nil
	}
	r.logger().Info("transient reconcile error, requeueing", "error", err.Error())
	return ctrl.Result{RequeueAfter: 30 * time.Second}, nil
}

func (r *Reconciler) patchStatus(ctx context.Context, obj *unstructured.Unstructured, state domain.ReconcileState) error {
	if err := writeState(obj, state); err != nil {
		return err
	}
	return r.Kube.Status().Update(ctx, obj)
}

func (r *Reconciler) environmentFor(obj *unstructured.Unstructured) (string, error) {
	return deployment.EnvironmentForKubernetes(r.ClusterID, obj.GetNamespace()), nil
}

// claimAndEnvironment renders obj's apiVersion/kind/metadata/spec as the
// claim YAML run_claim expects, alongside the Kubernetes environment key.
func (r *Reconciler) claimAndEnvironment(obj *unstructured.Unstructured) ([]byte, string, error) {
	claim := map[string]any{
		"apiVersion": obj.GetAPIVersion(),
		"kind":       obj.GetKind(),
		"metadata": map[string]any{
			"name":      obj.GetName(),
			"namespace": obj.GetNamespace(),
		},
	}
	if spec, found, _ := unstructured.NestedMap(obj.Object, "spec"); found {
		claim["spec"] = spec
	}
	b, err := yaml.Marshal(claim)
	if err != nil {
		return nil, "", fmt.Errorf("render claim YAML: %w", err)
	}
	env, err := r.environmentFor(obj)
	return b, env, err
}

func readState(obj *unstructured.Unstructured) domain.ReconcileState {
	var s domain.ReconcileState
	status, found, _ := unstructured.NestedMap(obj.Object, "status")
	if !found {
		return s
	}
	b, err := json.Marshal(status)
	if err != nil {
		return s
	}
	_ = json.Unmarshal(b, &s)
	return s
}

func writeState(obj *unstructured.Unstructured, s domain.ReconcileState) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	return unstructured.SetNestedMap(obj.Object, m, "status")
}

func isInitiatedLooking(status string) bool {
	return strings.Contains(strings.ToLower(status), "initiated") || strings.Contains(strings.ToLower(status), "in progress")
}

func initiatedStatus(command deployment.Command) string {
	if command == deployment.CommandDestroy {
		return StatusDestroyInitiated
	}
	return StatusApplyInitiated
}

func submitFailedStatus(command deployment.Command) string {
	if command == deployment.CommandDestroy {
		return StatusDestroySubmitFailed
	}
	return StatusApplySubmitFailed
}

func retryingStatus(command deployment.Command) string {
	if command == deployment.CommandDestroy {
		return StatusDestroyFailedRetrying
	}
	return StatusApplyFailedRetrying
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func olderThan(timestamp string, window time.Duration) bool {
	t, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return true
	}
	return time.Since(t) >= window
}

func renderLogs(logs []registry.LogData) string {
	lines := make([]string, 0, len(logs))
	for _, l := range logs {
		lines = append(lines, l.Message)
	}
	return strings.Join(lines, "\n")
}

func buildLogsMessage(record *registry.ChangeRecord) string {
	if record == nil {
		return ""
	}
	planJSON, err := json.MarshalIndent(record.Changes, "", "  ")
	if err != nil {
		planJSON = []byte(record.ErrorText)
	}
	if record.ErrorText != "" {
		return record.ErrorText + "\n" + string(planJSON)
	}
	return string(planJSON)
}
