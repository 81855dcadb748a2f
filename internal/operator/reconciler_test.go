package operator

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	"github.com/infraweave-io/infraweave/internal/deployment"
	"github.com/infraweave-io/infraweave/internal/domain"
	"github.com/infraweave-io/infraweave/internal/registry"
)

var testGVK = schema.GroupVersionKind{Group: "infraweave.io", Version: "v1", Kind: "S3Bucket"}

// fakeDB is a minimal in-memory registry.DynamoDBAPI, mirroring
// internal/module's test double, so run_claim/read_logs/get_change_record
// can be exercised without a real AWS endpoint.
type fakeDB struct {
	items map[string]map[string]ddbtypes.AttributeValue
}

func newFakeDB() *fakeDB { return &fakeDB{items: map[string]map[string]ddbtypes.AttributeValue{}} }

func itemKeyOf(item map[string]ddbtypes.AttributeValue) string {
	pk := item["PK"].(*ddbtypes.AttributeValueMemberS).Value
	sk := item["SK"].(*ddbtypes.AttributeValueMemberS).Value
	return pk + "|" + sk
}

func (f *fakeDB) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{Item: f.items[itemKeyOf(in.Key)]}, nil
}

func (f *fakeDB) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.items[itemKeyOf(in.Item)] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDB) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	pk := in.ExpressionAttributeValues[":pk"].(*ddbtypes.AttributeValueMemberS).Value
	var prefix string
	if v, ok := in.ExpressionAttributeValues[":skPrefix"]; ok {
		prefix = v.(*ddbtypes.AttributeValueMemberS).Value
	}
	var out []map[string]ddbtypes.AttributeValue
	for _, item := range f.items {
		if item["PK"].(*ddbtypes.AttributeValueMemberS).Value != pk {
			continue
		}
		sk := item["SK"].(*ddbtypes.AttributeValueMemberS).Value
		if prefix == "" || (len(sk) >= len(prefix) && sk[:len(prefix)] == prefix) {
			out = append(out, item)
		}
	}
	return &dynamodb.QueryOutput{Items: out}, nil
}

func (f *fakeDB) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	for _, ti := range in.TransactItems {
		if ti.Put != nil {
			f.items[itemKeyOf(ti.Put.Item)] = ti.Put.Item
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

type fakeBackend struct {
	submits int
}

func (f *fakeBackend) Submit(_ context.Context, _ string, _ []byte, _ string, _ deployment.Command, _ []string, _ map[string]string, _ string) (deployment.SubmitResult, error) {
	f.submits++
	return deployment.SubmitResult{JobID: "job-1", DeploymentID: "dep-1"}, nil
}

func newTestScheme() *runtime.Scheme {
	scheme := runtime.NewScheme()
	listGVK := schema.GroupVersionKind{Group: testGVK.Group, Version: testGVK.Version, Kind: testGVK.Kind + "List"}
	scheme.AddKnownTypeWithName(testGVK, &unstructured.Unstructured{})
	scheme.AddKnownTypeWithName(listGVK, &unstructured.UnstructuredList{})
	metav1.AddToGroupVersion(scheme, testGVK.GroupVersion())
	return scheme
}

func newTestReconciler(t *testing.T, objs ...client.Object) (*Reconciler, *fakeBackend) {
	t.Helper()
	backend := &fakeBackend{}
	reg := &registry.Client{DB: newFakeDB(), Table: "infraweave"}
	statusObj := &unstructured.Unstructured{}
	statusObj.SetGroupVersionKind(testGVK)
	r := &Reconciler{
		Kube: fake.NewClientBuilder().
			WithScheme(newTestScheme()).
			WithStatusSubresource(statusObj).
			WithObjects(objs...).
			Build(),
		Deployments: &deployment.Client{Registry: reg, Backend: backend},
		Registry:    reg,
		GVK:         testGVK,
		Handler:     "kubernetes",
		ClusterID:   "test-cluster",
		Metrics:     NewMetrics(),
	}
	return r, backend
}

func newBucket(name, namespace string) *unstructured.Unstructured {
	obj := &unstructured.Unstructured{}
	obj.SetGroupVersionKind(testGVK)
	obj.SetName(name)
	obj.SetNamespace(namespace)
	return obj
}

func TestReconcileAddsFinalizer(t *testing.T) {
	obj := newBucket("bucket1", "team-a")
	r, backend := newTestReconciler(t, obj)

	res, err := r.Reconcile(context.Background(), ctrl.Request{NamespacedName: types.NamespacedName{Name: "bucket1", Namespace: "team-a"}})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.RequeueAfter != finalizerRequeue {
		t.Fatalf("requeue = %v, want %v", res.RequeueAfter, finalizerRequeue)
	}
	if backend.submits != 0 {
		t.Fatalf("expected no submission before finalizer is patched in")
	}

	got := &unstructured.Unstructured{}
	got.SetGroupVersionKind(testGVK)
	if err := r.Kube.Get(context.Background(), types.NamespacedName{Name: "bucket1", Namespace: "team-a"}, got); err != nil {
		t.Fatalf("get: %v", err)
	}
	if !controllerutil.ContainsFinalizer(got, Finalizer) {
		t.Fatal("expected finalizer to be patched in")
	}
}

func TestReconcileSubmitsApply(t *testing.T) {
	obj := newBucket("bucket1", "team-a")
	controllerutil.AddFinalizer(obj, Finalizer)
	r, backend := newTestReconciler(t, obj)

	res, err := r.Reconcile(context.Background(), ctrl.Request{NamespacedName: types.NamespacedName{Name: "bucket1", Namespace: "team-a"}})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if backend.submits != 1 {
		t.Fatalf("submits = %d, want 1", backend.submits)
	}
	if res.RequeueAfter != submitRequeue {
		t.Fatalf("requeue = %v, want %v", res.RequeueAfter, submitRequeue)
	}

	got := &unstructured.Unstructured{}
	got.SetGroupVersionKind(testGVK)
	if err := r.Kube.Get(context.Background(), types.NamespacedName{Name: "bucket1", Namespace: "team-a"}, got); err != nil {
		t.Fatalf("get: %v", err)
	}
	state := readState(got)
	if state.JobID != "job-1" || state.ResourceStatus != StatusApplyInitiated {
		t.Fatalf("unexpected state: %+v", state)
	}
}

func TestReconcileConvergedResourceAwaitsChange(t *testing.T) {
	obj := newBucket("bucket1", "team-a")
	controllerutil.AddFinalizer(obj, Finalizer)
	obj.SetGeneration(1)
	if err := writeState(obj, domain.ReconcileState{LastGeneration: 1}); err != nil {
		t.Fatalf("writeState: %v", err)
	}
	r, backend := newTestReconciler(t, obj)

	res, err := r.Reconcile(context.Background(), ctrl.Request{NamespacedName: types.NamespacedName{Name: "bucket1", Namespace: "team-a"}})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if backend.submits != 0 {
		t.Fatalf("expected no submission for a converged resource")
	}
	if res.RequeueAfter != 0 {
		t.Fatalf("requeue = %v, want 0 (await next change)", res.RequeueAfter)
	}
}

func TestRetryBackoffDoubles(t *testing.T) {
	got := retryBackoff(1)
	want := 20 * time.Minute
	if got != want {
		t.Fatalf("retryBackoff(1) = %v, want %v", got, want)
	}
	got = retryBackoff(3)
	want = 80 * time.Minute
	if got != want {
		t.Fatalf("retryBackoff(3) = %v, want %v", got, want)
	}
}

func TestNamespaceFromEnvironment(t *testing.T) {
	if got := namespaceFromEnvironment("k8s-prod-1/team-a"); got != "team-a" {
		t.Fatalf("got %q", got)
	}
	if got := namespaceFromEnvironment("no-slash"); got != "" {
		t.Fatalf("got %q, want empty", got)
	}
}
