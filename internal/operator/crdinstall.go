package operator

import (
	"context"
	"fmt"
	"strings"
	"time"

	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	apiextensionsclientset "k8s.io/apiextensions-apiserver/pkg/client/clientset/clientset"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	"github.com/infraweave-io/infraweave/internal/logging"
	"github.com/infraweave-io/infraweave/internal/registry"
)

const (
	establishedWaitAttempts = 10
	establishedWaitInterval = time.Second
)

// Installer performs the leader-only, once-per-lease-acquisition CRD
// installation pass described in spec.md §4.G: one CustomResourceDefinition
// per published Module/Stack kind, plus importing existing Deployments as
// CustomResources so the generic reconciler picks them up on its next watch
// event instead of waiting for a spec change.
type Installer struct {
	Registry *registry.Client
	CRDs     apiextensionsclientset.Interface
	Kube     client.Client
	Group    string // "infraweave.io"
	Log      logging.Logger
}

// Run lists every latest Module and Stack, ensures their CRDs exist and are
// Established, then imports existing Deployments as CustomResources.
func (in *Installer) Run(ctx context.Context) error {
	modules, err := in.Registry.GetAllLatestModule(ctx, "")
	if err != nil {
		return fmt.Errorf("listing modules for CRD install: %w", err)
	}
	stacks, err := in.Registry.GetAllLatestStack(ctx, "")
	if err != nil {
		return fmt.Errorf("listing stacks for CRD install: %w", err)
	}

	kindByModule := make(map[string]string, len(modules)+len(stacks))
	for _, m := range modules {
		kindByModule[m.Module] = m.ModuleName
	}
	for _, s := range stacks {
		kindByModule[s.Module] = s.ModuleName
	}

	installed := map[string]bool{}
	for _, kind := range kindByModule {
		if installed[kind] {
			continue
		}
		installed[kind] = true
		if err := in.ensureCRD(ctx, kind); err != nil {
			return fmt.Errorf("ensure CRD for %s: %w", kind, err)
		}
	}

	return in.importDeployments(ctx, kindByModule)
}

func (in *Installer) ensureCRD(ctx context.Context, kind string) error {
	plural := strings.ToLower(kind) + "s"
	name := plural + "." + in.Group

	crds := in.CRDs.ApiextensionsV1().CustomResourceDefinitions()
	if _, err := crds.Get(ctx, name, metav1.GetOptions{}); err != nil {
		if !apierrors.IsNotFound(err) {
			return err
		}
		crd := &apiextensionsv1.CustomResourceDefinition{
			ObjectMeta: metav1.ObjectMeta{Name: name},
			Spec: apiextensionsv1.CustomResourceDefinitionSpec{
				Group: in.Group,
				Names: apiextensionsv1.CustomResourceDefinitionNames{
					Plural:   plural,
					Singular: strings.ToLower(kind),
					Kind:     kind,
					ListKind: kind + "List",
				},
				Scope: apiextensionsv1.NamespaceScoped,
				Versions: []apiextensionsv1.CustomResourceDefinitionVersion{{
					Name:    "v1",
					Served:  true,
					Storage: true,
					Subresources: &apiextensionsv1.CustomResourceSubresources{
						Status: &apiextensionsv1.CustomResourceSubresourceStatus{},
					},
					Schema: &apiextensionsv1.CustomResourceValidation{
						OpenAPIV3Schema: &apiextensionsv1.JSONSchemaProps{
							Type:                   "object",
							XPreserveUnknownFields: ptr.To(true),
						},
					},
				}},
			},
		}
		if _, err := crds.Create(ctx, crd, metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
			return err
		}
		in.Log.Info("created CRD", "name", name)
	}

	return in.waitEstablished(ctx, name)
}

func (in *Installer) waitEstablished(ctx context.Context, name string) error {
	crds := in.CRDs.ApiextensionsV1().CustomResourceDefinitions()
	for attempt := 0; attempt < establishedWaitAttempts; attempt++ {
		got, err := crds.Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return err
		}
		for _, cond := range got.Status.Conditions {
			if cond.Type == apiextensionsv1.Established && cond.Status == apiextensionsv1.ConditionTrue {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(establishedWaitInterval):
		}
	}
	return fmt.Errorf("CRD %s did not become Established after %d attempts", name, establishedWaitAttempts)
}

// importDeployments creates one CustomResource per existing Deployment whose
// module maps to a known kind, so the operator's reconciler observes
// pre-existing infrastructure instead of only infrastructure created after
// it started watching.
func (in *Installer) importDeployments(ctx context.Context, kindByModule map[string]string) error {
	all, err := in.Registry.GetAllDeployments(ctx, "", false)
	if err != nil {
		return fmt.Errorf("listing deployments for import: %w", err)
	}

	for _, d := range all {
		kind, ok := kindByModule[d.Module]
		if !ok {
			continue
		}
		ns := namespaceFromEnvironment(d.Environment)
		if ns == "" {
			continue
		}

		existing := &unstructured.Unstructured{}
		existing.SetAPIVersion(in.Group + "/v1")
		existing.SetKind(kind)
		err := in.Kube.Get(ctx, types.NamespacedName{Name: d.DeploymentID, Namespace: ns}, existing)
		if err == nil {
			continue
		}
		if !apierrors.IsNotFound(err) {
			return fmt.Errorf("checking existing import of %s/%s: %w", kind, d.DeploymentID, err)
		}

		obj := &unstructured.Unstructured{}
		obj.SetAPIVersion(in.Group + "/v1")
		obj.SetKind(kind)
		obj.SetName(d.DeploymentID)
		obj.SetNamespace(ns)
		if spec, ok := d.Variables.ToAny().(map[string]any); ok {
			if err := unstructured.SetNestedMap(obj.Object, spec, "spec"); err != nil {
				return fmt.Errorf("set imported spec for %s/%s: %w", kind, d.DeploymentID, err)
			}
		}
		controllerutil.AddFinalizer(obj, Finalizer)

		if err := in.Kube.Create(ctx, obj); err != nil && !apierrors.IsAlreadyExists(err) {
			return fmt.Errorf("import deployment %s as %s/%s: %w", d.DeploymentID, kind, ns, err)
		}
		in.Log.Info("imported deployment as custom resource", "kind", kind, "namespace", ns, "deploymentId", d.DeploymentID)
	}
	return nil
}

func namespaceFromEnvironment(environment string) string {
	idx := strings.LastIndex(environment, "/")
	if idx < 0 {
		return ""
	}
	return environment[idx+1:]
}
