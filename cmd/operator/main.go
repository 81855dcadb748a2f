package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	apiextensionsclientset "k8s.io/apiextensions-apiserver/pkg/client/clientset/clientset"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/kubernetes"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/spf13/afero"

	"github.com/infraweave-io/infraweave/internal/deployment"
	"github.com/infraweave-io/infraweave/internal/logging"
	"github.com/infraweave-io/infraweave/internal/module"
	"github.com/infraweave-io/infraweave/internal/operator"
	"github.com/infraweave-io/infraweave/internal/registry"
	"github.com/infraweave-io/infraweave/internal/semverx"
	"github.com/infraweave-io/infraweave/internal/terraform"
	"github.com/infraweave-io/infraweave/internal/workdir"
)

func main() {
	var (
		app                 = kingpin.New(filepath.Base(os.Args[0]), "InfraWeave operator reconciler.").DefaultEnvars()
		debug               = app.Flag("debug", "Run with debug logging.").Short('d').Bool()
		logEncoding         = app.Flag("log-encoding", "Container logging output encoding. Possible values: console, json").Default("console").Enum("console", "json")
		maxReconcileRate    = app.Flag("max-reconcile-rate", "The maximum number of concurrent reconciliations per CRD kind.").Default("1").Int()
		clusterID           = app.Flag("cluster-id", "Identifier used to derive the k8s-<cluster-id>/<namespace> environment key.").Envar("CLUSTER_ID").Required().String()
		handler             = app.Flag("handler", "The CloudBackend handler claims in this cluster are submitted against.").Default("kubernetes").String()
		leaseNamespace      = app.Flag("lease-namespace", "Namespace holding the operator's leader-election Lease.").Default("infraweave-system").String()
		leaseName           = app.Flag("lease-name", "Name of the leader-election Lease.").Default("infraweave-operator").String()
		apiGroup            = app.Flag("api-group", "API group the per-module CustomResourceDefinitions are installed under.").Default("infraweave.io").String()
		dynamoTable         = app.Flag("dynamo-table", "DynamoDB table backing the Version Registry Client.").Envar("REGISTRY_TABLE").Required().String()
		localBackendDir     = app.Flag("local-backend-dir", "Run claims with the local Terraform CloudBackend, staging working directories under this path. Leave unset to run with no backend, e.g. when an external executor handles the \"handler\" value instead.").String()
		terraformPath       = app.Flag("terraform-path", "Path to the terraform binary, used only with --local-backend-dir.").Default("terraform").String()
		artifactBucket      = app.Flag("artifact-bucket", "S3 bucket module/stack artifacts were published to, used only with --local-backend-dir.").String()
	)
	kingpin.MustParse(app.Parse(os.Args[1:]))

	zl := zap.New(zap.UseDevMode(*debug))
	ctrl.SetLogger(zl)
	zapLog, err := logging.New(*debug, *logEncoding == "json")
	kingpin.FatalIfError(err, "cannot build logger")
	log := logging.NewZapLogger(zapLog)

	log.Info("starting", "max-reconcile-rate", *maxReconcileRate, "cluster-id", *clusterID)

	cfg, err := ctrl.GetConfig()
	kingpin.FatalIfError(err, "cannot get API server rest config")

	// LeaderElection is left to operator.RunWithLeadership below: per
	// spec.md §4.G all instances run their controllers, only the leader
	// performs the CRD-installation pass, so controller-runtime's own
	// manager-wide leader gate would be the wrong fit here.
	mgr, err := ctrl.NewManager(cfg, ctrl.Options{})
	kingpin.FatalIfError(err, "cannot create controller manager")

	clientset, err := kubernetes.NewForConfig(cfg)
	kingpin.FatalIfError(err, "cannot create kubernetes clientset")
	crdClient, err := apiextensionsclientset.NewForConfig(cfg)
	kingpin.FatalIfError(err, "cannot create apiextensions clientset")

	awsCfg, err := config.LoadDefaultConfig(context.Background())
	kingpin.FatalIfError(err, "cannot load AWS config")
	reg := &registry.Client{
		DB:    dynamodb.NewFromConfig(awsCfg),
		S3:    s3.NewFromConfig(awsCfg),
		Table: *dynamoTable,
	}

	ctx := ctrl.SetupSignalHandler()

	// Every other CloudBackend (spec.md §6) is an external collaborator
	// provided by the deployment, not by this repo. LocalBackend is the
	// one supplemented implementation, for single-node or development
	// clusters with no separate execution fleet; Backend stays nil
	// without --local-backend-dir.
	dep := &deployment.Client{Registry: reg}
	if *localBackendDir != "" {
		dep.Backend = &terraform.LocalBackend{
			Path:    *terraformPath,
			RootDir: *localBackendDir,
			Sources: &registrySourceResolver{registry: reg, bucket: *artifactBucket, fs: afero.Afero{Fs: afero.NewOsFs()}, cacheDir: filepath.Join(*localBackendDir, "modules")},
			Logger:  log,
		}
		gc := workdir.NewGarbageCollector(reg, fmt.Sprintf("k8s-%s", *clusterID), *localBackendDir, workdir.WithLogger(log))
		go gc.Run(ctx)
	}

	metrics := operator.NewMetrics()
	metrics.MustRegister(ctrlmetrics.Registry)

	installer := &operator.Installer{
		Registry: reg,
		CRDs:     crdClient,
		Kube:     mgr.GetClient(),
		Group:    *apiGroup,
		Log:      log,
	}

	if err := setupReconcilers(mgr, reg, dep, *handler, *clusterID, *apiGroup, *maxReconcileRate, metrics, log); err != nil {
		kingpin.Fatalf("cannot set up reconcilers: %v", err)
	}

	go func() {
		// A lost lease or a renewal failure ends one leadership loop; the
		// process itself keeps serving its already-registered
		// controllers (every instance runs them, per spec.md §4.G) and
		// contends for the lease again after one RetryPeriod.
		for ctx.Err() == nil {
			err := operator.RunWithLeadership(ctx, clientset, *leaseNamespace, *leaseName, log, func(leCtx context.Context) {
				if err := installer.Run(leCtx); err != nil {
					log.Info("CRD installation pass failed", "error", err.Error())
				}
			})
			if err != nil {
				log.Info("leadership loop exited", "error", err.Error())
			}
			select {
			case <-ctx.Done():
			case <-time.After(operator.RetryPeriod):
			}
		}
	}()

	kingpin.FatalIfError(mgr.Start(ctx), "cannot start controller manager")
}

// setupReconcilers wires one generic operator.Reconciler per currently
// published Module/Stack kind. New kinds published after startup begin
// being reconciled the next time this process restarts; `internal/gitops`'s
// republish-through-§4.C flow does not require a live registration here.
func setupReconcilers(mgr ctrl.Manager, reg *registry.Client, dep *deployment.Client, handler, clusterID, apiGroup string, maxConcurrent int, metrics *operator.Metrics, log logging.Logger) error {
	ctx := context.Background()
	modules, err := reg.GetAllLatestModule(ctx, "")
	if err != nil {
		return err
	}
	stacks, err := reg.GetAllLatestStack(ctx, "")
	if err != nil {
		return err
	}

	seen := map[string]bool{}
	for _, m := range append(modules, stacks...) {
		if seen[m.ModuleName] {
			continue
		}
		seen[m.ModuleName] = true

		gvk := gvkFor(apiGroup, m.ModuleName)
		r := &operator.Reconciler{
			Kube:        mgr.GetClient(),
			Deployments: dep,
			Registry:    reg,
			Handler:     handler,
			ClusterID:   clusterID,
			Metrics:     metrics,
			Log:         log.WithValues("kind", m.ModuleName),
		}
		if err := operator.Setup(mgr, gvk, r, controller.Options{MaxConcurrentReconciles: maxConcurrent}); err != nil {
			return err
		}
	}
	return nil
}

func gvkFor(apiGroup, kind string) schema.GroupVersionKind {
	return schema.GroupVersionKind{Group: apiGroup, Version: "v1", Kind: kind}
}

// registrySourceResolver is the terraform.ModuleSourceResolver LocalBackend
// uses when run with --local-backend-dir: it downloads the published module
// artifact from the Version Registry Client's S3 store (component E) and
// unpacks it into a version-keyed cache directory, skipping the download
// once a version is already on disk.
type registrySourceResolver struct {
	registry *registry.Client
	bucket   string
	fs       afero.Afero
	cacheDir string
}

func (r *registrySourceResolver) ResolveSource(ctx context.Context, kind, version string) (string, error) {
	dir := filepath.Join(r.cacheDir, kind, version)
	if ok, err := r.fs.DirExists(dir); err == nil && ok {
		return dir, nil
	}

	sv, err := semverx.Parse(version)
	if err != nil {
		return "", fmt.Errorf("parse module version %s: %w", version, err)
	}
	mod, err := r.registry.GetModuleVersion(ctx, kind, semverx.Track(sv), version)
	if err != nil {
		return "", fmt.Errorf("look up module %s@%s: %w", kind, version, err)
	}
	body, err := r.registry.DownloadArtifact(ctx, r.bucket, mod.S3Key)
	if err != nil {
		return "", fmt.Errorf("download module %s@%s: %w", kind, version, err)
	}
	if err := module.UnzipToDir(r.fs.Fs, body, dir); err != nil {
		return "", fmt.Errorf("unpack module %s@%s: %w", kind, version, err)
	}
	return dir, nil
}
