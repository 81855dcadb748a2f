package operator

import (
	"context"
	"os"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	"github.com/infraweave-io/infraweave/internal/logging"
)

// Lease timing, per spec.md §4.G ("lease TTL 25s; renewal every 10s").
// RenewDeadline is kept under LeaseDuration with margin for a missed tick,
// the way the teacher's cmd/provider/main.go sizes its own Lease/renew pair.
const (
	LeaseDuration = 25 * time.Second
	RenewDeadline = 15 * time.Second
	RetryPeriod   = 10 * time.Second
)

// RunWithLeadership blocks contending for the lease identified by leaseName,
// calling onStartedLeading once this process becomes leader. On renewal
// failure the lease is released and this function returns, mirroring
// spec.md §4.G's "the loop exits and contention restarts" — the caller
// re-contends by calling it again.
func RunWithLeadership(ctx context.Context, clientset kubernetes.Interface, namespace, leaseName string, log logging.Logger, onStartedLeading func(context.Context)) error {
	id := os.Getenv("POD_NAME")
	if id == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return err
		}
		id = hostname
	}

	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{Name: leaseName, Namespace: namespace},
		Client:    clientset.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: id,
		},
	}

	leCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	leaderelection.RunOrDie(leCtx, leaderelection.LeaderElectionConfig{
		Lock:            lock,
		LeaseDuration:   LeaseDuration,
		RenewDeadline:   RenewDeadline,
		RetryPeriod:     RetryPeriod,
		ReleaseOnCancel: true,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: func(c context.Context) {
				log.Info("acquired leadership", "identity", id)
				onStartedLeading(c)
			},
			OnStoppedLeading: func() {
				log.Info("lost leadership, exiting for contention restart", "identity", id)
				cancel()
			},
			OnNewLeader: func(identity string) {
				if identity != id {
					log.Debug("observed new leader", "identity", identity)
				}
			},
		},
	})
	return leCtx.Err()
}
