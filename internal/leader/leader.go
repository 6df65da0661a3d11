// Package leader runs work under Kubernetes Lease-based leader election so
// that only one replica drives auctions at a time.
package leader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	"github.com/jensholdgaard/player-auction/internal/config"
)

// ErrLeadershipLost is returned by Run when the lease is lost while the
// parent context is still live.
var ErrLeadershipLost = errors.New("leadership lost")

// Work is run while this replica leads. It must return once ctx is done.
type Work func(ctx context.Context) error

// identity returns a unique identity for this instance.
// It uses the POD_NAME env var if set, otherwise the hostname.
func identity() string {
	if name := os.Getenv("POD_NAME"); name != "" {
		return name
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

// ClientFactory creates a Kubernetes clientset.
// Extracted as a variable for testing.
var ClientFactory = func() (kubernetes.Interface, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("building in-cluster config: %w", err)
	}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client: %w", err)
	}
	return client, nil
}

// Run executes work. With election disabled work runs directly; otherwise
// it runs once this replica holds the lease and is canceled when the lease
// is lost. Run returns after work has returned.
func Run(ctx context.Context, cfg config.LeaderElectionConfig, logger *slog.Logger, work Work) error {
	if !cfg.Enabled {
		logger.InfoContext(ctx, "leader election disabled, running directly")
		return work(ctx)
	}

	id := identity()
	logger.InfoContext(ctx, "starting leader election",
		slog.String("identity", id),
		slog.String("lease", cfg.LeaseName),
		slog.String("namespace", cfg.LeaseNamespace),
	)

	client, err := ClientFactory()
	if err != nil {
		return fmt.Errorf("leader election client: %w", err)
	}

	var (
		mu      sync.Mutex
		started bool
		workErr error
		done    = make(chan struct{})
	)
	elector, err := leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
		Lock: &resourcelock.LeaseLock{
			LeaseMeta: metav1.ObjectMeta{
				Name:      cfg.LeaseName,
				Namespace: cfg.LeaseNamespace,
			},
			Client: client.CoordinationV1(),
			LockConfig: resourcelock.ResourceLockConfig{
				Identity: id,
			},
		},
		LeaseDuration:   cfg.LeaseDuration,
		RenewDeadline:   cfg.RenewDeadline,
		RetryPeriod:     cfg.RetryPeriod,
		ReleaseOnCancel: true,
		Name:            cfg.LeaseName,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: func(ctx context.Context) {
				mu.Lock()
				started = true
				mu.Unlock()
				defer close(done)

				logger.InfoContext(ctx, "acquired leadership", slog.String("identity", id))
				if err := work(ctx); err != nil {
					mu.Lock()
					workErr = err
					mu.Unlock()
				}
			},
			OnStoppedLeading: func() {
				logger.Info("stopped leading", slog.String("identity", id))
			},
			OnNewLeader: func(newID string) {
				if newID == id {
					return
				}
				logger.Info("new leader elected", slog.String("leader", newID))
			},
		},
	})
	if err != nil {
		return fmt.Errorf("configuring leader election: %w", err)
	}

	elector.Run(ctx)

	mu.Lock()
	wasLeader := started
	mu.Unlock()
	if wasLeader {
		<-done
	}

	mu.Lock()
	defer mu.Unlock()
	switch {
	case workErr != nil:
		return workErr
	case ctx.Err() == nil:
		return ErrLeadershipLost
	default:
		return nil
	}
}
