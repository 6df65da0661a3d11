package leader_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/k3s"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/retry"

	"github.com/jensholdgaard/player-auction/internal/config"
	"github.com/jensholdgaard/player-auction/internal/leader"
)

func k3sClient(ctx context.Context, t *testing.T) kubernetes.Interface {
	t.Helper()
	ctr, err := k3s.Run(ctx, "rancher/k3s:v1.31.6-k3s1")
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Fatalf("starting k3s container: %v", err)
	}
	raw, err := ctr.GetKubeConfig(ctx)
	if err != nil {
		t.Fatalf("kubeconfig: %v", err)
	}
	restCfg, err := clientcmd.RESTConfigFromKubeConfig(raw)
	if err != nil {
		t.Fatalf("rest config: %v", err)
	}
	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		t.Fatalf("kubernetes client: %v", err)
	}

	orig := leader.ClientFactory
	leader.ClientFactory = func() (kubernetes.Interface, error) { return client, nil }
	t.Cleanup(func() { leader.ClientFactory = orig })
	return client
}

// TestRun_K3sLeaseStolen hands the lease to another holder while work runs
// and expects work's context to be canceled and Run to report the loss.
func TestRun_K3sLeaseStolen(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping k3s integration test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()
	client := k3sClient(ctx, t)

	cfg := config.LeaderElectionConfig{
		Enabled:        true,
		LeaseName:      "auctiond-lease-stolen",
		LeaseNamespace: "default",
		LeaseDuration:  5 * time.Second,
		RenewDeadline:  3 * time.Second,
		RetryPeriod:    500 * time.Millisecond,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	leading := make(chan struct{})
	workDone := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- leader.Run(ctx, cfg, logger, func(workCtx context.Context) error {
			close(leading)
			<-workCtx.Done()
			close(workDone)
			return nil
		})
	}()

	select {
	case <-leading:
	case <-time.After(30 * time.Second):
		t.Fatal("never acquired the lease")
	}

	leases := client.CoordinationV1().Leases(cfg.LeaseNamespace)
	intruder := "intruder"
	hold := int32(120)
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		lease, err := leases.Get(ctx, cfg.LeaseName, metav1.GetOptions{})
		if err != nil {
			return err
		}
		now := metav1.NewMicroTime(time.Now())
		lease.Spec.HolderIdentity = &intruder
		lease.Spec.LeaseDurationSeconds = &hold
		lease.Spec.AcquireTime = &now
		lease.Spec.RenewTime = &now
		_, err = leases.Update(ctx, lease, metav1.UpdateOptions{})
		return err
	})
	if err != nil {
		t.Fatalf("taking over lease: %v", err)
	}

	select {
	case <-workDone:
	case <-time.After(20 * time.Second):
		t.Fatal("work context still live after the lease moved to another holder")
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, leader.ErrLeadershipLost) {
			t.Fatalf("Run() error = %v, want ErrLeadershipLost", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after losing the lease")
	}
	if ctx.Err() != nil {
		t.Fatal("parent context expired before the loss was observed")
	}
}
