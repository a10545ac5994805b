package kubernetes

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	sandboxv1alpha1 "sigs.k8s.io/agent-sandbox/api/v1alpha1"
	extensionsv1alpha1 "sigs.k8s.io/agent-sandbox/extensions/api/v1alpha1"
)

func testScheme(t *testing.T) *runtime.Scheme {
	t.Helper()
	scheme, err := NewScheme()
	if err != nil {
		t.Fatalf("NewScheme: %v", err)
	}
	return scheme
}

func newFakeClient(t *testing.T) client.Client {
	t.Helper()
	return fake.NewClientBuilder().
		WithScheme(testScheme(t)).
		WithStatusSubresource(&sandboxv1alpha1.Sandbox{}).
		Build()
}

func withClaimNames(t *testing.T, gen func() string) {
	t.Helper()
	orig := generateClaimNameFn
	generateClaimNameFn = gen
	t.Cleanup(func() { generateClaimNameFn = orig })
}

// markReady plays the agent-sandbox controller: it creates the Sandbox for
// a claim and sets its Ready condition and service FQDN.
func markReady(c client.Client, name, namespace, fqdn string) error {
	sb := &sandboxv1alpha1.Sandbox{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
	}
	if err := c.Create(context.Background(), sb); err != nil {
		return fmt.Errorf("create sandbox: %w", err)
	}
	sb.Status.ServiceFQDN = fqdn
	sb.Status.Conditions = []metav1.Condition{{
		Type:               string(sandboxv1alpha1.SandboxConditionReady),
		Status:             metav1.ConditionTrue,
		LastTransitionTime: metav1.Now(),
		Reason:             "Ready",
	}}
	if err := c.Status().Update(context.Background(), sb); err != nil {
		return fmt.Errorf("update sandbox status: %w", err)
	}
	return nil
}

func TestClaimAcquirer_AcquireAndRelease(t *testing.T) {
	c := newFakeClient(t)
	withClaimNames(t, func() string { return "run-claim-1" })

	acquirer := NewClaimAcquirer(c, Config{Template: "backtest-engine", Namespace: "quant", Timeout: 5 * time.Second})

	readyErr := make(chan error, 1)
	go func() {
		time.Sleep(200 * time.Millisecond)
		readyErr <- markReady(c, "run-claim-1", "quant", "sb-1.quant.svc.cluster.local")
	}()

	url, release, err := acquirer.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := <-readyErr; err != nil {
		t.Fatalf("markReady: %v", err)
	}
	if url != "http://sb-1.quant.svc.cluster.local:8080" {
		t.Errorf("url = %q", url)
	}

	claim := &extensionsv1alpha1.SandboxClaim{}
	if err := c.Get(context.Background(), client.ObjectKey{Name: "run-claim-1", Namespace: "quant"}, claim); err != nil {
		t.Fatalf("SandboxClaim not found: %v", err)
	}
	if claim.Spec.TemplateRef.Name != "backtest-engine" {
		t.Errorf("templateRef = %q, want backtest-engine", claim.Spec.TemplateRef.Name)
	}
	if claim.Labels[managedByLabel] != "backtestd" {
		t.Errorf("labels = %v", claim.Labels)
	}

	release()

	if err := c.Get(context.Background(), client.ObjectKey{Name: "run-claim-1", Namespace: "quant"}, claim); err == nil {
		t.Error("SandboxClaim still exists after release")
	}
}

func TestClaimAcquirer_CustomPort(t *testing.T) {
	c := newFakeClient(t)
	withClaimNames(t, func() string { return "run-claim-port" })

	if err := markReady(c, "run-claim-port", "default", "sb.default.svc"); err != nil {
		t.Fatalf("markReady: %v", err)
	}

	acquirer := NewClaimAcquirer(c, Config{Template: "t", Timeout: 5 * time.Second, Port: 9000})
	url, release, err := acquirer.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()

	if url != "http://sb.default.svc:9000" {
		t.Errorf("url = %q, want http://sb.default.svc:9000", url)
	}
}

func TestClaimAcquirer_Timeout(t *testing.T) {
	c := newFakeClient(t)
	withClaimNames(t, func() string { return "run-claim-timeout" })

	acquirer := NewClaimAcquirer(c, Config{Template: "t", Timeout: time.Second})

	if _, _, err := acquirer.Acquire(context.Background()); err == nil {
		t.Fatal("expected timeout error")
	}

	claim := &extensionsv1alpha1.SandboxClaim{}
	if err := c.Get(context.Background(), client.ObjectKey{Name: "run-claim-timeout", Namespace: "default"}, claim); err == nil {
		t.Error("SandboxClaim still exists after timeout")
	}
}

func TestClaimAcquirer_ContextCancelled(t *testing.T) {
	c := newFakeClient(t)
	withClaimNames(t, func() string { return "run-claim-cancel" })

	acquirer := NewClaimAcquirer(c, Config{Template: "t", Timeout: 30 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	if _, _, err := acquirer.Acquire(ctx); err == nil {
		t.Fatal("expected cancellation error")
	}

	claim := &extensionsv1alpha1.SandboxClaim{}
	if err := c.Get(context.Background(), client.ObjectKey{Name: "run-claim-cancel", Namespace: "default"}, claim); err == nil {
		t.Error("SandboxClaim still exists after cancellation")
	}
}

func TestClaimAcquirer_ConcurrentAcquisitions(t *testing.T) {
	c := newFakeClient(t)

	var mu sync.Mutex
	counter := 0
	withClaimNames(t, func() string {
		mu.Lock()
		defer mu.Unlock()
		counter++
		return fmt.Sprintf("concurrent-claim-%d", counter)
	})

	acquirer := NewClaimAcquirer(c, Config{Template: "t", Timeout: 5 * time.Second})

	const n = 3
	go func() {
		time.Sleep(200 * time.Millisecond)
		for i := 1; i <= n; i++ {
			_ = markReady(c, fmt.Sprintf("concurrent-claim-%d", i), "default", fmt.Sprintf("sb-%d.default.svc", i))
		}
	}()

	var wg sync.WaitGroup
	errs := make([]error, n)
	urls := make([]string, n)
	releases := make([]func(), n)
	for i := range n {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			urls[idx], releases[idx], errs[idx] = acquirer.Acquire(context.Background())
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for i := range n {
		if errs[i] != nil {
			t.Errorf("acquisition %d: %v", i, errs[i])
			continue
		}
		if seen[urls[i]] {
			t.Errorf("duplicate sandbox URL %q", urls[i])
		}
		seen[urls[i]] = true
		releases[i]()
	}
}

func TestIsReady(t *testing.T) {
	tests := []struct {
		name       string
		conditions []metav1.Condition
		want       bool
	}{
		{"no conditions", nil, false},
		{"ready true", []metav1.Condition{{Type: string(sandboxv1alpha1.SandboxConditionReady), Status: metav1.ConditionTrue}}, true},
		{"ready false", []metav1.Condition{{Type: string(sandboxv1alpha1.SandboxConditionReady), Status: metav1.ConditionFalse}}, false},
		{"other condition only", []metav1.Condition{{Type: "Available", Status: metav1.ConditionTrue}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sb := &sandboxv1alpha1.Sandbox{Status: sandboxv1alpha1.SandboxStatus{Conditions: tt.conditions}}
			if got := isReady(sb); got != tt.want {
				t.Errorf("isReady() = %v, want %v", got, tt.want)
			}
		})
	}
}
