package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/spacegoose/k8s-manager/internal/metrics"
	"github.com/spacegoose/k8s-manager/internal/orchestrator"
	"github.com/spacegoose/k8s-manager/internal/render"
	"github.com/spacegoose/k8s-manager/internal/store"
	"github.com/spacegoose/k8s-manager/pkg/apierror"
	"github.com/spacegoose/k8s-manager/pkg/model"
)

// stubPods wraps the real orchestrator client over a fake clientset but
// serves pod status from a settable list, since the fake has no controller
// creating pods for deployments.
type stubPods struct {
	orchestrator.Client
	mu       sync.Mutex
	statuses []orchestrator.PodStatus
}

func (s *stubPods) GetPodStatus(context.Context, string, string) ([]orchestrator.PodStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]orchestrator.PodStatus(nil), s.statuses...), nil
}

func (s *stubPods) set(statuses []orchestrator.PodStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = statuses
}

type stubCloner struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *stubCloner) Clone(context.Context, *model.User, *model.Project) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.err
}

type testRig struct {
	engine    *Engine
	store     *store.Memory
	clientset *fake.Clientset
	pods      *stubPods
	cloner    *stubCloner
}

func readyPod() []orchestrator.PodStatus {
	return []orchestrator.PodStatus{{Name: "pod-0", Phase: corev1.PodRunning, Ready: true}}
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	st := store.NewMemory()
	clientset := fake.NewSimpleClientset()
	kube := orchestrator.New(clientset, nil, logr.Discard())
	pods := &stubPods{Client: kube}
	pods.set(readyPod())
	renderer := render.New(render.Config{
		AgentImage:      "agent:test",
		AgentPort:       3001,
		AgentHealthPath: "/health",
	})
	cloner := &stubCloner{}
	engine := New(st, pods, renderer, cloner, Config{
		SystemToken:       "system-token",
		AgentHealthPath:   "/health",
		ActivationTimeout: 5 * time.Second,
		OperationTimeout:  time.Second,
		ReadinessPoll:     5 * time.Millisecond,
		ReadinessTimeout:  100 * time.Millisecond,
	}, metrics.New(), logr.Discard())
	engine.probe = func(context.Context, string) error { return nil }

	if err := st.UpsertUser(context.Background(), &model.User{UserID: "u1", Name: "Alice"}); err != nil {
		t.Fatalf("seeding user: %v", err)
	}
	return &testRig{engine: engine, store: st, clientset: clientset, pods: pods, cloner: cloner}
}

func TestCreateProjectProvisionsAndActivates(t *testing.T) {
	g := NewWithT(t)
	rig := newTestRig(t)
	ctx := context.Background()

	project, err := rig.engine.CreateProject(ctx, "u1", "demo", "", "ghp_projecttoken42")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(project.Status).To(Equal(model.StatusActive))
	g.Expect(project.Endpoint).To(HavePrefix(render.WorkloadName(project.ProjectID) + ".user-u1.svc.cluster.local"))
	g.Expect(project.GithubKeySet).To(BeTrue())
	g.Expect(project.GithubKeySource).To(Equal(model.KeySourceProject))
	g.Expect(project.GithubKeyMasked).To(HavePrefix("ghp_proj"))

	ns := render.NamespaceName("u1")
	secret, err := rig.clientset.CoreV1().Secrets(ns).Get(ctx, render.SecretName(project.ProjectID), metav1.GetOptions{})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(secret.Data).To(HaveKeyWithValue("GITHUB_TOKEN", []byte("ghp_projecttoken42")))
	g.Expect(secret.Data).To(HaveKeyWithValue("GOOSE_SYSTEM_TOKEN", []byte("system-token")))

	cm, err := rig.clientset.CoreV1().ConfigMaps(ns).Get(ctx, render.ConfigMapName(project.ProjectID), metav1.GetOptions{})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(cm.Data).To(HaveKeyWithValue("USER_ID", "u1"))
	g.Expect(cm.Data).To(HaveKeyWithValue("PROJECT_ID", project.ProjectID))
	g.Expect(cm.Data).To(HaveKeyWithValue("GOOSE_PROVIDER", "blackbox"))

	dep, err := rig.clientset.AppsV1().Deployments(ns).Get(ctx, render.WorkloadName(project.ProjectID), metav1.GetOptions{})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(*dep.Spec.Replicas).To(Equal(int32(1)))
}

func TestCreateProjectReadinessTimeoutRollsBack(t *testing.T) {
	g := NewWithT(t)
	rig := newTestRig(t)
	rig.pods.set(nil)
	ctx := context.Background()

	_, err := rig.engine.CreateProject(ctx, "u1", "stuck", "", "")
	g.Expect(apierror.Is(err, apierror.KindReadinessTimeout)).To(BeTrue())

	projects, err := rig.store.ListProjectsByUser(ctx, "u1")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(projects).To(HaveLen(1))
	g.Expect(projects[0].Status).To(Equal(model.StatusError))
	g.Expect(projects[0].LastError).NotTo(BeEmpty())
	g.Expect(projects[0].Endpoint).To(BeEmpty())

	// Objects created by the failed call are rolled back.
	ns := render.NamespaceName("u1")
	_, err = rig.clientset.AppsV1().Deployments(ns).Get(ctx, render.WorkloadName(projects[0].ProjectID), metav1.GetOptions{})
	g.Expect(err).To(HaveOccurred())
	_, err = rig.clientset.CoreV1().Secrets(ns).Get(ctx, render.SecretName(projects[0].ProjectID), metav1.GetOptions{})
	g.Expect(err).To(HaveOccurred())
}

func TestActivateDeactivateCycle(t *testing.T) {
	g := NewWithT(t)
	rig := newTestRig(t)
	ctx := context.Background()

	project, err := rig.engine.CreateProject(ctx, "u1", "cycle", "", "")
	g.Expect(err).NotTo(HaveOccurred())

	// Pods gone once scaled down.
	rig.pods.set(nil)
	g.Expect(rig.engine.Deactivate(ctx, project.ProjectID)).To(Succeed())

	got, err := rig.store.GetProject(ctx, project.ProjectID)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(got.Status).To(Equal(model.StatusInactive))
	g.Expect(got.Endpoint).To(BeEmpty())

	// Deactivating an inactive project is a no-op.
	g.Expect(rig.engine.Deactivate(ctx, project.ProjectID)).To(Succeed())

	rig.pods.set(readyPod())
	reactivated, err := rig.engine.Activate(ctx, project.ProjectID)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(reactivated.Status).To(Equal(model.StatusActive))
	g.Expect(reactivated.Endpoint).To(Equal(project.Endpoint))
}

func TestActivateWhenActiveIsNoOp(t *testing.T) {
	g := NewWithT(t)
	rig := newTestRig(t)
	ctx := context.Background()

	project, err := rig.engine.CreateProject(ctx, "u1", "idem", "", "")
	g.Expect(err).NotTo(HaveOccurred())

	again, err := rig.engine.Activate(ctx, project.ProjectID)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(again.Status).To(Equal(model.StatusActive))
	g.Expect(again.Endpoint).To(Equal(project.Endpoint))
}

func TestActivateAfterErrorLeavesObjectsInPlace(t *testing.T) {
	g := NewWithT(t)
	rig := newTestRig(t)
	ctx := context.Background()

	project, err := rig.engine.CreateProject(ctx, "u1", "retry", "", "")
	g.Expect(err).NotTo(HaveOccurred())
	rig.pods.set(nil)
	g.Expect(rig.engine.Deactivate(ctx, project.ProjectID)).To(Succeed())

	// Failed activation: no rollback, status error.
	_, err = rig.engine.Activate(ctx, project.ProjectID)
	g.Expect(apierror.Is(err, apierror.KindReadinessTimeout)).To(BeTrue())

	got, err := rig.store.GetProject(ctx, project.ProjectID)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(got.Status).To(Equal(model.StatusError))

	ns := render.NamespaceName("u1")
	_, err = rig.clientset.AppsV1().Deployments(ns).Get(ctx, render.WorkloadName(project.ProjectID), metav1.GetOptions{})
	g.Expect(err).NotTo(HaveOccurred())

	// Retry from error succeeds.
	rig.pods.set(readyPod())
	reactivated, err := rig.engine.Activate(ctx, project.ProjectID)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(reactivated.Status).To(Equal(model.StatusActive))
}

func TestDeleteRemovesRecordAndObjects(t *testing.T) {
	g := NewWithT(t)
	rig := newTestRig(t)
	ctx := context.Background()

	project, err := rig.engine.CreateProject(ctx, "u1", "gone", "", "")
	g.Expect(err).NotTo(HaveOccurred())

	g.Expect(rig.engine.Delete(ctx, project.ProjectID)).To(Succeed())

	_, err = rig.store.GetProject(ctx, project.ProjectID)
	g.Expect(apierror.Is(err, apierror.KindNotFound)).To(BeTrue())

	ns := render.NamespaceName("u1")
	_, err = rig.clientset.AppsV1().Deployments(ns).Get(ctx, render.WorkloadName(project.ProjectID), metav1.GetOptions{})
	g.Expect(err).To(HaveOccurred())
	_, err = rig.clientset.CoreV1().ConfigMaps(ns).Get(ctx, render.ConfigMapName(project.ProjectID), metav1.GetOptions{})
	g.Expect(err).To(HaveOccurred())

	// The shared user namespace stays.
	_, err = rig.clientset.CoreV1().Namespaces().Get(ctx, ns, metav1.GetOptions{})
	g.Expect(err).NotTo(HaveOccurred())

	// Second delete reports the missing record without touching the cluster.
	err = rig.engine.Delete(ctx, project.ProjectID)
	g.Expect(apierror.Is(err, apierror.KindNotFound)).To(BeTrue())
}

func TestTokenPrecedenceProjectOverUser(t *testing.T) {
	g := NewWithT(t)
	rig := newTestRig(t)
	ctx := context.Background()

	userToken := "ghp_usertoken1234567"
	g.Expect(rig.engine.UpdateUserGlobalToken(ctx, "u1", &userToken)).To(Succeed())

	// Without a project token the user token wins.
	project, err := rig.engine.CreateProject(ctx, "u1", "tok", "", "")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(project.GithubKeySource).To(Equal(model.KeySourceUser))

	ns := render.NamespaceName("u1")
	secret, err := rig.clientset.CoreV1().Secrets(ns).Get(ctx, render.SecretName(project.ProjectID), metav1.GetOptions{})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(secret.Data).To(HaveKeyWithValue("GITHUB_TOKEN", []byte(userToken)))

	// A project token overrides it.
	projectToken := "ghp_projtoken7654321"
	g.Expect(rig.engine.UpdateGithubToken(ctx, project.ProjectID, &projectToken)).To(Succeed())

	secret, err = rig.clientset.CoreV1().Secrets(ns).Get(ctx, render.SecretName(project.ProjectID), metav1.GetOptions{})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(secret.Data).To(HaveKeyWithValue("GITHUB_TOKEN", []byte(projectToken)))

	got, err := rig.store.GetProject(ctx, project.ProjectID)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(got.GithubKeySource).To(Equal(model.KeySourceProject))

	// Clearing the project token falls back to the user token.
	g.Expect(rig.engine.UpdateGithubToken(ctx, project.ProjectID, nil)).To(Succeed())
	secret, err = rig.clientset.CoreV1().Secrets(ns).Get(ctx, render.SecretName(project.ProjectID), metav1.GetOptions{})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(secret.Data).To(HaveKeyWithValue("GITHUB_TOKEN", []byte(userToken)))

	got, err = rig.store.GetProject(ctx, project.ProjectID)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(got.GithubKeySource).To(Equal(model.KeySourceUser))
}

func TestUpdateSettingsCoercesAndStores(t *testing.T) {
	g := NewWithT(t)
	rig := newTestRig(t)
	ctx := context.Background()

	project, err := rig.engine.CreateProject(ctx, "u1", "cfg", "", "")
	g.Expect(err).NotTo(HaveOccurred())

	restart, err := rig.engine.UpdateSettings(ctx, project.ProjectID, map[string]string{
		"temperature": "0.50",
		"max_turns":   "42",
	})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(restart).To(BeFalse())

	restart, err = rig.engine.UpdateSettings(ctx, project.ProjectID, map[string]string{"model": "gpt-4o"})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(restart).To(BeTrue())

	got, err := rig.store.GetProject(ctx, project.ProjectID)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(got.Settings).To(HaveKeyWithValue("temperature", "0.5"))
	g.Expect(got.Settings).To(HaveKeyWithValue("max_turns", "42"))
	g.Expect(got.Settings).To(HaveKeyWithValue("model", "gpt-4o"))

	// Unknown keys never reach the store.
	_, err = rig.engine.UpdateSettings(ctx, project.ProjectID, map[string]string{"bogus": "x"})
	g.Expect(apierror.Is(err, apierror.KindInvalidArgument)).To(BeTrue())
}

func TestSettingChangePushesConfigMapWhenActive(t *testing.T) {
	g := NewWithT(t)
	rig := newTestRig(t)
	ctx := context.Background()

	project, err := rig.engine.CreateProject(ctx, "u1", "push", "", "")
	g.Expect(err).NotTo(HaveOccurred())

	restart, err := rig.engine.UpdateSettings(ctx, project.ProjectID, map[string]string{"model": "claude-sonnet"})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(restart).To(BeTrue())

	ns := render.NamespaceName("u1")
	cm, err := rig.clientset.CoreV1().ConfigMaps(ns).Get(ctx, render.ConfigMapName(project.ProjectID), metav1.GetOptions{})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(cm.Data).To(HaveKeyWithValue("GOOSE_MODEL", "claude-sonnet"))

	dep, err := rig.clientset.AppsV1().Deployments(ns).Get(ctx, render.WorkloadName(project.ProjectID), metav1.GetOptions{})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(dep.Spec.Template.Annotations).To(HaveKey("kubectl.kubernetes.io/restartedAt"))
}

func TestExtensionLifecycle(t *testing.T) {
	g := NewWithT(t)
	rig := newTestRig(t)
	ctx := context.Background()

	project, err := rig.engine.CreateProject(ctx, "u1", "ext", "", "")
	g.Expect(err).NotTo(HaveOccurred())

	restart, err := rig.engine.PutExtension(ctx, project.ProjectID, model.Extension{
		Name: "fetch", Kind: model.ExtensionStdio, Enabled: true, Cmd: "uvx", Args: []string{"mcp-fetch"},
	})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(restart).To(BeTrue())

	ns := render.NamespaceName("u1")
	cm, err := rig.clientset.CoreV1().ConfigMaps(ns).Get(ctx, render.ConfigMapName(project.ProjectID), metav1.GetOptions{})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(cm.Data["GOOSE_EXTENSIONS"]).To(ContainSubstring(`"name":"fetch"`))

	// Disabled extensions drop out of the serialized env.
	_, err = rig.engine.ToggleExtension(ctx, project.ProjectID, "fetch", false)
	g.Expect(err).NotTo(HaveOccurred())
	cm, err = rig.clientset.CoreV1().ConfigMaps(ns).Get(ctx, render.ConfigMapName(project.ProjectID), metav1.GetOptions{})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(cm.Data["GOOSE_EXTENSIONS"]).NotTo(ContainSubstring("fetch"))

	// Re-enabling preserves the payload.
	_, err = rig.engine.ToggleExtension(ctx, project.ProjectID, "fetch", true)
	g.Expect(err).NotTo(HaveOccurred())
	got, err := rig.store.GetProject(ctx, project.ProjectID)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(got.Extensions).To(HaveLen(1))
	g.Expect(got.Extensions[0].Cmd).To(Equal("uvx"))

	_, err = rig.engine.PutExtension(ctx, project.ProjectID, model.Extension{Name: "bad", Kind: "mystery"})
	g.Expect(apierror.Is(err, apierror.KindInvalidArgument)).To(BeTrue())
}

func TestCreateProjectRunsCloner(t *testing.T) {
	g := NewWithT(t)
	rig := newTestRig(t)
	ctx := context.Background()

	project, err := rig.engine.CreateProject(ctx, "u1", "repo", "https://github.com/acme/app.git", "")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(rig.cloner.calls).To(Equal(1))
	g.Expect(project.HasRepository).To(BeTrue())
	g.Expect(project.Status).To(Equal(model.StatusActive))
}

func TestCloneFailureDoesNotFailActivation(t *testing.T) {
	g := NewWithT(t)
	rig := newTestRig(t)
	rig.cloner.err = apierror.New(apierror.KindCloneFailed, "exit status 128")
	ctx := context.Background()

	project, err := rig.engine.CreateProject(ctx, "u1", "badrepo", "https://github.com/acme/broken.git", "")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(project.Status).To(Equal(model.StatusActive))
	g.Expect(project.HasRepository).To(BeFalse())
	g.Expect(project.LastError).To(ContainSubstring("exit status 128"))
}

func TestCloneRepositoryRequiresActiveProject(t *testing.T) {
	g := NewWithT(t)
	rig := newTestRig(t)
	ctx := context.Background()

	project, err := rig.engine.CreateProject(ctx, "u1", "cold", "https://github.com/acme/app.git", "")
	g.Expect(err).NotTo(HaveOccurred())
	rig.pods.set(nil)
	g.Expect(rig.engine.Deactivate(ctx, project.ProjectID)).To(Succeed())

	err = rig.engine.CloneRepository(ctx, project.ProjectID)
	g.Expect(apierror.Is(err, apierror.KindProjectNotActive)).To(BeTrue())
}

// deadlineStore fails calls whose context already expired, like the real
// driver does. The in-memory store ignores deadlines on its own.
type deadlineStore struct {
	*store.Memory
}

func (s deadlineStore) GetProject(ctx context.Context, projectID string) (*model.Project, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Memory.GetProject(ctx, projectID)
}

func (s deadlineStore) DeleteProject(ctx context.Context, projectID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Memory.DeleteProject(ctx, projectID)
}

func TestDeleteQueuedBehindSlowTransitionStillCompletes(t *testing.T) {
	g := NewWithT(t)
	rig := newTestRig(t)
	rig.engine.store = deadlineStore{rig.store}
	ctx := context.Background()

	project, err := rig.engine.CreateProject(ctx, "u1", "busy", "", "")
	g.Expect(err).NotTo(HaveOccurred())

	// Hold the project's transition lock past the operation budget, the way
	// a slow activation would.
	unlock := rig.engine.locks.lock(project.ProjectID)
	go func() {
		time.Sleep(1200 * time.Millisecond)
		unlock()
	}()

	g.Expect(rig.engine.Delete(ctx, project.ProjectID)).To(Succeed())

	_, err = rig.store.GetProject(ctx, project.ProjectID)
	g.Expect(apierror.Is(err, apierror.KindNotFound)).To(BeTrue())

	ns := render.NamespaceName("u1")
	_, err = rig.clientset.AppsV1().Deployments(ns).Get(ctx, render.WorkloadName(project.ProjectID), metav1.GetOptions{})
	g.Expect(err).To(HaveOccurred())
}

func TestConcurrentActivationsSerialize(t *testing.T) {
	g := NewWithT(t)
	rig := newTestRig(t)
	ctx := context.Background()

	project, err := rig.engine.CreateProject(ctx, "u1", "race", "", "")
	g.Expect(err).NotTo(HaveOccurred())
	rig.pods.set(nil)
	g.Expect(rig.engine.Deactivate(ctx, project.ProjectID)).To(Succeed())
	rig.pods.set(readyPod())

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = rig.engine.Activate(ctx, project.ProjectID)
		}(i)
	}
	wg.Wait()

	g.Expect(results[0]).NotTo(HaveOccurred())
	g.Expect(results[1]).NotTo(HaveOccurred())
	got, err := rig.store.GetProject(ctx, project.ProjectID)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(got.Status).To(Equal(model.StatusActive))
}
