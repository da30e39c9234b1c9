package orchestrator

import (
	"context"
	"testing"

	"github.com/go-logr/logr"
	. "github.com/onsi/gomega"
	"github.com/tidwall/gjson"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8stesting "k8s.io/client-go/testing"

	"k8s.io/client-go/kubernetes/fake"

	"github.com/spacegoose/k8s-manager/pkg/apierror"
)

func newTestClient() (*KubeClient, *fake.Clientset) {
	clientset := fake.NewSimpleClientset()
	return New(clientset, nil, logr.Discard()), clientset
}

func TestEnsureNamespaceCreatesNamespaceAndQuota(t *testing.T) {
	g := NewWithT(t)
	client, clientset := newTestClient()

	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{
		Name:   "user-alice",
		Labels: map[string]string{"managed-by": "k8s-manager"},
	}}
	quota := &corev1.ResourceQuota{
		ObjectMeta: metav1.ObjectMeta{Name: "user-alice-quota", Namespace: "user-alice"},
		Spec: corev1.ResourceQuotaSpec{
			Hard: corev1.ResourceList{corev1.ResourcePods: resource.MustParse("20")},
		},
	}

	g.Expect(client.EnsureNamespace(context.Background(), ns, quota)).To(Succeed())

	got, err := clientset.CoreV1().Namespaces().Get(context.Background(), "user-alice", metav1.GetOptions{})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(got.Labels).To(HaveKeyWithValue("managed-by", "k8s-manager"))

	_, err = clientset.CoreV1().ResourceQuotas("user-alice").Get(context.Background(), "user-alice-quota", metav1.GetOptions{})
	g.Expect(err).NotTo(HaveOccurred())
}

func TestEnsureNamespaceIsIdempotent(t *testing.T) {
	g := NewWithT(t)
	client, _ := newTestClient()

	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "user-bob"}}
	g.Expect(client.EnsureNamespace(context.Background(), ns, nil)).To(Succeed())
	g.Expect(client.EnsureNamespace(context.Background(), ns, nil)).To(Succeed())
}

func TestEnsureNamespaceRealignsDriftedLabels(t *testing.T) {
	g := NewWithT(t)
	client, clientset := newTestClient()

	_, err := clientset.CoreV1().Namespaces().Create(context.Background(), &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{Name: "user-carol", Labels: map[string]string{"stale": "yes"}},
	}, metav1.CreateOptions{})
	g.Expect(err).NotTo(HaveOccurred())

	desired := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{
		Name:   "user-carol",
		Labels: map[string]string{"managed-by": "k8s-manager"},
	}}
	g.Expect(client.EnsureNamespace(context.Background(), desired, nil)).To(Succeed())

	got, err := clientset.CoreV1().Namespaces().Get(context.Background(), "user-carol", metav1.GetOptions{})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(got.Labels).To(HaveKeyWithValue("managed-by", "k8s-manager"))
	g.Expect(got.Labels).To(HaveKeyWithValue("stale", "yes"))
}

func TestApplyConfigMapReplacesExisting(t *testing.T) {
	g := NewWithT(t)
	client, clientset := newTestClient()

	first := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: "proj-p1-env", Namespace: "user-alice"},
		Data:       map[string]string{"GOOSE_MODEL": "gpt-4o"},
	}
	g.Expect(client.ApplyConfigMap(context.Background(), first)).To(Succeed())

	second := first.DeepCopy()
	second.ResourceVersion = ""
	second.Data = map[string]string{"GOOSE_MODEL": "claude-sonnet"}
	g.Expect(client.ApplyConfigMap(context.Background(), second)).To(Succeed())

	got, err := clientset.CoreV1().ConfigMaps("user-alice").Get(context.Background(), "proj-p1-env", metav1.GetOptions{})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(got.Data).To(HaveKeyWithValue("GOOSE_MODEL", "claude-sonnet"))
}

func TestApplyServicePreservesClusterIP(t *testing.T) {
	g := NewWithT(t)
	client, clientset := newTestClient()

	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: "proj-p1-api", Namespace: "user-alice"},
		Spec: corev1.ServiceSpec{
			Type:  corev1.ServiceTypeClusterIP,
			Ports: []corev1.ServicePort{{Name: "http", Port: 80}},
		},
	}
	g.Expect(client.ApplyService(context.Background(), svc)).To(Succeed())

	// Simulate the allocator assigning an address.
	allocated, err := clientset.CoreV1().Services("user-alice").Get(context.Background(), "proj-p1-api", metav1.GetOptions{})
	g.Expect(err).NotTo(HaveOccurred())
	allocated.Spec.ClusterIP = "10.0.0.7"
	_, err = clientset.CoreV1().Services("user-alice").Update(context.Background(), allocated, metav1.UpdateOptions{})
	g.Expect(err).NotTo(HaveOccurred())

	reapply := svc.DeepCopy()
	reapply.ResourceVersion = ""
	g.Expect(client.ApplyService(context.Background(), reapply)).To(Succeed())

	got, err := clientset.CoreV1().Services("user-alice").Get(context.Background(), "proj-p1-api", metav1.GetOptions{})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(got.Spec.ClusterIP).To(Equal("10.0.0.7"))
}

func TestScaleDeploymentPatchesReplicas(t *testing.T) {
	g := NewWithT(t)
	client, clientset := newTestClient()

	replicas := int32(1)
	dep := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "proj-p1-api", Namespace: "user-alice"},
		Spec:       appsv1.DeploymentSpec{Replicas: &replicas},
	}
	_, err := clientset.AppsV1().Deployments("user-alice").Create(context.Background(), dep, metav1.CreateOptions{})
	g.Expect(err).NotTo(HaveOccurred())

	g.Expect(client.ScaleDeployment(context.Background(), "user-alice", "proj-p1-api", 0)).To(Succeed())

	got, err := clientset.AppsV1().Deployments("user-alice").Get(context.Background(), "proj-p1-api", metav1.GetOptions{})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(*got.Spec.Replicas).To(BeZero())
}

func TestScaleDeploymentMissingIsNotFound(t *testing.T) {
	g := NewWithT(t)
	client, _ := newTestClient()

	err := client.ScaleDeployment(context.Background(), "user-alice", "absent", 0)
	g.Expect(apierror.Is(err, apierror.KindNotFound)).To(BeTrue())
}

func TestRollingRestartStampsAnnotation(t *testing.T) {
	g := NewWithT(t)
	client, clientset := newTestClient()

	dep := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "proj-p1-api", Namespace: "user-alice"},
	}
	_, err := clientset.AppsV1().Deployments("user-alice").Create(context.Background(), dep, metav1.CreateOptions{})
	g.Expect(err).NotTo(HaveOccurred())

	var patched []byte
	clientset.PrependReactor("patch", "deployments", func(action k8stesting.Action) (bool, interface{}, error) {
		patched = action.(k8stesting.PatchAction).GetPatch()
		return false, nil, nil
	})

	g.Expect(client.RollingRestart(context.Background(), "user-alice", "proj-p1-api")).To(Succeed())
	ts := gjson.GetBytes(patched, `spec.template.metadata.annotations.kubectl\.kubernetes\.io/restartedAt`)
	g.Expect(ts.Exists()).To(BeTrue())
	g.Expect(ts.String()).NotTo(BeEmpty())
}

func TestDeleteNamespacedAbsentIsSuccess(t *testing.T) {
	g := NewWithT(t)
	client, _ := newTestClient()

	for _, kind := range []Kind{KindDeployment, KindService, KindIngress, KindSecret, KindConfigMap} {
		g.Expect(client.DeleteNamespaced(context.Background(), kind, "user-alice", "absent")).To(Succeed())
	}
}

func TestReadSecretMissingIsNotFound(t *testing.T) {
	g := NewWithT(t)
	client, _ := newTestClient()

	_, err := client.ReadSecret(context.Background(), "user-alice", "absent")
	g.Expect(apierror.Is(err, apierror.KindNotFound)).To(BeTrue())
}

func TestReadServiceEndpointClusterIP(t *testing.T) {
	g := NewWithT(t)
	client, clientset := newTestClient()

	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: "proj-p1-api", Namespace: "user-alice"},
		Spec: corev1.ServiceSpec{
			Type:  corev1.ServiceTypeClusterIP,
			Ports: []corev1.ServicePort{{Name: "http", Port: 80}},
		},
	}
	_, err := clientset.CoreV1().Services("user-alice").Create(context.Background(), svc, metav1.CreateOptions{})
	g.Expect(err).NotTo(HaveOccurred())

	endpoint, err := client.ReadServiceEndpoint(context.Background(), "user-alice", "proj-p1-api")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(endpoint).To(Equal("proj-p1-api.user-alice.svc.cluster.local:80"))
}

func TestGetPodStatusReportsReadiness(t *testing.T) {
	g := NewWithT(t)
	client, clientset := newTestClient()

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "proj-p1-api-abc",
			Namespace: "user-alice",
			Labels:    map[string]string{"app": "proj-p1-api"},
		},
		Status: corev1.PodStatus{
			Phase: corev1.PodRunning,
			Conditions: []corev1.PodCondition{
				{Type: corev1.PodReady, Status: corev1.ConditionTrue},
			},
		},
	}
	_, err := clientset.CoreV1().Pods("user-alice").Create(context.Background(), pod, metav1.CreateOptions{})
	g.Expect(err).NotTo(HaveOccurred())

	statuses, err := client.GetPodStatus(context.Background(), "user-alice", "app=proj-p1-api")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(statuses).To(HaveLen(1))
	g.Expect(statuses[0].Phase).To(Equal(corev1.PodRunning))
	g.Expect(statuses[0].Ready).To(BeTrue())
}
