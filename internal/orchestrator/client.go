// Package orchestrator is the typed facade over the cluster's imperative
// API. It hides transport details and normalizes the races every caller
// would otherwise handle: "already exists" on create and "not found" on
// delete are both success.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/tidwall/sjson"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/equality"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/spacegoose/k8s-manager/pkg/apierror"
)

const (
	restartedAtAnnotation = "kubectl.kubernetes.io/restartedAt"

	lbPollInterval = 2 * time.Second
	lbWaitTimeout  = 60 * time.Second
)

// Kind identifies a deletable object class for DeleteNamespaced.
type Kind string

const (
	KindDeployment Kind = "Deployment"
	KindService    Kind = "Service"
	KindIngress    Kind = "Ingress"
	KindSecret     Kind = "Secret"
	KindConfigMap  Kind = "ConfigMap"
)

// PodStatus is the condensed view the readiness waiter consumes.
type PodStatus struct {
	Name  string
	Phase corev1.PodPhase
	Ready bool
}

// ExecResult is the outcome of an in-pod command.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Client is the orchestrator interface consumed by the lifecycle engine and
// the cloner. The production implementation wraps a kubernetes clientset;
// tests use the fake clientset underneath the same wrapper.
type Client interface {
	EnsureNamespace(ctx context.Context, ns *corev1.Namespace, quota *corev1.ResourceQuota) error
	ApplyConfigMap(ctx context.Context, cm *corev1.ConfigMap) error
	ApplySecret(ctx context.Context, secret *corev1.Secret) error
	ApplyDeployment(ctx context.Context, dep *appsv1.Deployment) error
	ApplyService(ctx context.Context, svc *corev1.Service) error
	ApplyIngress(ctx context.Context, ing *networkingv1.Ingress) error
	ScaleDeployment(ctx context.Context, namespace, name string, replicas int32) error
	RollingRestart(ctx context.Context, namespace, name string) error
	DeleteNamespaced(ctx context.Context, kind Kind, namespace, name string) error
	ReadSecret(ctx context.Context, namespace, name string) (map[string][]byte, error)
	ReadServiceEndpoint(ctx context.Context, namespace, name string) (string, error)
	GetPodStatus(ctx context.Context, namespace, selector string) ([]PodStatus, error)
	ExecInPod(ctx context.Context, namespace, selector string, argv []string, stdin string) (ExecResult, error)
}

// KubeClient implements Client over a clientset. The rest.Config is kept for
// the SPDY exec transport.
type KubeClient struct {
	clientset  kubernetes.Interface
	restConfig *rest.Config
	log        logr.Logger
}

// New wraps an existing clientset. restConfig may be nil when exec is not
// needed (tests).
func New(clientset kubernetes.Interface, restConfig *rest.Config, log logr.Logger) *KubeClient {
	return &KubeClient{clientset: clientset, restConfig: restConfig, log: log.WithName("orchestrator")}
}

var _ Client = (*KubeClient)(nil)

func orchErr(err error, format string, args ...any) error {
	return apierror.Wrap(apierror.KindOrchestrator, err, format, args...)
}

// EnsureNamespace creates the namespace and quota if missing, and realigns
// labels and quota hard limits when they drift.
func (c *KubeClient) EnsureNamespace(ctx context.Context, ns *corev1.Namespace, quota *corev1.ResourceQuota) error {
	existing, err := c.clientset.CoreV1().Namespaces().Get(ctx, ns.Name, metav1.GetOptions{})
	switch {
	case apierrors.IsNotFound(err):
		if _, err := c.clientset.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
			return orchErr(err, "creating namespace %s", ns.Name)
		}
		c.log.Info("created namespace", "namespace", ns.Name)
	case err != nil:
		return orchErr(err, "reading namespace %s", ns.Name)
	default:
		if !hasLabels(existing.Labels, ns.Labels) {
			updated := existing.DeepCopy()
			if updated.Labels == nil {
				updated.Labels = map[string]string{}
			}
			for k, v := range ns.Labels {
				updated.Labels[k] = v
			}
			if _, err := c.clientset.CoreV1().Namespaces().Update(ctx, updated, metav1.UpdateOptions{}); err != nil {
				return orchErr(err, "updating namespace labels %s", ns.Name)
			}
		}
	}

	if quota == nil {
		return nil
	}
	existingQuota, err := c.clientset.CoreV1().ResourceQuotas(quota.Namespace).Get(ctx, quota.Name, metav1.GetOptions{})
	switch {
	case apierrors.IsNotFound(err):
		if _, err := c.clientset.CoreV1().ResourceQuotas(quota.Namespace).Create(ctx, quota, metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
			return orchErr(err, "creating quota %s", quota.Name)
		}
	case err != nil:
		return orchErr(err, "reading quota %s", quota.Name)
	default:
		if !equality.Semantic.DeepEqual(existingQuota.Spec.Hard, quota.Spec.Hard) {
			updated := existingQuota.DeepCopy()
			updated.Spec.Hard = quota.Spec.Hard
			if _, err := c.clientset.CoreV1().ResourceQuotas(quota.Namespace).Update(ctx, updated, metav1.UpdateOptions{}); err != nil {
				return orchErr(err, "updating quota %s", quota.Name)
			}
		}
	}
	return nil
}

func (c *KubeClient) ApplyConfigMap(ctx context.Context, cm *corev1.ConfigMap) error {
	cms := c.clientset.CoreV1().ConfigMaps(cm.Namespace)
	_, err := cms.Create(ctx, cm, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		existing, getErr := cms.Get(ctx, cm.Name, metav1.GetOptions{})
		if getErr != nil {
			return orchErr(getErr, "reading configmap %s", cm.Name)
		}
		updated := cm.DeepCopy()
		updated.ResourceVersion = existing.ResourceVersion
		_, err = cms.Update(ctx, updated, metav1.UpdateOptions{})
	}
	if err != nil {
		return orchErr(err, "applying configmap %s/%s", cm.Namespace, cm.Name)
	}
	return nil
}

func (c *KubeClient) ApplySecret(ctx context.Context, secret *corev1.Secret) error {
	secrets := c.clientset.CoreV1().Secrets(secret.Namespace)
	_, err := secrets.Create(ctx, secret, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		existing, getErr := secrets.Get(ctx, secret.Name, metav1.GetOptions{})
		if getErr != nil {
			return orchErr(getErr, "reading secret %s", secret.Name)
		}
		updated := secret.DeepCopy()
		updated.ResourceVersion = existing.ResourceVersion
		_, err = secrets.Update(ctx, updated, metav1.UpdateOptions{})
	}
	if err != nil {
		return orchErr(err, "applying secret %s/%s", secret.Namespace, secret.Name)
	}
	return nil
}

func (c *KubeClient) ApplyDeployment(ctx context.Context, dep *appsv1.Deployment) error {
	deps := c.clientset.AppsV1().Deployments(dep.Namespace)
	_, err := deps.Create(ctx, dep, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		existing, getErr := deps.Get(ctx, dep.Name, metav1.GetOptions{})
		if getErr != nil {
			return orchErr(getErr, "reading deployment %s", dep.Name)
		}
		updated := dep.DeepCopy()
		updated.ResourceVersion = existing.ResourceVersion
		// Preserve the restart annotation so a re-apply does not undo a
		// pending rolling restart.
		if ts, ok := existing.Spec.Template.Annotations[restartedAtAnnotation]; ok {
			if updated.Spec.Template.Annotations == nil {
				updated.Spec.Template.Annotations = map[string]string{}
			}
			updated.Spec.Template.Annotations[restartedAtAnnotation] = ts
		}
		_, err = deps.Update(ctx, updated, metav1.UpdateOptions{})
	}
	if err != nil {
		return orchErr(err, "applying deployment %s/%s", dep.Namespace, dep.Name)
	}
	return nil
}

func (c *KubeClient) ApplyService(ctx context.Context, svc *corev1.Service) error {
	svcs := c.clientset.CoreV1().Services(svc.Namespace)
	_, err := svcs.Create(ctx, svc, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		existing, getErr := svcs.Get(ctx, svc.Name, metav1.GetOptions{})
		if getErr != nil {
			return orchErr(getErr, "reading service %s", svc.Name)
		}
		updated := svc.DeepCopy()
		updated.ResourceVersion = existing.ResourceVersion
		// ClusterIP is immutable once allocated.
		updated.Spec.ClusterIP = existing.Spec.ClusterIP
		updated.Spec.ClusterIPs = existing.Spec.ClusterIPs
		_, err = svcs.Update(ctx, updated, metav1.UpdateOptions{})
	}
	if err != nil {
		return orchErr(err, "applying service %s/%s", svc.Namespace, svc.Name)
	}
	return nil
}

func (c *KubeClient) ApplyIngress(ctx context.Context, ing *networkingv1.Ingress) error {
	ings := c.clientset.NetworkingV1().Ingresses(ing.Namespace)
	_, err := ings.Create(ctx, ing, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		existing, getErr := ings.Get(ctx, ing.Name, metav1.GetOptions{})
		if getErr != nil {
			return orchErr(getErr, "reading ingress %s", ing.Name)
		}
		updated := ing.DeepCopy()
		updated.ResourceVersion = existing.ResourceVersion
		_, err = ings.Update(ctx, updated, metav1.UpdateOptions{})
	}
	if err != nil {
		return orchErr(err, "applying ingress %s/%s", ing.Namespace, ing.Name)
	}
	return nil
}

// ScaleDeployment patches the replica count. Idempotent by construction.
func (c *KubeClient) ScaleDeployment(ctx context.Context, namespace, name string, replicas int32) error {
	patch, err := sjson.Set("{}", "spec.replicas", replicas)
	if err != nil {
		return orchErr(err, "building scale patch")
	}
	_, err = c.clientset.AppsV1().Deployments(namespace).Patch(
		ctx, name, types.MergePatchType, []byte(patch), metav1.PatchOptions{})
	if apierrors.IsNotFound(err) {
		return apierror.Wrap(apierror.KindNotFound, err, "deployment %s/%s not found", namespace, name)
	}
	if err != nil {
		return orchErr(err, "scaling deployment %s/%s to %d", namespace, name, replicas)
	}
	return nil
}

// RollingRestart stamps the pod template with a fresh restartedAt
// annotation. The deployment controller rolls the pods; we do not wait.
func (c *KubeClient) RollingRestart(ctx context.Context, namespace, name string) error {
	patch, err := sjson.Set("{}",
		"spec.template.metadata.annotations."+sjsonEscape(restartedAtAnnotation),
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return orchErr(err, "building restart patch")
	}
	_, err = c.clientset.AppsV1().Deployments(namespace).Patch(
		ctx, name, types.MergePatchType, []byte(patch), metav1.PatchOptions{})
	if apierrors.IsNotFound(err) {
		return apierror.Wrap(apierror.KindNotFound, err, "deployment %s/%s not found", namespace, name)
	}
	if err != nil {
		return orchErr(err, "restarting deployment %s/%s", namespace, name)
	}
	return nil
}

// sjson treats dots as path separators; the annotation key contains them.
func sjsonEscape(key string) string {
	out := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		if key[i] == '.' {
			out = append(out, '\\')
		}
		out = append(out, key[i])
	}
	return string(out)
}

// DeleteNamespaced removes one object; absence is success.
func (c *KubeClient) DeleteNamespaced(ctx context.Context, kind Kind, namespace, name string) error {
	var err error
	switch kind {
	case KindDeployment:
		err = c.clientset.AppsV1().Deployments(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	case KindService:
		err = c.clientset.CoreV1().Services(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	case KindIngress:
		err = c.clientset.NetworkingV1().Ingresses(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	case KindSecret:
		err = c.clientset.CoreV1().Secrets(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	case KindConfigMap:
		err = c.clientset.CoreV1().ConfigMaps(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	default:
		return orchErr(fmt.Errorf("unsupported kind %q", kind), "deleting %s/%s", namespace, name)
	}
	if err != nil && !apierrors.IsNotFound(err) {
		return orchErr(err, "deleting %s %s/%s", kind, namespace, name)
	}
	return nil
}

// ReadSecret returns the secret data, or a NotFound error when absent.
func (c *KubeClient) ReadSecret(ctx context.Context, namespace, name string) (map[string][]byte, error) {
	secret, err := c.clientset.CoreV1().Secrets(namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, apierror.New(apierror.KindNotFound, "secret %s/%s not found", namespace, name)
	}
	if err != nil {
		return nil, orchErr(err, "reading secret %s/%s", namespace, name)
	}
	return secret.Data, nil
}

// ReadServiceEndpoint resolves the address callers reach the project at.
// ClusterIP services resolve to the in-cluster DNS name; LoadBalancer
// services wait (bounded) for an external address.
func (c *KubeClient) ReadServiceEndpoint(ctx context.Context, namespace, name string) (string, error) {
	svcs := c.clientset.CoreV1().Services(namespace)
	svc, err := svcs.Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return "", apierror.Wrap(apierror.KindNotFound, err, "service %s/%s not found", namespace, name)
	}
	if err != nil {
		return "", orchErr(err, "reading service %s/%s", namespace, name)
	}

	if svc.Spec.Type != corev1.ServiceTypeLoadBalancer {
		return fmt.Sprintf("%s.%s.svc.cluster.local:%d", name, namespace, servicePortOf(svc)), nil
	}

	deadline := time.Now().Add(lbWaitTimeout)
	for {
		for _, ing := range svc.Status.LoadBalancer.Ingress {
			if ing.IP != "" {
				return fmt.Sprintf("%s:%d", ing.IP, servicePortOf(svc)), nil
			}
			if ing.Hostname != "" {
				return fmt.Sprintf("%s:%d", ing.Hostname, servicePortOf(svc)), nil
			}
		}
		if time.Now().After(deadline) {
			return "", apierror.New(apierror.KindOrchestrator, "load balancer address not assigned for %s/%s", namespace, name)
		}
		select {
		case <-ctx.Done():
			return "", apierror.Wrap(apierror.KindCancelled, ctx.Err(), "waiting for load balancer %s/%s", namespace, name)
		case <-time.After(lbPollInterval):
		}
		if svc, err = svcs.Get(ctx, name, metav1.GetOptions{}); err != nil {
			return "", orchErr(err, "re-reading service %s/%s", namespace, name)
		}
	}
}

func servicePortOf(svc *corev1.Service) int32 {
	if len(svc.Spec.Ports) > 0 {
		return svc.Spec.Ports[0].Port
	}
	return 80
}

// GetPodStatus lists pods matching the label selector and condenses their
// phase and Ready condition.
func (c *KubeClient) GetPodStatus(ctx context.Context, namespace, selector string) ([]PodStatus, error) {
	pods, err := c.clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, orchErr(err, "listing pods in %s", namespace)
	}
	statuses := make([]PodStatus, 0, len(pods.Items))
	for _, pod := range pods.Items {
		statuses = append(statuses, PodStatus{
			Name:  pod.Name,
			Phase: pod.Status.Phase,
			Ready: isPodReady(&pod),
		})
	}
	return statuses, nil
}

func isPodReady(pod *corev1.Pod) bool {
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}

func hasLabels(actual, want map[string]string) bool {
	for k, v := range want {
		if actual[k] != v {
			return false
		}
	}
	return true
}
