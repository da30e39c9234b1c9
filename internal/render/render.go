// Package render produces the cluster object specifications backing a
// project. Rendering is a pure function of (user, project, resolved env):
// the same inputs always yield identical specs, and the orchestrator applies
// them with create-or-replace semantics.
package render

import (
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/spacegoose/k8s-manager/pkg/model"
)

const (
	containerName = "goose-api"

	managedByLabel = "managed-by"
	managedByValue = "k8s-manager"
	roleLabel      = "role"
	roleValue      = "project-workload"

	servicePort = 80

	readinessInitialDelaySeconds = 10
	readinessPeriodSeconds       = 5
	livenessInitialDelaySeconds  = 60
	livenessPeriodSeconds        = 15

	agentUID = int64(1000)
)

// Fixed per-container resource profile. Matches the single pod class the
// agent image is tuned for; there is no per-project sizing.
var (
	cpuRequest = resource.MustParse("250m")
	cpuLimit   = resource.MustParse("2")
	memRequest = resource.MustParse("512Mi")
	memLimit   = resource.MustParse("4Gi")

	quotaCPU  = resource.MustParse("8")
	quotaMem  = resource.MustParse("16Gi")
	quotaPods = resource.MustParse("20")
)

// Config is the static rendering input shared by every project.
type Config struct {
	AgentImage       string
	AgentPort        int
	AgentHealthPath  string
	BaseDomain       string // empty disables the ingress
	IngressClassName string
	TLSSecretPattern string
}

// Env is the resolved environment split into its config-map and secret
// halves (spec vs credential material).
type Env struct {
	ConfigData map[string]string
	SecretData map[string][]byte
}

// Bundle is the full set of objects for one project. Ingress is nil when no
// base domain is configured.
type Bundle struct {
	Namespace  *corev1.Namespace
	Quota      *corev1.ResourceQuota
	ConfigMap  *corev1.ConfigMap
	Secret     *corev1.Secret
	Deployment *appsv1.Deployment
	Service    *corev1.Service
	Ingress    *networkingv1.Ingress
}

// Renderer renders resource bundles for projects.
type Renderer struct {
	cfg Config
}

// New creates a Renderer.
func New(cfg Config) *Renderer {
	return &Renderer{cfg: cfg}
}

// Render produces the bundle for a project. Desired replicas follow the
// project's status: one when active or activating, zero otherwise.
func (r *Renderer) Render(user *model.User, project *model.Project, env Env) *Bundle {
	namespace := NamespaceName(user.UserID)
	name := WorkloadName(project.ProjectID)
	labels := objectLabels(user.UserID, project.ProjectID)

	replicas := int32(0)
	if project.Status == model.StatusActive || project.Status == model.StatusActivating {
		replicas = 1
	}

	bundle := &Bundle{
		Namespace:  r.renderNamespace(user.UserID),
		Quota:      r.renderQuota(user.UserID),
		ConfigMap:  r.renderConfigMap(namespace, project.ProjectID, labels, env),
		Secret:     r.renderSecret(namespace, project.ProjectID, labels, env),
		Deployment: r.renderDeployment(namespace, name, project.ProjectID, labels, replicas),
		Service:    r.renderService(namespace, name, project.ProjectID, labels),
	}
	if r.cfg.BaseDomain != "" {
		bundle.Ingress = r.renderIngress(namespace, name, user.UserID, project.ProjectID, labels)
	}
	return bundle
}

// UserNamespace renders the per-user namespace and quota alone, for
// operations that touch user-scoped secrets before any project exists.
func (r *Renderer) UserNamespace(userID string) (*corev1.Namespace, *corev1.ResourceQuota) {
	return r.renderNamespace(userID), r.renderQuota(userID)
}

// UserSecret renders a user-scoped opaque secret (global credentials shared
// by the user's projects).
func UserSecret(userID, name string, data map[string][]byte) *corev1.Secret {
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: NamespaceName(userID),
			Labels: map[string]string{
				managedByLabel: managedByValue,
				"user-id":      userID,
			},
		},
		Type: corev1.SecretTypeOpaque,
		Data: data,
	}
}

func objectLabels(userID, projectID string) map[string]string {
	return map[string]string{
		managedByLabel: managedByValue,
		"user-id":      userID,
		"project-id":   projectID,
	}
}

func (r *Renderer) renderNamespace(userID string) *corev1.Namespace {
	return &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name: NamespaceName(userID),
			Labels: map[string]string{
				managedByLabel: managedByValue,
				roleLabel:      roleValue,
				"user-id":      userID,
			},
		},
	}
}

func (r *Renderer) renderQuota(userID string) *corev1.ResourceQuota {
	return &corev1.ResourceQuota{
		ObjectMeta: metav1.ObjectMeta{
			Name:      QuotaName(userID),
			Namespace: NamespaceName(userID),
			Labels:    map[string]string{managedByLabel: managedByValue},
		},
		Spec: corev1.ResourceQuotaSpec{
			Hard: corev1.ResourceList{
				corev1.ResourceLimitsCPU:    quotaCPU,
				corev1.ResourceLimitsMemory: quotaMem,
				corev1.ResourcePods:         quotaPods,
			},
		},
	}
}

func (r *Renderer) renderConfigMap(namespace, projectID string, labels map[string]string, env Env) *corev1.ConfigMap {
	return &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      ConfigMapName(projectID),
			Namespace: namespace,
			Labels:    labels,
		},
		Data: env.ConfigData,
	}
}

func (r *Renderer) renderSecret(namespace, projectID string, labels map[string]string, env Env) *corev1.Secret {
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      SecretName(projectID),
			Namespace: namespace,
			Labels:    labels,
		},
		Type: corev1.SecretTypeOpaque,
		Data: env.SecretData,
	}
}

func (r *Renderer) renderDeployment(namespace, name, projectID string, labels map[string]string, replicas int32) *appsv1.Deployment {
	podLabels := SelectorLabels(projectID)
	for k, v := range labels {
		podLabels[k] = v
	}

	container := corev1.Container{
		Name:  containerName,
		Image: r.cfg.AgentImage,
		Ports: []corev1.ContainerPort{
			{Name: "http", ContainerPort: int32(r.cfg.AgentPort), Protocol: corev1.ProtocolTCP},
		},
		EnvFrom: []corev1.EnvFromSource{
			{ConfigMapRef: &corev1.ConfigMapEnvSource{
				LocalObjectReference: corev1.LocalObjectReference{Name: ConfigMapName(projectID)},
			}},
			{SecretRef: &corev1.SecretEnvSource{
				LocalObjectReference: corev1.LocalObjectReference{Name: SecretName(projectID)},
			}},
		},
		ReadinessProbe: &corev1.Probe{
			ProbeHandler: corev1.ProbeHandler{
				HTTPGet: &corev1.HTTPGetAction{
					Path: r.cfg.AgentHealthPath,
					Port: intstr.FromInt32(int32(r.cfg.AgentPort)),
				},
			},
			InitialDelaySeconds: readinessInitialDelaySeconds,
			PeriodSeconds:       readinessPeriodSeconds,
		},
		LivenessProbe: &corev1.Probe{
			ProbeHandler: corev1.ProbeHandler{
				HTTPGet: &corev1.HTTPGetAction{
					Path: r.cfg.AgentHealthPath,
					Port: intstr.FromInt32(int32(r.cfg.AgentPort)),
				},
			},
			InitialDelaySeconds: livenessInitialDelaySeconds,
			PeriodSeconds:       livenessPeriodSeconds,
		},
		Resources: corev1.ResourceRequirements{
			Requests: corev1.ResourceList{
				corev1.ResourceCPU:    cpuRequest,
				corev1.ResourceMemory: memRequest,
			},
			Limits: corev1.ResourceList{
				corev1.ResourceCPU:    cpuLimit,
				corev1.ResourceMemory: memLimit,
			},
		},
		SecurityContext: &corev1.SecurityContext{
			AllowPrivilegeEscalation: ptr(false),
			Capabilities: &corev1.Capabilities{
				Drop: []corev1.Capability{"ALL"},
			},
		},
	}

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    podLabels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: ptr(replicas),
			Selector: &metav1.LabelSelector{MatchLabels: SelectorLabels(projectID)},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: podLabels,
				},
				Spec: corev1.PodSpec{
					SecurityContext: &corev1.PodSecurityContext{
						RunAsNonRoot: ptr(true),
						RunAsUser:    ptr(agentUID),
						RunAsGroup:   ptr(agentUID),
						FSGroup:      ptr(agentUID),
						SeccompProfile: &corev1.SeccompProfile{
							Type: corev1.SeccompProfileTypeRuntimeDefault,
						},
					},
					Containers: []corev1.Container{container},
				},
			},
		},
	}
}

func (r *Renderer) renderService(namespace, name, projectID string, labels map[string]string) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    labels,
		},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeClusterIP,
			Selector: SelectorLabels(projectID),
			Ports: []corev1.ServicePort{
				{
					Name:       "http",
					Port:       servicePort,
					TargetPort: intstr.FromInt32(int32(r.cfg.AgentPort)),
					Protocol:   corev1.ProtocolTCP,
				},
			},
		},
	}
}

func (r *Renderer) renderIngress(namespace, name, userID, projectID string, labels map[string]string) *networkingv1.Ingress {
	host := IngressHost(projectID, userID, r.cfg.BaseDomain)
	pathType := networkingv1.PathTypePrefix

	ingress := &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    labels,
		},
		Spec: networkingv1.IngressSpec{
			IngressClassName: ptr(r.cfg.IngressClassName),
			Rules: []networkingv1.IngressRule{
				{
					Host: host,
					IngressRuleValue: networkingv1.IngressRuleValue{
						HTTP: &networkingv1.HTTPIngressRuleValue{
							Paths: []networkingv1.HTTPIngressPath{
								{
									Path:     "/",
									PathType: &pathType,
									Backend: networkingv1.IngressBackend{
										Service: &networkingv1.IngressServiceBackend{
											Name: name,
											Port: networkingv1.ServiceBackendPort{Number: servicePort},
										},
									},
								},
							},
						},
					},
				},
			},
		},
	}
	if r.cfg.TLSSecretPattern != "" {
		// Pattern carries a single %s slot for the user id.
		ingress.Spec.TLS = []networkingv1.IngressTLS{
			{Hosts: []string{host}, SecretName: fmt.Sprintf(r.cfg.TLSSecretPattern, userID)},
		}
	}
	return ingress
}

func ptr[T any](v T) *T { return &v }
