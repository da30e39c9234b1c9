package render

import "fmt"

// The renderer is the single naming authority for cluster objects. Every
// other component computes names through these helpers; nothing else
// concatenates name strings.

// NamespaceName is the per-user namespace shared by all of a user's projects.
func NamespaceName(userID string) string {
	return "user-" + userID
}

// QuotaName is the ResourceQuota applied to the user namespace.
func QuotaName(userID string) string {
	return "user-" + userID + "-quota"
}

// ConfigMapName holds the project's non-secret environment.
func ConfigMapName(projectID string) string {
	return "proj-" + projectID + "-env"
}

// SecretName holds the project's resolved credentials.
func SecretName(projectID string) string {
	return "proj-" + projectID + "-secrets"
}

// WorkloadName is shared by the deployment, the service and the ingress.
func WorkloadName(projectID string) string {
	return "proj-" + projectID + "-api"
}

// SelectorLabels is the pod label selector for a project's workload.
func SelectorLabels(projectID string) map[string]string {
	return map[string]string{"app": WorkloadName(projectID)}
}

// UserGithubSecretName is the user-scoped secret holding the clear global
// git token, shared across the user's projects.
func UserGithubSecretName(userID string) string {
	return "user-" + userID + "-github-key"
}

// UserAPIKeySecretName is the user-scoped secret holding the clear
// workspace API key.
func UserAPIKeySecretName(userID string) string {
	return "user-" + userID + "-api-key"
}

// IngressHost maps a project onto its external hostname.
func IngressHost(projectID, userID, baseDomain string) string {
	return fmt.Sprintf("%s-%s.%s", projectID, userID, baseDomain)
}
