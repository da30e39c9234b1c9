package orchestrator

import (
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	ctrlconfig "sigs.k8s.io/controller-runtime/pkg/client/config"

	"github.com/spacegoose/k8s-manager/pkg/apierror"
)

// ResolveRESTConfig walks the standard cascade: in-cluster service account,
// then KUBECONFIG, then ~/.kube/config.
func ResolveRESTConfig() (*rest.Config, error) {
	cfg, err := ctrlconfig.GetConfig()
	if err != nil {
		return nil, apierror.Wrap(apierror.KindOrchestrator, err, "resolving cluster configuration")
	}
	return cfg, nil
}

// NewClientset builds a typed clientset from a resolved config.
func NewClientset(cfg *rest.Config) (kubernetes.Interface, error) {
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, apierror.Wrap(apierror.KindOrchestrator, err, "creating cluster client")
	}
	return clientset, nil
}
