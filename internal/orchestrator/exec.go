package orchestrator

import (
	"bytes"
	"context"
	"errors"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/remotecommand"
	utilexec "k8s.io/client-go/util/exec"

	"github.com/spacegoose/k8s-manager/pkg/apierror"
)

// ExecInPod runs argv inside the first running pod matching the selector and
// captures its output. A non-zero exit status is returned in the result, not
// as an error; errors are reserved for transport failures.
func (c *KubeClient) ExecInPod(ctx context.Context, namespace, selector string, argv []string, stdin string) (ExecResult, error) {
	if c.restConfig == nil {
		return ExecResult{}, apierror.New(apierror.KindOrchestrator, "exec transport not configured")
	}

	podName, err := c.findRunningPod(ctx, namespace, selector)
	if err != nil {
		return ExecResult{}, err
	}

	req := c.clientset.CoreV1().RESTClient().
		Post().
		Resource("pods").
		Name(podName).
		Namespace(namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Command: argv,
			Stdin:   stdin != "",
			Stdout:  true,
			Stderr:  true,
		}, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(c.restConfig, "POST", req.URL())
	if err != nil {
		return ExecResult{}, orchErr(err, "creating exec transport for pod %s/%s", namespace, podName)
	}

	var stdout, stderr bytes.Buffer
	opts := remotecommand.StreamOptions{Stdout: &stdout, Stderr: &stderr}
	if stdin != "" {
		opts.Stdin = bytes.NewBufferString(stdin)
	}

	err = executor.StreamWithContext(ctx, opts)
	result := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr utilexec.CodeExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.Code
			return result, nil
		}
		if ctx.Err() != nil {
			return result, apierror.Wrap(apierror.KindCancelled, ctx.Err(), "exec in pod %s/%s", namespace, podName)
		}
		return result, orchErr(err, "streaming exec in pod %s/%s", namespace, podName)
	}
	return result, nil
}

func (c *KubeClient) findRunningPod(ctx context.Context, namespace, selector string) (string, error) {
	pods, err := c.clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return "", orchErr(err, "listing pods for selector %q in %s", selector, namespace)
	}
	for _, pod := range pods.Items {
		if pod.Status.Phase == corev1.PodRunning {
			return pod.Name, nil
		}
	}
	return "", apierror.New(apierror.KindNotFound, "no running pod for selector %q in %s", selector, namespace)
}
