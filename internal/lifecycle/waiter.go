package lifecycle

import (
	"context"
	"fmt"
	"net/http"
	"time"

	corev1 "k8s.io/api/core/v1"

	"github.com/spacegoose/k8s-manager/internal/render"
	"github.com/spacegoose/k8s-manager/pkg/apierror"
)

const healthProbeTimeout = 5 * time.Second

// waitReady blocks until a pod matching the project's selector is Running
// and Ready and the agent answers 200 on its health endpoint through the
// service, or until the readiness budget elapses.
func (e *Engine) waitReady(ctx context.Context, namespace, projectID, endpoint string) error {
	selector := "app=" + render.WorkloadName(projectID)
	healthURL := "http://" + endpoint + e.cfg.AgentHealthPath
	deadline := time.Now().Add(e.cfg.ReadinessTimeout)
	lastFailure := "no pods observed"

	for {
		statuses, err := e.orch.GetPodStatus(ctx, namespace, selector)
		if err != nil {
			lastFailure = err.Error()
		} else {
			podReady := false
			for _, st := range statuses {
				if st.Phase == corev1.PodRunning && st.Ready {
					podReady = true
					break
				}
			}
			switch {
			case len(statuses) == 0:
				lastFailure = "no pods scheduled yet"
			case !podReady:
				lastFailure = fmt.Sprintf("pod %s phase=%s ready=false", statuses[0].Name, statuses[0].Phase)
			default:
				probeErr := e.probe(ctx, healthURL)
				if probeErr == nil {
					return nil
				}
				lastFailure = "health probe: " + probeErr.Error()
			}
		}

		if time.Now().After(deadline) {
			return apierror.New(apierror.KindReadinessTimeout,
				"project %q not ready after %s: %s", projectID, e.cfg.ReadinessTimeout, lastFailure)
		}
		select {
		case <-ctx.Done():
			return apierror.Wrap(apierror.KindCancelled, ctx.Err(), "readiness wait for %q", projectID)
		case <-time.After(e.cfg.ReadinessPoll):
		}
	}
}

// waitForTermination polls until no pods remain for the project or the
// context expires. Best effort; a leftover terminating pod is tolerated.
func (e *Engine) waitForTermination(ctx context.Context, namespace, projectID string) {
	selector := "app=" + render.WorkloadName(projectID)
	for {
		statuses, err := e.orch.GetPodStatus(ctx, namespace, selector)
		if err == nil && len(statuses) == 0 {
			return
		}
		select {
		case <-ctx.Done():
			e.log.Info("pod termination wait expired", "project", projectID)
			return
		case <-time.After(e.cfg.ReadinessPoll):
		}
	}
}

// httpProbe is the production health check used by the readiness waiter.
func httpProbe(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}
	return nil
}
