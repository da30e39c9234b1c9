// Package cloner runs the in-pod repository clone. It preflights the remote
// with an ls-remote call so bad URLs and tokens fail fast, then executes a
// shell script inside the agent pod that clones fresh or fast-forwards an
// existing checkout. The token reaches git through the pod environment, never
// through argv.
package cloner

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-git/go-git/v5/plumbing/transport"
	transportclient "github.com/go-git/go-git/v5/plumbing/transport/client"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/spacegoose/k8s-manager/internal/orchestrator"
	"github.com/spacegoose/k8s-manager/internal/render"
	"github.com/spacegoose/k8s-manager/pkg/apierror"
	"github.com/spacegoose/k8s-manager/pkg/model"
)

const tokenEnvVar = "GITHUB_TOKEN"

// Cloner clones a project's repository into its running pod.
type Cloner struct {
	orch         orchestrator.Client
	workspaceDir string
	log          logr.Logger

	// lsRemote is the preflight; replaced in tests.
	lsRemote func(ctx context.Context, repoURL string, auth transport.AuthMethod) error
}

// New builds a Cloner that clones into workspaceDir inside the pod.
func New(orch orchestrator.Client, workspaceDir string, log logr.Logger) *Cloner {
	return &Cloner{
		orch:         orch,
		workspaceDir: workspaceDir,
		log:          log.WithName("cloner"),
		lsRemote:     lsRemote,
	}
}

// Clone validates the remote and runs the in-pod clone script. Failures are
// classified CloneFailed so the engine records them without failing the
// activation.
func (c *Cloner) Clone(ctx context.Context, user *model.User, project *model.Project) error {
	if project.RepoURL == "" {
		return apierror.New(apierror.KindInvalidArgument, "project %q has no repository configured", project.ProjectID)
	}

	namespace := render.NamespaceName(user.UserID)
	token, err := c.readToken(ctx, namespace, project.ProjectID)
	if err != nil {
		return err
	}

	var auth transport.AuthMethod
	if token != "" {
		auth = &githttp.BasicAuth{Username: "x-access-token", Password: token}
	}
	if err := c.lsRemote(ctx, project.RepoURL, auth); err != nil {
		return apierror.Wrap(apierror.KindCloneFailed, err, "repository %s is not reachable", project.RepoURL)
	}

	script := buildCloneScript(c.workspaceDir, project.RepoURL)
	selector := "app=" + render.WorkloadName(project.ProjectID)
	result, err := c.orch.ExecInPod(ctx, namespace, selector, []string{"/bin/sh", "-c", script}, "")
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		c.log.Info("clone script failed",
			"project", project.ProjectID, "exitCode", result.ExitCode, "stderr", tail(result.Stderr, 512))
		return apierror.New(apierror.KindCloneFailed,
			"clone exited with status %d: %s", result.ExitCode, tail(result.Stderr, 256))
	}
	c.log.Info("repository cloned", "project", project.ProjectID, "repo", project.RepoURL)
	return nil
}

func (c *Cloner) readToken(ctx context.Context, namespace, projectID string) (string, error) {
	data, err := c.orch.ReadSecret(ctx, namespace, render.SecretName(projectID))
	if apierror.Is(err, apierror.KindNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data[tokenEnvVar]), nil
}

// buildCloneScript produces the shell run inside the pod. The token is
// expanded by the pod's shell from its own environment; the script text
// never contains it. An existing checkout of the same remote fast-forwards,
// anything else is wiped and cloned fresh.
func buildCloneScript(workspaceDir, repoURL string) string {
	return fmt.Sprintf(`set -e
WORKDIR=%s
REPO_URL=%s
if [ -n "${GITHUB_TOKEN}" ]; then
  AUTH_URL=$(printf '%%s' "${REPO_URL}" | sed "s#^https://#https://x-access-token:${GITHUB_TOKEN}@#")
else
  AUTH_URL="${REPO_URL}"
fi
mkdir -p "$(dirname "${WORKDIR}")"
CURRENT=""
if [ -d "${WORKDIR}/.git" ]; then
  CURRENT=$(git -C "${WORKDIR}" remote get-url origin 2>/dev/null | sed 's#https://[^@]*@#https://#')
fi
if [ "${CURRENT}" = "${REPO_URL}" ]; then
  git -C "${WORKDIR}" remote set-url origin "${AUTH_URL}"
  git -C "${WORKDIR}" fetch origin
  git -C "${WORKDIR}" merge --ff-only FETCH_HEAD
  git -C "${WORKDIR}" remote set-url origin "${REPO_URL}"
else
  rm -rf "${WORKDIR}"
  git clone "${AUTH_URL}" "${WORKDIR}"
  git -C "${WORKDIR}" remote set-url origin "${REPO_URL}"
fi
`, shellQuote(workspaceDir), shellQuote(repoURL))
}

// shellQuote single-quotes s for safe interpolation into the script.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// lsRemote opens an upload-pack session against the remote and fetches its
// advertised refs. Reachability and credentials are verified without
// transferring objects.
func lsRemote(ctx context.Context, repoURL string, auth transport.AuthMethod) error {
	ep, err := transport.NewEndpoint(repoURL)
	if err != nil {
		return fmt.Errorf("parsing endpoint %s: %w", repoURL, err)
	}
	cli, err := transportclient.NewClient(ep)
	if err != nil {
		return fmt.Errorf("creating transport for %s: %w", repoURL, err)
	}
	sess, err := cli.NewUploadPackSession(ep, auth)
	if err != nil {
		return fmt.Errorf("opening session for %s: %w", repoURL, err)
	}
	defer func() { _ = sess.Close() }()

	if _, err := sess.AdvertisedReferencesContext(ctx); err != nil {
		return fmt.Errorf("ls-remote %s: %w", repoURL, err)
	}
	return nil
}
