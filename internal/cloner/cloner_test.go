package cloner

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/spacegoose/k8s-manager/internal/orchestrator"
	"github.com/spacegoose/k8s-manager/pkg/apierror"
	"github.com/spacegoose/k8s-manager/pkg/model"
)

// stubOrch implements only the orchestrator calls the cloner makes.
type stubOrch struct {
	orchestrator.Client
	secretData map[string][]byte
	secretErr  error

	execResult orchestrator.ExecResult
	execErr    error
	execArgv   []string
	execCalled bool
}

func (s *stubOrch) ReadSecret(context.Context, string, string) (map[string][]byte, error) {
	if s.secretErr != nil {
		return nil, s.secretErr
	}
	return s.secretData, nil
}

func (s *stubOrch) ExecInPod(_ context.Context, _, _ string, argv []string, _ string) (orchestrator.ExecResult, error) {
	s.execCalled = true
	s.execArgv = argv
	return s.execResult, s.execErr
}

func newTestCloner(orch *stubOrch) *Cloner {
	c := New(orch, "/workspace/repo", logr.Discard())
	c.lsRemote = func(context.Context, string, transport.AuthMethod) error { return nil }
	return c
}

func testProject() (*model.User, *model.Project) {
	return &model.User{UserID: "u1"},
		&model.Project{ProjectID: "p1", UserID: "u1", RepoURL: "https://github.com/acme/app.git", Status: model.StatusActive}
}

func TestCloneRunsScriptInPod(t *testing.T) {
	orch := &stubOrch{secretData: map[string][]byte{"GITHUB_TOKEN": []byte("ghp_secret")}}
	c := newTestCloner(orch)
	user, project := testProject()

	if err := c.Clone(context.Background(), user, project); err != nil {
		t.Fatalf("Clone: %v", err)
	}
	if !orch.execCalled {
		t.Fatal("expected an in-pod exec")
	}
	if len(orch.execArgv) != 3 || orch.execArgv[0] != "/bin/sh" {
		t.Fatalf("unexpected argv %v", orch.execArgv)
	}

	script := orch.execArgv[2]
	if !strings.Contains(script, "'/workspace/repo'") {
		t.Errorf("script missing workspace dir:\n%s", script)
	}
	if !strings.Contains(script, "'https://github.com/acme/app.git'") {
		t.Errorf("script missing repo url:\n%s", script)
	}
	// The clear token never appears in the command line.
	if strings.Contains(script, "ghp_secret") {
		t.Error("script contains the clear token")
	}
	if !strings.Contains(script, "${GITHUB_TOKEN}") {
		t.Error("script does not reference the token from the pod environment")
	}
}

func TestCloneNonZeroExitIsCloneFailed(t *testing.T) {
	orch := &stubOrch{execResult: orchestrator.ExecResult{ExitCode: 128, Stderr: "fatal: repository not found"}}
	c := newTestCloner(orch)
	user, project := testProject()

	err := c.Clone(context.Background(), user, project)
	if !apierror.Is(err, apierror.KindCloneFailed) {
		t.Fatalf("want CloneFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "repository not found") {
		t.Errorf("error should carry stderr, got %v", err)
	}
}

func TestClonePreflightFailureSkipsExec(t *testing.T) {
	orch := &stubOrch{}
	c := newTestCloner(orch)
	c.lsRemote = func(context.Context, string, transport.AuthMethod) error {
		return errors.New("authentication required")
	}
	user, project := testProject()

	err := c.Clone(context.Background(), user, project)
	if !apierror.Is(err, apierror.KindCloneFailed) {
		t.Fatalf("want CloneFailed, got %v", err)
	}
	if orch.execCalled {
		t.Error("preflight failure must not reach the pod")
	}
}

func TestClonePreflightUsesTokenAuth(t *testing.T) {
	orch := &stubOrch{secretData: map[string][]byte{"GITHUB_TOKEN": []byte("ghp_secret")}}
	c := newTestCloner(orch)
	var gotAuth transport.AuthMethod
	c.lsRemote = func(_ context.Context, _ string, auth transport.AuthMethod) error {
		gotAuth = auth
		return nil
	}
	user, project := testProject()

	if err := c.Clone(context.Background(), user, project); err != nil {
		t.Fatalf("Clone: %v", err)
	}
	basic, ok := gotAuth.(*githttp.BasicAuth)
	if !ok {
		t.Fatalf("want BasicAuth, got %T", gotAuth)
	}
	if basic.Password != "ghp_secret" {
		t.Errorf("auth password = %q", basic.Password)
	}
}

func TestCloneMissingSecretMeansAnonymous(t *testing.T) {
	orch := &stubOrch{secretErr: apierror.New(apierror.KindNotFound, "secret absent")}
	c := newTestCloner(orch)
	var gotAuth transport.AuthMethod = &githttp.BasicAuth{}
	c.lsRemote = func(_ context.Context, _ string, auth transport.AuthMethod) error {
		gotAuth = auth
		return nil
	}
	user, project := testProject()

	if err := c.Clone(context.Background(), user, project); err != nil {
		t.Fatalf("Clone: %v", err)
	}
	if gotAuth != nil {
		t.Errorf("want anonymous auth, got %T", gotAuth)
	}
}

func TestCloneRequiresRepoURL(t *testing.T) {
	c := newTestCloner(&stubOrch{})
	user, project := testProject()
	project.RepoURL = ""

	err := c.Clone(context.Background(), user, project)
	if !apierror.Is(err, apierror.KindInvalidArgument) {
		t.Fatalf("want InvalidArgument, got %v", err)
	}
}
