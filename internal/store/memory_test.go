package store

import (
	"context"
	"testing"

	"github.com/spacegoose/k8s-manager/pkg/apierror"
	"github.com/spacegoose/k8s-manager/pkg/model"
)

func seedProject(t *testing.T, s *Memory) {
	t.Helper()
	err := s.CreateProject(context.Background(), &model.Project{
		ProjectID: "p1",
		UserID:    "u1",
		Name:      "demo",
		Status:    model.StatusInactive,
	})
	if err != nil {
		t.Fatalf("seeding project: %v", err)
	}
}

func TestMemoryUserRoundTrip(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	if _, err := s.GetUser(ctx, "u1"); !apierror.Is(err, apierror.KindNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}

	if err := s.UpsertUser(ctx, &model.User{UserID: "u1", Name: "Alice"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	u, err := s.GetUser(ctx, "u1")
	if err != nil || u.Name != "Alice" {
		t.Fatalf("get after upsert: %v, %+v", err, u)
	}
	if u.CreatedAt.IsZero() {
		t.Error("created_at not stamped")
	}

	// Upsert with the same id renames without resetting created_at.
	created := u.CreatedAt
	if err := s.UpsertUser(ctx, &model.User{UserID: "u1", Name: "Alicia"}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	u, _ = s.GetUser(ctx, "u1")
	if u.Name != "Alicia" || !u.CreatedAt.Equal(created) {
		t.Errorf("after rename: name=%q created=%v want created=%v", u.Name, u.CreatedAt, created)
	}

	if err := s.DeleteUser(ctx, "u1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteUser(ctx, "u1"); !apierror.Is(err, apierror.KindNotFound) {
		t.Errorf("second delete: expected NotFound, got %v", err)
	}
}

func TestMemoryUserCredentialFlags(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	if err := s.UpsertUser(ctx, &model.User{UserID: "u1", Name: "Alice"}); err != nil {
		t.Fatal(err)
	}

	if err := s.SetUserGithubKey(ctx, "u1", "ghp_1234********cdef", true); err != nil {
		t.Fatalf("set: %v", err)
	}
	u, _ := s.GetUser(ctx, "u1")
	if !u.GithubKeySet || u.GithubKeyMasked == "" {
		t.Errorf("flags after set: %+v", u)
	}

	// Clearing always drops the masked copy.
	if err := s.SetUserGithubKey(ctx, "u1", "leftover", false); err != nil {
		t.Fatalf("clear: %v", err)
	}
	u, _ = s.GetUser(ctx, "u1")
	if u.GithubKeySet || u.GithubKeyMasked != "" {
		t.Errorf("flags after clear: %+v", u)
	}
}

func TestMemoryProjectCRUD(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	seedProject(t, s)

	if err := s.CreateProject(ctx, &model.Project{ProjectID: "p1", UserID: "u1"}); !apierror.Is(err, apierror.KindConflict) {
		t.Errorf("duplicate create: expected Conflict, got %v", err)
	}

	err := s.UpdateProjectFields(ctx, "p1", map[string]any{
		"status":   model.StatusActive,
		"endpoint": "proj-p1-api.user-u1.svc.cluster.local:80",
	})
	if err != nil {
		t.Fatalf("update fields: %v", err)
	}
	p, _ := s.GetProject(ctx, "p1")
	if p.Status != model.StatusActive || p.Endpoint == "" {
		t.Errorf("after update: %+v", p)
	}

	if err := s.UpdateProjectFields(ctx, "p1", map[string]any{"bogus": 1}); !apierror.Is(err, apierror.KindInvalidArgument) {
		t.Errorf("unknown field: expected InvalidArgument, got %v", err)
	}

	if err := s.DeleteProject(ctx, "p1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetProject(ctx, "p1"); !apierror.Is(err, apierror.KindNotFound) {
		t.Errorf("get after delete: expected NotFound, got %v", err)
	}
}

func TestMemoryGetProjectReturnsCopy(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	seedProject(t, s)
	if err := s.SetSettings(ctx, "p1", map[string]string{"temperature": "0.5"}); err != nil {
		t.Fatal(err)
	}

	p, _ := s.GetProject(ctx, "p1")
	p.Settings["temperature"] = "tampered"
	p.Sessions = append(p.Sessions, model.Session{SessionID: "ghost"})

	fresh, _ := s.GetProject(ctx, "p1")
	if fresh.Settings["temperature"] != "0.5" {
		t.Errorf("settings leaked through the copy: %v", fresh.Settings)
	}
	if len(fresh.Sessions) != 0 {
		t.Errorf("sessions leaked through the copy: %v", fresh.Sessions)
	}
}

func TestMemorySessions(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	seedProject(t, s)

	if err := s.AddSession(ctx, "p1", model.Session{SessionID: "s1", Name: "first"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	// Re-adding the same id replaces, not duplicates.
	if err := s.AddSession(ctx, "p1", model.Session{SessionID: "s1", Name: "renamed"}); err != nil {
		t.Fatalf("re-add: %v", err)
	}
	p, _ := s.GetProject(ctx, "p1")
	if len(p.Sessions) != 1 || p.Sessions[0].Name != "renamed" {
		t.Fatalf("sessions = %+v", p.Sessions)
	}

	if err := s.IncrementSessionMessages(ctx, "p1", "s1"); err != nil {
		t.Fatalf("increment: %v", err)
	}
	p, _ = s.GetProject(ctx, "p1")
	if p.Sessions[0].MessageCount != 1 {
		t.Errorf("message count = %d", p.Sessions[0].MessageCount)
	}

	if err := s.RemoveSession(ctx, "p1", "s1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.RemoveSession(ctx, "p1", "s1"); !apierror.Is(err, apierror.KindNotFound) {
		t.Errorf("second remove: expected NotFound, got %v", err)
	}
}

func TestMemoryAddSessionKeepsPosition(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	seedProject(t, s)

	for _, id := range []string{"s1", "s2", "s3"} {
		if err := s.AddSession(ctx, "p1", model.Session{SessionID: id}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.AddSession(ctx, "p1", model.Session{SessionID: "s2", Name: "renamed"}); err != nil {
		t.Fatal(err)
	}

	p, _ := s.GetProject(ctx, "p1")
	var order []string
	for _, sess := range p.Sessions {
		order = append(order, sess.SessionID)
	}
	if len(order) != 3 || order[0] != "s1" || order[1] != "s2" || order[2] != "s3" {
		t.Fatalf("session order after re-add = %v", order)
	}
	if p.Sessions[1].Name != "renamed" {
		t.Errorf("re-add did not replace the session: %+v", p.Sessions[1])
	}
}

func TestMemoryUpsertExtensionKeepsPosition(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	seedProject(t, s)

	for _, name := range []string{"a", "b", "c"} {
		ext := model.Extension{Name: name, Kind: model.ExtensionBuiltin, Enabled: true}
		if err := s.UpsertExtension(ctx, "p1", ext); err != nil {
			t.Fatal(err)
		}
	}
	update := model.Extension{Name: "b", Kind: model.ExtensionStdio, Cmd: "b-mcp", Enabled: true}
	if err := s.UpsertExtension(ctx, "p1", update); err != nil {
		t.Fatal(err)
	}

	p, _ := s.GetProject(ctx, "p1")
	var order []string
	for _, e := range p.Extensions {
		order = append(order, e.Name)
	}
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("extension order after update = %v", order)
	}
	if p.Extensions[1].Kind != model.ExtensionStdio || p.Extensions[1].Cmd != "b-mcp" {
		t.Errorf("update did not replace the extension: %+v", p.Extensions[1])
	}
}

func TestMemoryExtensions(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	seedProject(t, s)

	ext := model.Extension{Name: "github", Kind: model.ExtensionStdio, Cmd: "gh-mcp", Enabled: true}
	if err := s.UpsertExtension(ctx, "p1", ext); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.SetExtensionEnabled(ctx, "p1", "github", false); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	p, _ := s.GetProject(ctx, "p1")
	if p.Extensions[0].Enabled {
		t.Error("extension still enabled after toggle")
	}
	if p.Extensions[0].Cmd != "gh-mcp" {
		t.Error("toggle dropped the payload")
	}

	if err := s.SetExtensionEnabled(ctx, "p1", "missing", true); !apierror.Is(err, apierror.KindNotFound) {
		t.Errorf("toggle missing: expected NotFound, got %v", err)
	}
	if err := s.RemoveExtension(ctx, "p1", "github"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.RemoveExtension(ctx, "p1", "github"); !apierror.Is(err, apierror.KindNotFound) {
		t.Errorf("second remove: expected NotFound, got %v", err)
	}
}

func TestMemorySettingsUnset(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	seedProject(t, s)

	if err := s.SetSettings(ctx, "p1", map[string]string{"temperature": "0.5", "debug": "true"}); err != nil {
		t.Fatal(err)
	}
	if err := s.UnsetSetting(ctx, "p1", "temperature"); err != nil {
		t.Fatal(err)
	}
	p, _ := s.GetProject(ctx, "p1")
	if _, ok := p.Settings["temperature"]; ok {
		t.Error("temperature still set after unset")
	}
	if p.Settings["debug"] != "true" {
		t.Error("unset removed an unrelated key")
	}
}

func TestMemoryListProjectsByUser(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	seedProject(t, s)
	if err := s.CreateProject(ctx, &model.Project{ProjectID: "p2", UserID: "u2"}); err != nil {
		t.Fatal(err)
	}

	mine, err := s.ListProjectsByUser(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(mine) != 1 || mine[0].ProjectID != "p1" {
		t.Errorf("projects for u1 = %+v", mine)
	}
}
