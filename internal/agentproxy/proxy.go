// Package agentproxy forwards chat traffic to the in-cluster agent API of an
// active project: synchronous sends, the SSE relay, session management and
// the agent health snapshot. The project's endpoint comes from the store;
// the proxy never talks to the cluster API.
package agentproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/tidwall/gjson"

	"github.com/spacegoose/k8s-manager/internal/metrics"
	"github.com/spacegoose/k8s-manager/internal/store"
	"github.com/spacegoose/k8s-manager/pkg/apierror"
	"github.com/spacegoose/k8s-manager/pkg/model"
)

const (
	apiBase = "/api/v1"

	sessionCreateTimeout = 10 * time.Second
	sessionDeleteTimeout = 10 * time.Second
	historyTimeout       = 30 * time.Second
	sendTimeout          = 120 * time.Second
	statusTimeout        = 5 * time.Second
)

// Proxy relays requests to project agents.
type Proxy struct {
	store      store.Store
	healthPath string
	metrics    *metrics.Metrics
	log        logr.Logger

	// client serves bounded calls; streamClient carries no overall timeout
	// since SSE relays are unbounded.
	client       *http.Client
	streamClient *http.Client
}

// New builds a proxy. healthPath is the agent's health endpoint, used by the
// status snapshot.
func New(st store.Store, healthPath string, m *metrics.Metrics, log logr.Logger) *Proxy {
	return &Proxy{
		store:        st,
		healthPath:   healthPath,
		metrics:      m,
		log:          log.WithName("agentproxy"),
		client:       &http.Client{},
		streamClient: &http.Client{},
	}
}

// activeProject loads the project and enforces the active-status guard every
// chat and session operation shares.
func (p *Proxy) activeProject(ctx context.Context, projectID string) (*model.Project, error) {
	project, err := p.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.Status != model.StatusActive {
		return nil, apierror.New(apierror.KindProjectNotActive, "project %q is %s", projectID, project.Status)
	}
	if project.Endpoint == "" {
		return nil, apierror.New(apierror.KindProjectNotActive, "project %q has no endpoint", projectID)
	}
	return project, nil
}

func agentURL(endpoint, path string) string {
	return "http://" + endpoint + apiBase + path
}

// CreateSession opens a session on the agent and stores its summary on the
// project.
func (p *Proxy) CreateSession(ctx context.Context, projectID, name string) (model.Session, error) {
	project, err := p.activeProject(ctx, projectID)
	if err != nil {
		return model.Session{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, sessionCreateTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, agentURL(project.Endpoint, "/sessions"), nil)
	if err != nil {
		return model.Session{}, apierror.Wrap(apierror.KindUpstream, err, "building session request")
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return model.Session{}, apierror.Wrap(apierror.KindUpstream, err, "connecting to agent for %q", projectID)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return model.Session{}, apierror.New(apierror.KindUpstream,
			"agent returned %d creating session: %s", resp.StatusCode, truncate(body, 256))
	}

	sessionID := gjson.GetBytes(body, "session_id").String()
	if sessionID == "" {
		return model.Session{}, apierror.New(apierror.KindUpstream, "agent response carries no session_id")
	}
	if name == "" {
		name = fmt.Sprintf("Session %d", len(project.Sessions)+1)
	}
	session := model.Session{
		SessionID: sessionID,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	if err := p.store.AddSession(ctx, projectID, session); err != nil {
		return model.Session{}, err
	}
	return session, nil
}

// ListSessions returns the stored session summaries.
func (p *Proxy) ListSessions(ctx context.Context, projectID string) ([]model.Session, error) {
	project, err := p.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return project.Sessions, nil
}

// DeleteSession removes the summary; when the project is active the agent
// side is deleted first, best effort.
func (p *Proxy) DeleteSession(ctx context.Context, projectID, sessionID string) error {
	project, err := p.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if _, ok := project.FindSession(sessionID); !ok {
		return apierror.New(apierror.KindNotFound, "session %q not found in project", sessionID)
	}

	if project.Status == model.StatusActive && project.Endpoint != "" {
		reqCtx, cancel := context.WithTimeout(ctx, sessionDeleteTimeout)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodDelete,
			agentURL(project.Endpoint, "/sessions/"+sessionID), nil)
		if err == nil {
			if resp, doErr := p.client.Do(req); doErr != nil {
				p.log.Info("agent-side session delete failed", "session", sessionID, "error", doErr.Error())
			} else {
				resp.Body.Close()
			}
		}
		cancel()
	}
	return p.store.RemoveSession(ctx, projectID, sessionID)
}

// SessionMessages proxies the agent's message history. An upstream 404 maps
// to an empty history rather than an error.
func (p *Proxy) SessionMessages(ctx context.Context, projectID, sessionID string) (json.RawMessage, error) {
	project, err := p.activeProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if _, ok := project.FindSession(sessionID); !ok {
		return nil, apierror.New(apierror.KindNotFound, "session %q not found in project", sessionID)
	}

	ctx, cancel := context.WithTimeout(ctx, historyTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		agentURL(project.Endpoint, "/sessions/"+sessionID+"/messages"), nil)
	if err != nil {
		return nil, apierror.Wrap(apierror.KindUpstream, err, "building history request")
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, apierror.Wrap(apierror.KindUpstream, err, "connecting to agent for %q", projectID)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return body, nil
	case http.StatusNotFound:
		empty, _ := json.Marshal(map[string]any{
			"session_id": sessionID, "messages": []any{}, "total_count": 0,
		})
		return empty, nil
	default:
		return nil, apierror.New(apierror.KindUpstream,
			"agent returned %d fetching history: %s", resp.StatusCode, truncate(body, 256))
	}
}

// SendMessage posts to the agent's synchronous endpoint and returns the full
// result. The stored message_count is bumped on success.
func (p *Proxy) SendMessage(ctx context.Context, projectID, sessionID, content string) (json.RawMessage, error) {
	project, err := p.activeProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if _, ok := project.FindSession(sessionID); !ok {
		return nil, apierror.New(apierror.KindNotFound, "session %q not found in project", sessionID)
	}

	payload, _ := json.Marshal(map[string]string{"message": content})
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		agentURL(project.Endpoint, "/sessions/"+sessionID+"/send"), bytes.NewReader(payload))
	if err != nil {
		return nil, apierror.Wrap(apierror.KindUpstream, err, "building send request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, apierror.Wrap(apierror.KindUpstream, err, "connecting to agent for %q", projectID)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		detail := gjson.GetBytes(body, "detail").String()
		if detail == "" {
			detail = gjson.GetBytes(body, "message").String()
		}
		if detail == "" {
			detail = truncate(body, 256)
		}
		return nil, apierror.New(apierror.KindUpstream, "agent returned %d: %s", resp.StatusCode, detail)
	}

	if err := p.store.IncrementSessionMessages(ctx, projectID, sessionID); err != nil {
		p.log.Error(err, "bumping message count failed", "project", projectID, "session", sessionID)
	}
	return body, nil
}

// AgentStatus reports the project status together with the agent's health
// snapshot when reachable. For errored projects the last readiness failure
// is included.
func (p *Proxy) AgentStatus(ctx context.Context, projectID string) (map[string]any, error) {
	project, err := p.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	status := map[string]any{
		"project_status": project.Status,
		"agent_reachable": false,
	}
	if project.LastError != "" {
		status["last_error"] = project.LastError
	}
	if project.Status != model.StatusActive || project.Endpoint == "" {
		return status, nil
	}

	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+project.Endpoint+p.healthPath, nil)
	if err != nil {
		return status, nil
	}
	resp, err := p.client.Do(req)
	if err != nil {
		status["agent_error"] = err.Error()
		return status, nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	status["agent_reachable"] = resp.StatusCode == http.StatusOK
	var snapshot map[string]any
	if json.Unmarshal(body, &snapshot) == nil {
		status["agent"] = snapshot
	}
	return status, nil
}

func truncate(b []byte, n int) string {
	s := string(bytes.TrimSpace(b))
	if len(s) > n {
		return s[:n]
	}
	return s
}
