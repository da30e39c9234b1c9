package agentproxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spacegoose/k8s-manager/pkg/apierror"
)

// StreamMessage relays the agent's SSE stream to w. Guards (project active,
// session known, upstream reachable) fail before any byte is written so the
// handler can still answer with a JSON error; once the relay starts, failures
// terminate the stream with an error event. A caller disconnect cancels ctx
// and tears the upstream connection down.
func (p *Proxy) StreamMessage(ctx context.Context, projectID, sessionID, content string, w http.ResponseWriter) error {
	project, err := p.activeProject(ctx, projectID)
	if err != nil {
		return err
	}
	if _, ok := project.FindSession(sessionID); !ok {
		return apierror.New(apierror.KindNotFound, "session %q not found in project", sessionID)
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		return apierror.New(apierror.KindUpstream, "response writer does not support streaming")
	}

	payload, _ := json.Marshal(map[string]string{"message": content})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		agentURL(project.Endpoint, "/sessions/"+sessionID+"/messages"), bytes.NewReader(payload))
	if err != nil {
		return apierror.Wrap(apierror.KindUpstream, err, "building stream request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := p.streamClient.Do(req)
	if err != nil {
		return apierror.Wrap(apierror.KindUpstream, err, "connecting to agent for %q", projectID)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return apierror.New(apierror.KindUpstream, "agent returned %d: %s", resp.StatusCode, truncate(body, 256))
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	p.metrics.ActiveStreams.Inc()
	defer p.metrics.ActiveStreams.Dec()

	if err := p.store.IncrementSessionMessages(ctx, projectID, sessionID); err != nil {
		p.log.Error(err, "bumping message count failed", "project", projectID, "session", sessionID)
	}

	// Relay line-by-line, flushing at every event boundary so downstream
	// buffers never coalesce events.
	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			if _, werr := w.Write(line); werr != nil {
				// Caller went away; the deferred body close tears down the
				// upstream connection.
				return nil
			}
			if isEventBoundary(line) {
				flusher.Flush()
				p.metrics.StreamEvents.Inc()
			}
		}
		if err == io.EOF {
			flusher.Flush()
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.writeErrorEvent(w, flusher, "upstream stream failed: "+err.Error())
			return nil
		}
	}
}

// isEventBoundary reports whether line is the blank line terminating an SSE
// event.
func isEventBoundary(line []byte) bool {
	trimmed := bytes.TrimRight(line, "\r\n")
	return len(trimmed) == 0
}

// writeErrorEvent emits the terminal error event the SSE contract requires
// when the upstream fails mid-stream.
func (p *Proxy) writeErrorEvent(w http.ResponseWriter, flusher http.Flusher, reason string) {
	data, _ := json.Marshal(map[string]string{"error": reason})
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
	flusher.Flush()
}
