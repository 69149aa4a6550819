// Package webhook exposes an HTTP endpoint, routed with chi, that turns
// incoming requests into runloop Tasks delivered through a Source1.
package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dohr-michael/runloopd/internal/runloop"
)

// requestBody is the expected JSON shape of an inbound webhook call.
type requestBody struct {
	TaskType string `json:"task_type"`
	Payload  any    `json:"payload"`
}

// Source is a Source1 fed by one HTTP endpoint per registered route;
// unlike a polling Source0, it has no Perform — Handle only parses the
// envelope a handler already placed on the PortMessage.
type Source struct {
	id        string
	cancelled bool
}

// NewSource creates a webhook Source1 identified by id (also used as the
// mux path segment by Router).
func NewSource(id string) *Source {
	return &Source{id: id}
}

func (s *Source) ID() string            { return s.id }
func (s *Source) Modes() []runloop.Mode { return []runloop.Mode{runloop.ModeCommon} }
func (s *Source) IsValid() bool         { return !s.cancelled }
func (s *Source) Cancel()               { s.cancelled = true }

// Handle turns the decoded requestBody carried as msg.Payload into a Task.
func (s *Source) Handle(_ context.Context, msg runloop.PortMessage) ([]*runloop.Task, error) {
	body, ok := msg.Payload.(requestBody)
	if !ok {
		return nil, nil
	}
	task := runloop.NewTask(body.TaskType, body.Payload).WithSource(runloop.TaskSourceWebhook)
	return []*runloop.Task{task}, nil
}

// Router builds a chi.Router that accepts POST /<path> and forwards each
// request body into receiver. The caller mounts the returned router under
// its own prefix (e.g. r.Mount("/hooks", webhook.Router(...))).
//
// Router is a convenience wrapper around Route for the single-endpoint
// case. Callers wiring several named webhooks onto one mount point should
// use Route directly against a shared chi.Router instead, since chi
// rejects mounting more than one sub-router at the same pattern.
func Router(receiver *runloop.Source1Receiver, path string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	Route(r, receiver, path)
	return r
}

// Route registers a POST /<path> handler on an existing chi.Router that
// forwards each request body into receiver. Multiple calls against the
// same router (one per webhook name) can share a single Mount point.
func Route(r chi.Router, receiver *runloop.Source1Receiver, path string) {
	r.Post("/"+path, func(w http.ResponseWriter, req *http.Request) {
		defer req.Body.Close()

		data, err := io.ReadAll(io.LimitReader(req.Body, 1<<20))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}

		var body requestBody
		if err := json.Unmarshal(data, &body); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if body.TaskType == "" {
			http.Error(w, "task_type required", http.StatusBadRequest)
			return
		}

		if !receiver.Send(runloop.NewPortMessage(path, body)) {
			slog.Warn("webhook: receiver channel full, dropping request", "path", path)
			http.Error(w, "too many in-flight requests", http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"status":"accepted"}`))
	})
}
