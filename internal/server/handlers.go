package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/steward/internal/agent"
	"github.com/haasonsaas/steward/internal/scheduler"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// limitRequests throttles the API per token subject when a limiter is
// configured.
func (s *Server) limitRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := "admin:" + subjectFrom(r.Context())
		if !s.limiter.Allow(key) {
			s.metrics.RateLimitedTotal.WithLabelValues("admin").Inc()
			retry := s.limiter.WaitTime(key)
			w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())+1))
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// approvalView annotates a pending approval with its derived state.
type approvalView struct {
	*agent.PendingApproval
	State string `json:"state"`
}

func (s *Server) handleApprovalsList(w http.ResponseWriter, _ *http.Request) {
	pending := s.gate.Pending()
	now := time.Now()

	views := make([]approvalView, 0, len(pending))
	for _, p := range pending {
		views = append(views, approvalView{PendingApproval: p, State: p.State(now)})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"approvals": views,
		"count":     len(views),
	})
}

func (s *Server) handleApprovalApprove(w http.ResponseWriter, r *http.Request) {
	s.decideApproval(w, r, true)
}

func (s *Server) handleApprovalDeny(w http.ResponseWriter, r *http.Request) {
	s.decideApproval(w, r, false)
}

func (s *Server) decideApproval(w http.ResponseWriter, r *http.Request, approve bool) {
	id := r.PathValue("id")

	var ok bool
	state := "denied"
	if approve {
		ok = s.gate.Approve(id)
		state = "approved"
	} else {
		ok = s.gate.Deny(id)
	}
	if !ok {
		writeError(w, http.StatusNotFound, "approval not found or already decided")
		return
	}

	s.logger.Info("approval decided", "id", id, "state", state)
	s.hub.Publish("approval."+state, map[string]string{"id": id})
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "state": state})
}

func (s *Server) handleTasksList(w http.ResponseWriter, _ *http.Request) {
	tasks := s.sched.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks": tasks,
		"count": len(tasks),
	})
}

// createTaskRequest is the POST /v1/tasks body after schema validation.
type createTaskRequest struct {
	Kind        string                  `json:"kind"`
	Name        string                  `json:"name"`
	Prompt      string                  `json:"prompt"`
	CronExpr    string                  `json:"cron_expr"`
	ScheduledAt string                  `json:"scheduled_at"`
	UserKey     string                  `json:"user_key"`
	Hour        *int                    `json:"hour"`
	Minute      int                     `json:"minute"`
	Window      *scheduler.ActiveWindow `json:"active_window"`
}

func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	if err := validateTaskCreate(body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req createTaskRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed task body")
		return
	}

	task, err := s.buildTask(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Window != nil {
		task.ActiveWindow = req.Window
	}

	if err := s.sched.Add(task); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	added, _ := s.sched.Get(task.ID)
	if added == nil {
		added = task
	}
	s.logger.Info("task created", "id", added.ID, "kind", added.Kind, "name", added.Name)
	s.hub.Publish("task.created", map[string]any{"id": added.ID, "kind": added.Kind, "name": added.Name})
	writeJSON(w, http.StatusCreated, map[string]any{"task": added})
}

// buildTask maps a validated request onto a scheduler constructor. The
// schema checks shapes; cross-field requirements are enforced here.
func (s *Server) buildTask(req createTaskRequest) (*scheduler.ScheduledTask, error) {
	prompt := strings.TrimSpace(req.Prompt)

	switch req.Kind {
	case "cron":
		if req.Name == "" {
			return nil, errors.New("name is required for cron tasks")
		}
		if prompt == "" {
			return nil, errors.New("prompt is required for cron tasks")
		}
		if req.CronExpr == "" {
			return nil, errors.New("cron_expr is required for cron tasks")
		}
		return scheduler.NewCronTask(req.UserKey, req.Name, prompt, req.CronExpr), nil

	case "one_shot":
		if prompt == "" {
			return nil, errors.New("prompt is required for one-shot tasks")
		}
		at, err := parseScheduledAt(req.ScheduledAt)
		if err != nil {
			return nil, err
		}
		name := req.Name
		if name == "" {
			name = "One-shot task"
		}
		return scheduler.NewOneShot(req.UserKey, name, prompt, at), nil

	case "reminder":
		if prompt == "" {
			return nil, errors.New("prompt is required for reminders")
		}
		at, err := parseScheduledAt(req.ScheduledAt)
		if err != nil {
			return nil, err
		}
		return scheduler.NewReminder(req.UserKey, prompt, at), nil

	case "daily_briefing":
		hour := 8
		if req.Hour != nil {
			hour = *req.Hour
		}
		task := scheduler.NewDailyBriefing(req.UserKey, hour, req.Minute)
		if prompt != "" {
			task.PromptText = prompt
		}
		return task, nil

	default:
		return nil, fmt.Errorf("unknown task kind: %q", req.Kind)
	}
}

func parseScheduledAt(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, errors.New("scheduled_at is required")
	}
	at, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errors.New("scheduled_at must be RFC 3339")
	}
	return at, nil
}

func (s *Server) handleTaskDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.sched.Remove(id) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	s.logger.Info("task removed", "id", id)
	s.hub.Publish("task.removed", map[string]string{"id": id})
	writeJSON(w, http.StatusOK, map[string]string{"removed": id})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":            "ok",
		"version":           s.version,
		"uptime_seconds":    int64(time.Since(s.started).Seconds()),
		"pending_approvals": len(s.gate.Pending()),
		"scheduled_tasks":   len(s.sched.List()),
		"event_subscribers": s.hub.subscriberCount(),
	}
	if s.sessions != nil {
		if stats, err := s.sessions.Stats(r.Context()); err == nil {
			status["sessions"] = stats
		}
	}
	writeJSON(w, http.StatusOK, status)
}
