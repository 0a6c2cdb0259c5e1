package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"governor/internal/domain"
	"governor/internal/engine"
	engauth "governor/internal/engine/auth"
	"governor/internal/governance"
	"governor/internal/repo"
)

var writeErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

type body[T any] struct {
	Body T `json:"body"`
}

func ok[T any](v T) *body[T] { return &body[T]{Body: v} }

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*body[map[string]string], error) {
		return ok(map[string]string{"status": "ok"}), nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*body[WhoAmIResponse], error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return ok(WhoAmIResponse{
			ActorID:     p.ActorID,
			Roles:       nonNilSlice(p.Roles),
			Permissions: nonNilSlice(p.Permissions),
			Source:      p.Source,
		}), nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create scheduled task",
		Description:   "Tasks without cron_expression fire once at run_at (default now).",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*body[TaskResponse], error) {
		p, err := requirePermission(ctx, engauth.PermWrite)
		if err != nil {
			return nil, handleError(err)
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		payload, err := encodeObject(input.Body.Payload)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid payload", nil)
		}
		opts := engine.TaskCreateOptions{
			Name:           input.Body.Name,
			Channel:        input.Body.Channel,
			Command:        input.Body.Command,
			Payload:        payload,
			CronExpression: input.Body.CronExpression,
			Priority:       input.Body.Priority,
			ActorID:        p.ActorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.RunAt != nil {
			opts.RunAt = *input.Body.RunAt
		}
		if input.Body.Active != nil {
			opts.Inactive = !*input.Body.Active
		}
		t, err := e.CreateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(taskResponse(t)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List scheduled tasks",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ActiveOnly bool `query:"active"`
	}) (*body[[]TaskResponse], error) {
		if _, err := requirePermission(ctx, engauth.PermRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListTasks(ctx, input.ActiveOnly)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]TaskResponse, 0, len(items))
		for _, t := range items {
			out = append(out, taskResponse(t))
		}
		return ok(out), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get scheduled task",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*body[TaskResponse], error) {
		if _, err := requirePermission(ctx, engauth.PermRead); err != nil {
			return nil, handleError(err)
		}
		t, err := e.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(taskResponse(t)), nil
	})

	for _, action := range []struct {
		verb   string
		active bool
	}{{"activate", true}, {"deactivate", false}} {
		huma.Register(api, huma.Operation{
			OperationID: action.verb + "-task",
			Method:      http.MethodPost,
			Path:        "/tasks/{task_id}/" + action.verb,
			Summary:     "Set task " + action.verb + "d",
			Errors:      writeErrors,
		}, func(ctx context.Context, input *struct {
			TaskID string `path:"task_id"`
		}) (*body[TaskResponse], error) {
			p, err := requirePermission(ctx, engauth.PermWrite)
			if err != nil {
				return nil, handleError(err)
			}
			t, err := e.SetTaskActive(ctx, input.TaskID, action.active, p.ActorID)
			if err != nil {
				return nil, handleError(err)
			}
			return ok(taskResponse(t)), nil
		})
	}
}

func registerPlaybooks(api huma.API, e engine.Engine) {
	state := func(p domain.Playbook) string {
		return string(governance.StateAt(p, e.Now()))
	}

	huma.Register(api, huma.Operation{
		OperationID:   "create-playbook",
		Method:        http.MethodPost,
		Path:          "/playbooks",
		Summary:       "Create playbook",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreatePlaybookRequest `json:"body"`
	}) (*body[PlaybookResponse], error) {
		p, err := requirePermission(ctx, engauth.PermWrite)
		if err != nil {
			return nil, handleError(err)
		}
		trigger, err := encodeObject(input.Body.TriggerSpec)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid trigger_spec", nil)
		}
		steps := make([]domain.PlaybookStep, 0, len(input.Body.Steps))
		for _, s := range input.Body.Steps {
			payload, err := encodeObject(s.Payload)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid step payload", nil)
			}
			steps = append(steps, domain.PlaybookStep{Channel: s.Channel, Command: s.Command, Payload: payload, Priority: s.Priority})
		}
		opts := engine.PlaybookCreateOptions{
			Name:            input.Body.Name,
			Trigger:         trigger,
			Steps:           steps,
			CooldownSeconds: input.Body.CooldownSeconds,
			ActorID:         p.ActorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.Active != nil {
			opts.Inactive = !*input.Body.Active
		}
		pb, err := e.CreatePlaybook(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(playbookResponse(pb, state(pb))), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-playbooks",
		Method:      http.MethodGet,
		Path:        "/playbooks",
		Summary:     "List playbooks",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ActiveOnly bool `query:"active"`
	}) (*body[[]PlaybookResponse], error) {
		if _, err := requirePermission(ctx, engauth.PermRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListPlaybooks(ctx, input.ActiveOnly)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]PlaybookResponse, 0, len(items))
		for _, p := range items {
			out = append(out, playbookResponse(p, state(p)))
		}
		return ok(out), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-playbook",
		Method:      http.MethodGet,
		Path:        "/playbooks/{playbook_id}",
		Summary:     "Get playbook",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PlaybookID string `path:"playbook_id"`
	}) (*body[PlaybookResponse], error) {
		if _, err := requirePermission(ctx, engauth.PermRead); err != nil {
			return nil, handleError(err)
		}
		p, err := e.Repo.GetPlaybook(ctx, input.PlaybookID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(playbookResponse(p, state(p))), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "toggle-playbook",
		Method:      http.MethodPost,
		Path:        "/playbooks/{playbook_id}/toggle",
		Summary:     "Enable or disable a playbook",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		PlaybookID string                `path:"playbook_id"`
		Body       TogglePlaybookRequest `json:"body"`
	}) (*body[PlaybookResponse], error) {
		p, err := requirePermission(ctx, engauth.PermWrite)
		if err != nil {
			return nil, handleError(err)
		}
		pb, err := e.TogglePlaybook(ctx, input.PlaybookID, input.Body.Active, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(playbookResponse(pb, state(pb))), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "test-playbook",
		Method:      http.MethodPost,
		Path:        "/playbooks/{playbook_id}/test",
		Summary:     "Evaluate a playbook trigger without firing it",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PlaybookID string `path:"playbook_id"`
	}) (*body[TriggerResultResponse], error) {
		if _, err := requirePermission(ctx, engauth.PermRead); err != nil {
			return nil, handleError(err)
		}
		res, err := e.TestPlaybookTrigger(ctx, input.PlaybookID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "test-trigger",
		Method:      http.MethodPost,
		Path:        "/playbooks/test-trigger",
		Summary:     "Evaluate an ad-hoc trigger spec",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body TestTriggerRequest `json:"body"`
	}) (*body[TriggerResultResponse], error) {
		if _, err := requirePermission(ctx, engauth.PermRead); err != nil {
			return nil, handleError(err)
		}
		raw, err := encodeObject(input.Body.TriggerSpec)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid trigger_spec", nil)
		}
		res, err := e.TestTrigger(ctx, raw)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(res), nil
	})
}

func registerCommands(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-commands",
		Method:      http.MethodGet,
		Path:        "/commands",
		Summary:     "List outbox commands in insertion order",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status" enum:"queued,dispatched,failed"`
		Channel  string `query:"channel" doc:"comma separated"`
		IssuedBy string `query:"issued_by"`
		AfterID  int64  `query:"after_id"`
		Limit    int    `query:"limit" default:"50"`
	}) (*body[[]CommandResponse], error) {
		if _, err := requirePermission(ctx, engauth.PermRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListCommands(ctx, repo.CommandFilter{
			Status:   input.Status,
			Channels: splitList(input.Channel),
			IssuedBy: input.IssuedBy,
			AfterID:  input.AfterID,
			Limit:    normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]CommandResponse, 0, len(items))
		for _, c := range items {
			out = append(out, commandResponse(c))
		}
		return ok(out), nil
	})
}

func registerKPIs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-kpis",
		Method:      http.MethodGet,
		Path:        "/kpis",
		Summary:     "Recent daily learning KPIs, newest first",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"5"`
	}) (*body[[]KPIResponse], error) {
		if _, err := requirePermission(ctx, engauth.PermRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.RecentKPIs(ctx, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]KPIResponse, 0, len(items))
		for _, k := range items {
			out = append(out, kpiResponse(k))
		}
		return ok(out), nil
	})
}

func registerMetrics(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "record-drawdown",
		Method:        http.MethodPost,
		Path:          "/metrics/drawdown",
		Summary:       "Record a portfolio drawdown reading",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body DrawdownRequest `json:"body"`
	}) (*body[PortfolioResponse], error) {
		if _, err := requirePermission(ctx, engauth.PermWrite); err != nil {
			return nil, handleError(err)
		}
		reading := domain.PortfolioReading{
			GlobalDrawdownPct: input.Body.GlobalDrawdownPct,
			PnL1h:             input.Body.PnL1h,
			PnL24h:            input.Body.PnL24h,
		}
		if input.Body.AsOf != nil {
			reading.AsOf = *input.Body.AsOf
		}
		saved, err := e.RecordDrawdown(ctx, reading)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(saved), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "latest-drawdown",
		Method:      http.MethodGet,
		Path:        "/metrics/drawdown",
		Summary:     "Latest portfolio reading",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*body[PortfolioResponse], error) {
		if _, err := requirePermission(ctx, engauth.PermRead); err != nil {
			return nil, handleError(err)
		}
		latest, err := e.Repo.LatestPortfolio(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if latest == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "no portfolio reading recorded", nil)
		}
		return ok(*latest), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-agent-errors",
		Method:      http.MethodPost,
		Path:        "/metrics/agent-errors",
		Summary:     "Set an agent's rolling one-hour error count",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		Body AgentErrorsRequest `json:"body"`
	}) (*body[AgentErrorsResponse], error) {
		if _, err := requirePermission(ctx, engauth.PermWrite); err != nil {
			return nil, handleError(err)
		}
		saved, err := e.RecordAgentErrors(ctx, input.Body.Agent, input.Body.ErrorCount1h)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(saved), nil
	})
}

func registerGovernance(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "governance-tick",
		Method:      http.MethodPost,
		Path:        "/governance/tick",
		Summary:     "Run one governance tick now",
		Description: "Phase failures are reported as status=degraded; the tick itself still completes.",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*body[TickResponse], error) {
		p, err := requirePermission(ctx, engauth.PermWrite)
		if err != nil {
			return nil, handleError(err)
		}
		ctx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		if err := e.RunTick(ctx, p.ActorID); err != nil {
			return ok(TickResponse{Status: "degraded", Error: err.Error()}), nil
		}
		return ok(TickResponse{Status: "ok"}), nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"task,playbook,api_key,governance"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*body[[]EventResponse], error) {
		if _, err := requirePermission(ctx, engauth.PermRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.LatestEvents(ctx, normalizeLimit(input.Limit), input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]EventResponse, 0, len(items))
		for _, evt := range items {
			out = append(out, eventResponse(evt))
		}
		return ok(out), nil
	})
}
