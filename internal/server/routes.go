package server

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strconv"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shopspring/decimal"

	"github.com/KayMas2808/RuralLend/internal/app"
	"github.com/KayMas2808/RuralLend/internal/apperr"
	"github.com/KayMas2808/RuralLend/internal/domain"
	"github.com/KayMas2808/RuralLend/internal/engine"
	"github.com/KayMas2808/RuralLend/internal/loans"
	"github.com/KayMas2808/RuralLend/internal/queue"
	"github.com/KayMas2808/RuralLend/internal/repo"
)

type flowBody struct {
	Body engine.Snapshot `json:"body"`
}

type queueBody struct {
	Body []queue.EntryStatus `json:"body"`
}

type artifactPath struct {
	ArtifactID string `path:"artifact_id"`
}

func registerFlow(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-flow",
		Method:      http.MethodGet,
		Path:        "/flow",
		Summary:     "Current flow snapshot",
	}, func(ctx context.Context, _ *struct{}) (*flowBody, error) {
		return &flowBody{Body: e.Snapshot()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "send-flow-event",
		Method:      http.MethodPost,
		Path:        "/flow/events",
		Summary:     "Dispatch a user event",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body FlowEventRequest `json:"body"`
	}) (*flowBody, error) {
		ev := input.Body.event()
		if !slices.Contains(engine.UserEvents, ev.Type) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown event type %q", ev.Type), nil)
		}
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ev.Actor = actor
		snap, err := e.Dispatch(ctx, ev)
		if err != nil {
			return nil, handleError(err)
		}
		return &flowBody{Body: snap}, nil
	})
}

func registerQueue(api huma.API, rt *app.Runtime) {
	huma.Register(api, huma.Operation{
		OperationID: "get-queue",
		Method:      http.MethodGet,
		Path:        "/queue",
		Summary:     "Upload queue status in queue order",
	}, func(ctx context.Context, _ *struct{}) (*queueBody, error) {
		items := []queue.EntryStatus{}
		for st := range rt.Queue.Status() {
			items = append(items, st)
		}
		return &queueBody{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-upload",
		Method:      http.MethodPost,
		Path:        "/queue/{artifact_id}/retry",
		Summary:     "Requeue a failed upload",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *artifactPath) (*queueBody, error) {
		if err := rt.Queue.Retry(ctx, input.ArtifactID); err != nil {
			return nil, handleError(err)
		}
		return queueSnapshot(ctx, rt.Queue)
	})

	huma.Register(api, huma.Operation{
		OperationID: "skip-upload",
		Method:      http.MethodPost,
		Path:        "/queue/{artifact_id}/skip",
		Summary:     "Move a failed upload behind the rest of the queue",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *artifactPath) (*queueBody, error) {
		if err := rt.Queue.Skip(ctx, input.ArtifactID); err != nil {
			return nil, handleError(err)
		}
		return queueSnapshot(ctx, rt.Queue)
	})
}

func queueSnapshot(ctx context.Context, q *queue.Queue) (*queueBody, error) {
	items, err := q.Snapshot(ctx)
	if err != nil {
		return nil, handleError(err)
	}
	if items == nil {
		items = []queue.EntryStatus{}
	}
	return &queueBody{Body: items}, nil
}

func registerPreferences(api huma.API, rt *app.Runtime) {
	type prefsBody struct {
		Body domain.Preferences `json:"body"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-preferences",
		Method:      http.MethodGet,
		Path:        "/preferences",
		Summary:     "Upload preferences",
	}, func(ctx context.Context, _ *struct{}) (*prefsBody, error) {
		p, err := rt.Queue.Preferences(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &prefsBody{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-preferences",
		Method:      http.MethodPut,
		Path:        "/preferences",
		Summary:     "Change upload preferences",
	}, func(ctx context.Context, input *struct {
		Body PreferencesRequest `json:"body"`
	}) (*prefsBody, error) {
		if err := rt.Queue.SetTrustedNetworkOnly(ctx, input.Body.TrustedNetworkOnly); err != nil {
			return nil, handleError(err)
		}
		p, err := rt.Queue.Preferences(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &prefsBody{Body: p}, nil
	})
}

func registerLoans(api huma.API, rt *app.Runtime) {
	type loanPath struct {
		LoanID string `path:"loan_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-loans",
		Method:      http.MethodGet,
		Path:        "/loans",
		Summary:     "List disbursed loans",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []loans.Account `json:"body"`
	}, error) {
		items, err := rt.Loans.List(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []loans.Account `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-loan",
		Method:      http.MethodGet,
		Path:        "/loans/{loan_id}",
		Summary:     "Get a loan with its repayments",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *loanPath) (*struct {
		Body loans.Account `json:"body"`
	}, error) {
		acct, err := rt.Loans.Get(ctx, input.LoanID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body loans.Account `json:"body"`
		}{Body: acct}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-repayment",
		Method:        http.MethodPost,
		Path:          "/loans/{loan_id}/repayments",
		Summary:       "Record a repayment",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		LoanID string           `path:"loan_id"`
		Body   RepaymentRequest `json:"body"`
	}) (*struct {
		Body RepaymentResponse `json:"body"`
	}, error) {
		amount, err := decimal.NewFromString(input.Body.Amount)
		if err != nil {
			return nil, handleError(apperr.NewValidation("amount", apperr.CodeInvalidFormat, "amount %q is not a number", input.Body.Amount))
		}
		loan, pay, err := rt.Loans.RecordRepayment(ctx, input.LoanID, amount, input.Body.Method)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RepaymentResponse `json:"body"`
		}{Body: RepaymentResponse{Loan: loan, Repayment: pay, Summary: loans.Summarize(loan, rt.Loans.Clock.Now())}}, nil
	})
}

func registerEvents(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		RecordID   string `query:"record_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"flow,artifact,loan"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := r.LatestEventsFrom(ctx, limit+1, cursorID, input.RecordID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}
