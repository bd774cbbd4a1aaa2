package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"openwork/internal/domain"
	"openwork/internal/engine"
	"openwork/internal/ids"
	"openwork/internal/logging"
	"openwork/internal/transfer"
)

// Config for the hub HTTP API handler.
type Config struct {
	Engine  *engine.Engine
	Settler *transfer.Settler
	// Exec runs mutations on the node's sequencer. Nil runs them directly.
	Exec     func(ctx context.Context, fn func(context.Context) error) error
	Gatherer prometheus.Gatherer
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

func (c Config) exec(ctx context.Context, fn func(context.Context) error) error {
	if c.Exec == nil {
		return fn(ctx)
	}
	return c.Exec(ctx, fn)
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"job 1-1 is completed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the hub's committed state.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors are bad requests.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("OpenWork Hub API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	if cfg.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	registerHealth(group)
	registerJobs(group, cfg)
	registerDisputes(group, cfg)
	registerRewards(group, cfg)
	registerTransfers(group, cfg)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, domain.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", msg, nil)
	case errors.Is(err, domain.ErrInsufficientEscrow):
		return newAPIError(http.StatusConflict, "insufficient_escrow", msg, nil)
	case errors.Is(err, domain.ErrIneligible):
		return newAPIError(http.StatusForbidden, "ineligible", msg, nil)
	case errors.Is(err, domain.ErrWindowViolation):
		return newAPIError(http.StatusUnprocessableEntity, "window_violation", msg, nil)
	case errors.Is(err, domain.ErrInvalidInput):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type jobPath struct {
	JobID string `path:"id"`
}

func registerJobs(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{id}",
		Summary:     "Get job",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *jobPath) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		j, err := e.GetJob(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: j}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-applications",
		Method:      http.MethodGet,
		Path:        "/jobs/{id}/applications",
		Summary:     "List applications of a job",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *jobPath) (*struct {
		Body []domain.Application `json:"body"`
	}, error) {
		if _, err := e.GetJob(ctx, input.JobID); err != nil {
			return nil, handleError(err)
		}
		apps, err := e.ListApplications(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Application `json:"body"`
		}{Body: nonNilSlice(apps)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-escrow",
		Method:      http.MethodGet,
		Path:        "/jobs/{id}/escrow",
		Summary:     "Escrow balances of a job",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *jobPath) (*struct {
		Body domain.EscrowRecord `json:"body"`
	}, error) {
		esc, err := e.GetEscrow(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.EscrowRecord `json:"body"`
		}{Body: esc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-job-disputes",
		Method:      http.MethodGet,
		Path:        "/jobs/{id}/disputes",
		Summary:     "List disputes of a job",
	}, func(ctx context.Context, input *struct {
		JobID    string `path:"id"`
		OpenOnly bool   `query:"open"`
	}) (*struct {
		Body []domain.Dispute `json:"body"`
	}, error) {
		items, err := e.ListDisputes(ctx, input.JobID, input.OpenOnly)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Dispute `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

// DisputePath addresses a dispute. Dispute ids are "<job>/d<n>", so the id
// spans two path segments.
type DisputePath struct {
	JobID string `path:"job"`
	Seq   string `path:"seq" pattern:"^d[0-9]+$"`
}

func (p DisputePath) id() (string, error) {
	var n int
	if _, err := fmt.Sscanf(p.Seq, "d%d", &n); err != nil || n < 1 {
		return "", fmt.Errorf("%w: dispute %s/%s", domain.ErrInvalidInput, p.JobID, p.Seq)
	}
	return ids.DisputeID(p.JobID, n), nil
}

func registerDisputes(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID: "get-dispute",
		Method:      http.MethodGet,
		Path:        "/disputes/{job}/{seq}",
		Summary:     "Get dispute",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *DisputePath) (*struct {
		Body domain.Dispute `json:"body"`
	}, error) {
		id, err := input.id()
		if err != nil {
			return nil, handleError(err)
		}
		d, err := e.GetDispute(ctx, id)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Dispute `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "cast-dispute-vote",
		Method:        http.MethodPost,
		Path:          "/disputes/{job}/{seq}/votes",
		Summary:       "Vote on a dispute as the authenticated user",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		DisputePath
		Body VoteRequest `json:"body"`
	}) (*struct {
		Body domain.Vote `json:"body"`
	}, error) {
		principal, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		id, err := input.id()
		if err != nil {
			return nil, handleError(err)
		}
		var v domain.Vote
		err = cfg.exec(ctx, func(ctx context.Context) error {
			var err error
			v, _, err = e.Vote(ctx, engine.VoteOptions{
				DisputeID:      id,
				VoterID:        principal.UserID,
				InFavorOfGiver: input.Body.InFavorOfGiver,
				ClaimAddress:   input.Body.ClaimAddress,
			})
			return err
		})
		if err != nil {
			return nil, handleError(err)
		}
		cfg.Logger.Info("dispute vote cast", "dispute_id", id, "voter", principal.UserID, "power", v.VotingPower)
		return &struct {
			Body domain.Vote `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "settle-dispute",
		Method:      http.MethodPost,
		Path:        "/disputes/{job}/{seq}/settle",
		Summary:     "Settle a dispute after its voting window",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *DisputePath) (*struct {
		Body domain.Dispute `json:"body"`
	}, error) {
		principal, authErr := requireRole(ctx, RoleOperator)
		if authErr != nil {
			return nil, authErr
		}
		id, err := input.id()
		if err != nil {
			return nil, handleError(err)
		}
		var d domain.Dispute
		err = cfg.exec(ctx, func(ctx context.Context) error {
			var err error
			d, _, err = e.Settle(ctx, id)
			return err
		})
		if err != nil {
			return nil, handleError(err)
		}
		cfg.Logger.Info("dispute settled", "dispute_id", id, "outcome", d.Outcome, "operator", principal.UserID)
		return &struct {
			Body domain.Dispute `json:"body"`
		}{Body: d}, nil
	})
}

type userPath struct {
	UserID string `path:"user"`
}

func registerRewards(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID: "get-reward-account",
		Method:      http.MethodGet,
		Path:        "/rewards/{user}",
		Summary:     "Reward account of a user",
	}, func(ctx context.Context, input *userPath) (*struct {
		Body domain.RewardAccount `json:"body"`
	}, error) {
		acct, err := e.RewardAccount(ctx, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		acct.Bands = nonNilSlice(acct.Bands)
		return &struct {
			Body domain.RewardAccount `json:"body"`
		}{Body: acct}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-reward-state",
		Method:      http.MethodGet,
		Path:        "/reward-state",
		Summary:     "Cumulative volume and current band",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.RewardState `json:"body"`
	}, error) {
		st, err := e.RewardState(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RewardState `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-stake",
		Method:      http.MethodGet,
		Path:        "/stakes/{user}",
		Summary:     "Stake position relayed from the main domain",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *userPath) (*struct {
		Body domain.StakePosition `json:"body"`
	}, error) {
		pos, err := e.GetStake(ctx, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.StakePosition `json:"body"`
		}{Body: pos}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-treasury",
		Method:      http.MethodGet,
		Path:        "/treasury",
		Summary:     "Commission and fee balance held by the hub",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body TreasuryResponse `json:"body"`
	}, error) {
		bal, err := e.Treasury(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TreasuryResponse `json:"body"`
		}{Body: TreasuryResponse{Balance: amount(bal)}}, nil
	})
}

func registerTransfers(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID: "list-pending-transfers",
		Method:      http.MethodGet,
		Path:        "/transfers/pending",
		Summary:     "Transfers not yet handed to the capability",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Transfer `json:"body"`
	}, error) {
		items, err := e.ListPendingTransfers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Transfer `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-transfer",
		Method:      http.MethodPost,
		Path:        "/transfers/retry",
		Summary:     "Reset a failed transfer to pending",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body RetryTransferRequest `json:"body"`
	}) (*struct {
		Body domain.Transfer `json:"body"`
	}, error) {
		principal, authErr := requireRole(ctx, RoleOperator)
		if authErr != nil {
			return nil, authErr
		}
		if cfg.Settler == nil {
			return nil, newAPIError(http.StatusConflict, "conflict", "no transfer capability configured", nil)
		}
		var t domain.Transfer
		err := cfg.exec(ctx, func(ctx context.Context) error {
			var err error
			t, err = cfg.Settler.Retry(ctx, input.Body.TransferID)
			return err
		})
		if err != nil {
			return nil, handleError(err)
		}
		cfg.Logger.Info("transfer retry requested", "transfer_id", t.ID, "job_id", t.JobID, "operator", principal.UserID)
		return &struct {
			Body domain.Transfer `json:"body"`
		}{Body: t}, nil
	})
}
