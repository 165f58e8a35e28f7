package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"cargosure/internal/domain"
	"cargosure/internal/engine"
	"cargosure/internal/ledger"
	"cargosure/internal/repo"
	"cargosure/internal/telemetry"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"evaluation_in_progress"`
	Message string         `json:"message" example:"evaluation already in progress"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope returned on every failure.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the CargoSure API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope above.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("CargoSure API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerEscrow(group, cfg.Engine)
	registerShipments(group, cfg.Engine)
	registerTelemetry(group, cfg.Engine)
	registerEvaluate(group, cfg.Engine)
	registerAccounts(group, cfg.Engine)
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
	var ve engine.ValidationError
	switch {
	case errors.As(err, &ve):
		return newAPIError(http.StatusBadRequest, "bad_request", ve.Msg, nil)
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, telemetry.ErrUnknownShipment):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrEvaluationInProgress):
		return newAPIError(http.StatusConflict, "evaluation_in_progress", err.Error(), nil)
	case errors.Is(err, ledger.ErrAlreadySettled):
		return newAPIError(http.StatusConflict, "ledger_already_settled", err.Error(), nil)
	case errors.Is(err, ledger.ErrExpired):
		return newAPIError(http.StatusUnprocessableEntity, "ledger_expired", err.Error(), nil)
	case errors.Is(err, ledger.ErrRejected):
		return newAPIError(http.StatusUnprocessableEntity, "ledger_rejected", err.Error(), nil)
	case errors.Is(err, ledger.ErrUnavailable):
		return newAPIError(http.StatusServiceUnavailable, "ledger_unavailable", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusServiceUnavailable:
		return "ledger_unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// ownedShipment loads a shipment and hides other owners' shipments as 404.
func ownedShipment(ctx context.Context, e engine.Engine, shipmentID, userID string) (domain.Shipment, error) {
	s, err := e.Repo.GetShipment(ctx, shipmentID)
	if err != nil {
		return domain.Shipment{}, err
	}
	if s.OwnerID != userID {
		return domain.Shipment{}, repo.ErrNotFound
	}
	return s, nil
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

func registerEscrow(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-escrow",
		Method:        http.MethodPost,
		Path:          "/create_escrow",
		Summary:       "Create a shipment with its escrow-backed policy",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateEscrowRequest
	}) (*struct {
		Body CreateEscrowResponse
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.CreateShipment(ctx, engine.CreateShipmentOptions{
			OwnerID:       userID,
			Name:          input.Body.ShipmentName,
			DeviceID:      input.Body.DeviceID,
			Premium:       input.Body.Premium,
			Payout:        input.Body.Payout,
			Condition:     input.Body.Condition,
			Destination:   input.Body.Destination,
			ReturnAccount: input.Body.ReturnAddress,
			CustomerSeed:  input.Body.CustomerSeed,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreateEscrowResponse
		}{Body: CreateEscrowResponse{ShipmentID: s.ID}}, nil
	})
}

func registerShipments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-shipments",
		Method:      http.MethodGet,
		Path:        "/shipments",
		Summary:     "List the caller's shipments",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]ShipmentSummary `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		shipments, err := e.Repo.ListShipments(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make(map[string]ShipmentSummary, len(shipments))
		for _, s := range shipments {
			esc, err := e.Repo.GetEscrow(ctx, s.ID)
			if err != nil {
				return nil, handleError(fmt.Errorf("escrow for %s: %w", s.ID, err))
			}
			out[s.ID] = ShipmentSummary{
				ShipmentName:   s.Name,
				DeviceID:       s.DeviceID,
				ClaimStatus:    s.ClaimStatus,
				EscrowSequence: esc.Sequence,
			}
		}
		return &struct {
			Body map[string]ShipmentSummary `json:"body"`
		}{Body: out}, nil
	})

	type shipmentPath struct {
		ShipmentID string `path:"shipment_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-shipment",
		Method:      http.MethodGet,
		Path:        "/shipment/{shipment_id}",
		Summary:     "Shipment details with telemetry snapshot",
	}, func(ctx context.Context, input *shipmentPath) (*struct {
		Body ShipmentDetailResponse
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := ownedShipment(ctx, e, input.ShipmentID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		esc, err := e.Repo.GetEscrow(ctx, s.ID)
		if err != nil {
			return nil, handleError(err)
		}
		readings, err := e.Telemetry.ReadingsSince(ctx, s.ID, "")
		if err != nil {
			return nil, handleError(err)
		}
		resp := ShipmentDetailResponse{
			ShipmentID:   s.ID,
			ShipmentName: s.Name,
			DeviceID:     s.DeviceID,
			ClaimStatus:  s.ClaimStatus,
			CreatedAt:    s.CreatedAt,
			Escrow: EscrowDetail{
				Premium:       esc.Premium,
				Payout:        esc.Payout,
				Condition:     esc.Condition,
				Destination:   esc.Destination,
				ReturnAddress: esc.ReturnAccount,
				Sequence:      esc.Sequence,
			},
			ShockValues: make([]float64, 0, len(readings)),
		}
		for _, r := range readings {
			resp.ShockValues = append(resp.ShockValues, r.Shock)
		}
		if len(readings) > 0 {
			last := readings[len(readings)-1]
			resp.Events = SensorEvents{Temp: last.Temp, Hum: last.Humidity, Shock: last.Shock}
			resp.Location = Location{Lat: last.Lat, Lng: last.Lng}
			resp.Timestamp = last.Timestamp
		}
		return &struct {
			Body ShipmentDetailResponse
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-shipment-events",
		Method:      http.MethodGet,
		Path:        "/shipment/{shipment_id}/events",
		Summary:     "Latest sensor snapshot for a shipment",
	}, func(ctx context.Context, input *shipmentPath) (*struct {
		Body ShipmentEventsResponse
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := ownedShipment(ctx, e, input.ShipmentID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := ShipmentEventsResponse{ClaimStatus: s.ClaimStatus}
		last, err := e.Telemetry.Latest(ctx, s.ID)
		switch {
		case err == nil:
			resp.Events = SensorEvents{Temp: last.Temp, Hum: last.Humidity, Shock: last.Shock}
			resp.Location = Location{Lat: last.Lat, Lng: last.Lng}
			resp.Timestamp = last.Timestamp
		case errors.Is(err, repo.ErrNotFound):
			// No readings yet: zero-valued snapshot with the current status.
		default:
			return nil, handleError(err)
		}
		return &struct {
			Body ShipmentEventsResponse
		}{Body: resp}, nil
	})
}

func registerTelemetry(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "append-telemetry",
		Method:        http.MethodPost,
		Path:          "/shipment/{shipment_id}/telemetry",
		Summary:       "Append a sensor reading",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *struct {
		ShipmentID string `path:"shipment_id"`
		Body       AppendTelemetryRequest
	}) (*struct{}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		s, err := e.Repo.GetShipment(ctx, input.ShipmentID)
		if err != nil {
			return nil, handleError(err)
		}
		switch {
		case p.DeviceID != "":
			if p.DeviceID != s.DeviceID {
				return nil, newAPIError(http.StatusForbidden, "forbidden", "api key not bound to this shipment's device", nil)
			}
		case p.UserID != s.OwnerID:
			return nil, handleError(repo.ErrNotFound)
		}
		err = e.Telemetry.Append(ctx, domain.TelemetryReading{
			ShipmentID: s.ID,
			Timestamp:  input.Body.Timestamp,
			Shock:      input.Body.Shock,
			Temp:       input.Body.Temp,
			Humidity:   input.Body.Humidity,
			Lat:        input.Body.Lat,
			Lng:        input.Body.Lng,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func registerEvaluate(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "evaluate-claim",
		Method:      http.MethodPost,
		Path:        "/evaluate/{shipment_id}",
		Summary:     "Run one claim evaluation pass",
	}, func(ctx context.Context, input *struct {
		ShipmentID string `path:"shipment_id"`
	}) (*struct {
		Body EvaluateResponse
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := ownedShipment(ctx, e, input.ShipmentID, userID); err != nil {
			return nil, handleError(err)
		}
		res, err := e.EvaluateClaim(ctx, input.ShipmentID, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		resp := EvaluateResponse{ClaimStatus: res.ClaimStatus, Dimension: res.Dimension}
		if res.TxRef != nil {
			resp.TxHash = *res.TxRef
		}
		return &struct {
			Body EvaluateResponse
		}{Body: resp}, nil
	})
}

func registerAccounts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "init-user-defaults",
		Method:      http.MethodPost,
		Path:        "/init_user_defaults",
		Summary:     "Bootstrap the caller's ledger account defaults",
	}, func(ctx context.Context, input *struct {
		Body InitUserDefaultsRequest
	}) (*struct {
		Body UserInfoResponse
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.InitUserDefaults(ctx, userID, input.Body.Account, input.Body.ReturnAddress)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserInfoResponse
		}{Body: userInfo(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "user-info",
		Method:      http.MethodGet,
		Path:        "/user_info",
		Summary:     "The caller's ledger account defaults",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body UserInfoResponse
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.Repo.GetUser(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserInfoResponse
		}{Body: userInfo(u)}, nil
	})
}

func userInfo(u domain.User) UserInfoResponse {
	return UserInfoResponse{
		UserID:        u.ID,
		Account:       u.Account,
		ReturnAddress: u.ReturnAccount,
		CreatedAt:     u.CreatedAt,
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
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

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>CargoSure API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}
