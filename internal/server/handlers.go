package server

import (
	"context"
	"errors"
	"io"
	"net/http"

	"setup-scorer/internal/audit"
	"setup-scorer/internal/common"
	"setup-scorer/internal/features"
	"setup-scorer/internal/ml"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// maxBodyBytes bounds a prediction request body; a valid record is far smaller.
const maxBodyBytes = 64 << 10

// HealthResponse is returned by GET / and GET /health.
type HealthResponse struct {
	Status       string          `json:"status"`
	ModelsLoaded map[string]bool `json:"models_loaded"`
}

// ModelsResponse is returned by GET /models.
type ModelsResponse struct {
	Models []ml.ArtifactInfo `json:"models"`
}

// MalformedResponse is the 422 body.
type MalformedResponse struct {
	Detail []features.FieldError `json:"detail"`
}

// FailureResponse is the 500 body for inference failures.
type FailureResponse struct {
	Error    string `json:"error"`
	Strategy string `json:"strategy"`
}

const errInferenceFailure = "inference_failure"

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:       common.HealthStatusOK,
		ModelsLoaded: s.dispatcher.Registry().Status(),
	})
}

func (s *Server) handleModels(c echo.Context) error {
	return c.JSON(http.StatusOK, ModelsResponse{Models: s.dispatcher.Registry().Artifacts()})
}

func (s *Server) handlePredictFixed(strategy string) echo.HandlerFunc {
	return func(c echo.Context) error {
		return s.predict(c, strategy)
	}
}

func (s *Server) handlePredict(c echo.Context) error {
	strategy := c.Param("strategy")
	if !s.dispatcher.Registry().Has(strategy) {
		return c.JSON(http.StatusNotFound, map[string]string{"detail": "Unknown strategy: " + strategy})
	}
	return s.predict(c, strategy)
}

func (s *Server) predict(c echo.Context, strategy string) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodyBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	if len(body) > maxBodyBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
	}

	res, status, payload := s.score(c.Request().Context(), requestID(c), strategy, body)
	if status != http.StatusOK {
		return c.JSON(status, payload)
	}
	return c.JSON(http.StatusOK, res)
}

// score decodes one record, dispatches it and records the audit event. It
// returns the result on success, or the status and body to reply with.
func (s *Server) score(parent context.Context, reqID, strategy string, body []byte) (ml.Result, int, any) {
	rec, err := features.Decode(body)
	if err != nil {
		if s.metrics != nil {
			s.metrics.MalformedInc(strategy)
		}
		var merr *features.MalformedError
		if errors.As(err, &merr) {
			log.Debug().Err(err).Str("strategy", strategy).Str("request_id", reqID).Msg("Malformed request")
			return ml.Result{}, http.StatusUnprocessableEntity, MalformedResponse{Detail: merr.Fields}
		}
		return ml.Result{}, http.StatusUnprocessableEntity, MalformedResponse{Detail: []features.FieldError{{
			Code:    "ERR_UNKNOWN",
			Message: err.Error(),
		}}}
	}

	ctx, cancel := context.WithTimeout(parent, s.config.RequestTimeout)
	defer cancel()

	res, err := s.dispatcher.Predict(ctx, strategy, rec)
	if err != nil {
		return ml.Result{}, http.StatusInternalServerError, FailureResponse{
			Error:    errInferenceFailure,
			Strategy: strategy,
		}
	}

	if s.recorder != nil {
		s.recorder.Record(audit.NewEvent(reqID, strategy, rec, res))
	}
	return res, http.StatusOK, nil
}
