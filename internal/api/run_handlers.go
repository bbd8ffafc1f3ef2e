package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/engine"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/pool"
)

const (
	defaultLogTail = 50
	maxLogTail     = 1000
)

type runRequest struct {
	Input     string `json:"input" validate:"required"`
	Partition string `json:"partition" validate:"required"`
	Output    string `json:"output" validate:"required"`
	Workers   int    `json:"workers" validate:"omitempty,min=1,max=64"`
	Headless  *bool  `json:"headless"`
	Choice    string `json:"choice" validate:"omitempty,oneof=resume restart overwrite cancel"`
}

type poolRequest struct {
	Workers int `json:"workers" validate:"required,min=1,max=64"`
}

type statusResponse struct {
	Active   bool            `json:"active"`
	ETA      string          `json:"eta_hms"`
	Snapshot engine.Snapshot `json:"run"`
}

// decodeRun reads a run request, fills blanks from the configured defaults
// and validates the result.
func (s *Server) decodeRun(r *http.Request) (engine.Request, error) {
	var body runRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return engine.Request{}, errors.New("invalid JSON")
		}
	}
	d := s.opts.Defaults
	body.Input = firstNonEmpty(body.Input, d.Input)
	body.Partition = firstNonEmpty(body.Partition, d.Partition)
	body.Output = firstNonEmpty(body.Output, d.Output)
	if err := s.validate.Struct(body); err != nil {
		return engine.Request{}, validationMessage(err)
	}
	req := engine.Request{
		Input:     body.Input,
		Partition: body.Partition,
		Output:    body.Output,
		Workers:   body.Workers,
		Headless:  d.Headless,
		Choice:    engine.Choice(body.Choice),
	}
	if body.Headless != nil {
		req.Headless = *body.Headless
	}
	return req, nil
}

func (s *Server) inspect(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeRun(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	insp, err := s.ctrl.Inspect(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"inspection": insp, "summary": insp.Describe()})
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeRun(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.ctrl.Start(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.logger.Info("run started via API", zap.String("run_id", id), zap.String("partition", req.Partition))
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id})
}

func (s *Server) stop(w http.ResponseWriter, _ *http.Request) {
	if err := s.ctrl.Stop(); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

func (s *Server) setPool(w http.ResponseWriter, r *http.Request) {
	var body poolRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.validate.Struct(body); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err).Error())
		return
	}
	if err := s.ctrl.SetPoolTarget(body.Workers); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"workers": body.Workers})
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	snap, _ := s.ctrl.Snapshot()
	active := snap.Phase == engine.PhaseRunning || snap.Phase == engine.PhaseWindingDown
	writeJSON(w, http.StatusOK, statusResponse{
		Active:   active,
		ETA:      engine.FormatETA(snap.ETA),
		Snapshot: snap,
	})
}

func (s *Server) logs(w http.ResponseWriter, r *http.Request) {
	if s.opts.Logs == nil {
		writeError(w, http.StatusServiceUnavailable, "log capture disabled")
		return
	}
	n := defaultLogTail
	if raw := strings.TrimSpace(r.URL.Query().Get("tail")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > maxLogTail {
			writeError(w, http.StatusBadRequest, "tail must be between 1 and 1000")
			return
		}
		n = v
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": s.opts.Logs.Tail(n)})
}

func (s *Server) events(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "event tally disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Events.Snapshot())
}

func (s *Server) partitions(w http.ResponseWriter, r *http.Request) {
	input := firstNonEmpty(strings.TrimSpace(r.URL.Query().Get("input")), s.opts.Defaults.Input)
	if input == "" {
		writeError(w, http.StatusBadRequest, "input is required")
		return
	}
	names, err := s.ctrl.Partitions(r.Context(), input)
	if err != nil {
		s.logger.Warn("list partitions failed", zap.String("input", input), zap.Error(err))
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"input": input, "partitions": names})
}

// writeEngineError maps controller errors onto HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var decision *engine.DecisionError
	switch {
	case errors.As(err, &decision):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":      err.Error(),
			"inspection": decision.Inspection,
			"choices":    []engine.Choice{engine.ChoiceResume, engine.ChoiceRestart, engine.ChoiceOverwrite, engine.ChoiceCancel},
		})
	case errors.Is(err, engine.ErrCanceled):
		writeJSON(w, http.StatusOK, map[string]string{"status": "canceled"})
	case errors.Is(err, engine.ErrInvalidRequest), errors.Is(err, pool.ErrInvalidTarget):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrRunActive), errors.Is(err, engine.ErrNoActiveRun), errors.Is(err, engine.ErrResumeNotAllowed):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("run request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func validationMessage(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, strings.ToLower(fe.Field())+" failed "+fe.Tag())
	}
	return errors.New(strings.Join(parts, "; "))
}

func firstNonEmpty(v, def string) string {
	if strings.TrimSpace(v) != "" {
		return v
	}
	return def
}
