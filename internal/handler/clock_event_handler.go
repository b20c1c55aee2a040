package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"clocktrust-service/internal/device"
	"clocktrust-service/internal/model"
	"clocktrust-service/internal/pipeline"
	"clocktrust-service/internal/service"
	"clocktrust-service/internal/util"
)

// maxBodyBytes bounds request bodies; a full batch fits comfortably.
const maxBodyBytes = 1 << 20

// HealthChecker reports per-dependency failures; an empty map is healthy.
type HealthChecker interface {
	HealthCheck(ctx context.Context) map[string]error
}

// ClockEventHandler handles HTTP requests for clock events, devices and schedules
type ClockEventHandler struct {
	service *service.ClockEventService
	health  HealthChecker
	logger  *zap.Logger
}

func NewClockEventHandler(svc *service.ClockEventService, health HealthChecker, logger *zap.Logger) *ClockEventHandler {
	return &ClockEventHandler{
		service: svc,
		health:  health,
		logger:  logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

type Meta struct {
	RequestID string `json:"request_id,omitempty"`
	Total     int    `json:"total,omitempty"`
	Accepted  int    `json:"accepted,omitempty"`
	Rejected  int    `json:"rejected,omitempty"`
	Failed    int    `json:"failed,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

type batchRequest struct {
	Events []service.SubmitRequest `json:"events"`
}

type evaluateRequest struct {
	Device device.ClientReport `json:"device"`
}

// RegisterRoutes registers all clock event routes
func (h *ClockEventHandler) RegisterRoutes(router chi.Router) {
	router.Route("/clock-events", func(r chi.Router) {
		r.Post("/", h.SubmitClockEvent)
		r.Post("/batch", h.SubmitBatch)
		r.Get("/{eventID}/verify", h.VerifyClockEvent)
	})
	router.Post("/devices/evaluate", h.EvaluateDevice)
	router.Route("/employees/{employeeID}/schedule", func(r chi.Router) {
		r.Get("/", h.GetSchedule)
		r.Put("/", h.PutSchedule)
	})
	router.Get("/health", h.HealthCheck)
}

// SubmitClockEvent runs one event through the trust pipeline.
// Accepted events answer 201, duplicates 409 and violations 422; the
// envelope carries the full result either way.
func (h *ClockEventHandler) SubmitClockEvent(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req service.SubmitRequest
	if err := h.decode(w, r, &req); err != nil {
		h.respondWithError(w, r, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	res, err := h.service.Submit(r.Context(), req, requestMeta(r))
	if err != nil {
		h.respondWithError(w, r, h.getStatusCode(err), err, "Failed to submit clock event")
		return
	}

	resp := successResponse(res, "Clock event accepted")
	if !res.Accepted() {
		resp = Response{Success: false, Data: res, Error: firstReason(res), Message: "Clock event " + statusWord(res.Status)}
	}
	resp.Meta = &Meta{RequestID: middleware.GetReqID(r.Context())}
	h.respondWithJSON(w, res.HTTPStatus(), resp)

	h.logger.Info("Clock event processed via HTTP",
		util.String("event_id", res.Event.ID),
		util.String("employee_id", res.Event.EmployeeID),
		util.String("status", string(res.Status)),
		util.Duration("duration", time.Since(startTime)),
	)
}

// SubmitBatch answers 200 with one entry per submitted event.
func (h *ClockEventHandler) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req batchRequest
	if err := h.decode(w, r, &req); err != nil {
		h.respondWithError(w, r, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	results, err := h.service.SubmitBatch(r.Context(), req.Events, requestMeta(r))
	if err != nil {
		h.respondWithError(w, r, h.getStatusCode(err), err, "Failed to submit batch")
		return
	}

	meta := &Meta{RequestID: middleware.GetReqID(r.Context()), Total: len(results)}
	for _, item := range results {
		switch {
		case item.Result == nil:
			meta.Failed++
		case item.Result.Accepted():
			meta.Accepted++
		default:
			meta.Rejected++
		}
	}
	resp := successResponse(results, "Batch processed")
	resp.Meta = meta
	h.respondWithJSON(w, http.StatusOK, resp)

	h.logger.Info("Clock event batch processed via HTTP",
		util.Int("total", meta.Total),
		util.Int("accepted", meta.Accepted),
		util.Int("rejected", meta.Rejected),
		util.Int("failed", meta.Failed),
		util.Duration("duration", time.Since(startTime)),
	)
}

func (h *ClockEventHandler) VerifyClockEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")

	out, err := h.service.Verify(r.Context(), eventID, requestMeta(r))
	if err != nil {
		h.respondWithError(w, r, h.getStatusCode(err), err, "Failed to verify clock event")
		return
	}

	message := "Clock event integrity verified"
	if !out.Verification.IsValid {
		message = "Clock event failed integrity verification"
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(out, message))
}

func (h *ClockEventHandler) EvaluateDevice(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := h.decode(w, r, &req); err != nil {
		h.respondWithError(w, r, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	verdict := h.service.EvaluateDevice(req.Device, requestMeta(r))
	h.respondWithJSON(w, http.StatusOK, successResponse(verdict, "Device evaluated"))
}

func (h *ClockEventHandler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	employeeID := chi.URLParam(r, "employeeID")

	sched, err := h.service.GetSchedule(r.Context(), employeeID)
	if err != nil {
		h.respondWithError(w, r, h.getStatusCode(err), err, "Failed to get schedule")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(sched, "Schedule retrieved successfully"))
}

// PutSchedule replaces the employee's weekly schedule. The path wins over
// any employee_id in the body.
func (h *ClockEventHandler) PutSchedule(w http.ResponseWriter, r *http.Request) {
	var sched model.WeeklySchedule
	if err := h.decode(w, r, &sched); err != nil {
		h.respondWithError(w, r, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	sched.EmployeeID = chi.URLParam(r, "employeeID")

	if err := h.service.PutSchedule(r.Context(), &sched); err != nil {
		h.respondWithError(w, r, h.getStatusCode(err), err, "Failed to store schedule")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(&sched, "Schedule stored successfully"))
}

func (h *ClockEventHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.health == nil {
		h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Service is healthy"))
		return
	}

	failures := h.health.HealthCheck(r.Context())
	if len(failures) == 0 {
		h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Service is healthy"))
		return
	}

	details := make(map[string]string, len(failures))
	for name, err := range failures {
		details[name] = err.Error()
	}
	h.respondWithJSON(w, http.StatusServiceUnavailable, Response{
		Success: false,
		Data:    details,
		Error:   "one or more dependencies are unhealthy",
		Message: "Service unhealthy",
	})
}

func (h *ClockEventHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func (h *ClockEventHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func (h *ClockEventHandler) respondWithError(w http.ResponseWriter, r *http.Request, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
		util.String("request_id", middleware.GetReqID(r.Context())),
	)
	resp := errorResponse(err, message)
	resp.Meta = &Meta{RequestID: middleware.GetReqID(r.Context())}
	h.respondWithJSON(w, statusCode, resp)
}

// getStatusCode determines the appropriate HTTP status code for an error
func (h *ClockEventHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrEventNotFound), errors.Is(err, service.ErrScheduleNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrEventExists):
		return http.StatusConflict
	case errors.Is(err, service.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, service.ErrLockTimeout):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func requestMeta(r *http.Request) service.RequestMeta {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return service.RequestMeta{
		RequestID:      middleware.GetReqID(r.Context()),
		ClientIP:       ip,
		UserAgent:      r.UserAgent(),
		AcceptLanguage: r.Header.Get("Accept-Language"),
	}
}

func firstReason(res *pipeline.Result) string {
	if len(res.Reasons) > 0 {
		return res.Reasons[0]
	}
	return string(res.Status)
}

func statusWord(s pipeline.Status) string {
	if s == pipeline.StatusDuplicate {
		return "is a duplicate"
	}
	return "rejected"
}
