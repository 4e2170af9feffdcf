package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nandanugg/enroute/module/tracking/domain"
	"github.com/nandanugg/enroute/module/tracking/internal/repository/database"
	"github.com/nandanugg/enroute/module/tracking/service"
)

type locationService interface {
	IngestSample(sample domain.Sample) error
	GetLatest(ctx context.Context, jobID string) (*domain.ContractorLocation, error)
	GetHistory(ctx context.Context, query *domain.HistoryQuery) ([]domain.ContractorLocation, error)
}

type tracker interface {
	StartTracking(ctx context.Context, jobID, contractorID string, dest domain.Coordinate, thresholdM float64) error
	StopTracking(jobID string) error
	State(jobID string) domain.SessionState
	Destination(jobID string) (domain.Coordinate, bool)
}

type viewerCounter interface {
	Subscribers(jobID string) int
}

type coordinateRequest struct {
	Latitude  *float64 `json:"latitude" binding:"required,gte=-90,lte=90"`
	Longitude *float64 `json:"longitude" binding:"required,gte=-180,lte=180"`
}

type startTrackingRequest struct {
	ContractorID      string            `json:"contractor_id" binding:"required"`
	Destination       coordinateRequest `json:"destination"`
	ArrivalThresholdM float64           `json:"arrival_threshold_m" binding:"gte=0"`
}

type sampleRequest struct {
	coordinateRequest
	AccuracyM   float64  `json:"accuracy_m" binding:"gte=0"`
	HeadingDeg  *float64 `json:"heading_deg" binding:"omitempty,gte=0,lt=360"`
	SpeedMps    *float64 `json:"speed_mps" binding:"omitempty,gte=0"`
	TimestampMs int64    `json:"timestamp_ms" binding:"required,gt=0"`
}

type trackingResponse struct {
	JobID       string              `json:"job_id"`
	State       string              `json:"state"`
	Destination *coordinateResponse `json:"destination,omitempty"`
	Viewers     int                 `json:"viewers"`
}

type coordinateResponse struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type locationResponse struct {
	JobID              string   `json:"job_id"`
	ContractorID       string   `json:"contractor_id"`
	Latitude           float64  `json:"latitude"`
	Longitude          float64  `json:"longitude"`
	AccuracyM          float64  `json:"accuracy_m"`
	HeadingDeg         *float64 `json:"heading_deg,omitempty"`
	SpeedMps           *float64 `json:"speed_mps,omitempty"`
	DistanceRemainingM float64  `json:"distance_remaining_m"`
	ETASeconds         *int     `json:"eta_seconds,omitempty"`
	HasArrived         bool     `json:"has_arrived"`
	IsTrackingEnabled  bool     `json:"is_tracking_enabled"`
	Status             string   `json:"status"`
	Timestamp          int64    `json:"timestamp"`
}

type JobHandler struct {
	locationSvc locationService
	tracker     tracker
	viewers     viewerCounter
}

func NewJobHandler(locationSvc locationService, tracker tracker, viewers viewerCounter) *JobHandler {
	return &JobHandler{locationSvc: locationSvc, tracker: tracker, viewers: viewers}
}

func (h *JobHandler) Register(r *gin.RouterGroup) {
	r.POST("/jobs/:job_id/tracking", h.StartTracking)
	r.DELETE("/jobs/:job_id/tracking", h.StopTracking)
	r.GET("/jobs/:job_id/tracking", h.GetTracking)
	r.POST("/jobs/:job_id/samples", h.PostSample)
	r.GET("/jobs/:job_id/location", h.GetLatestLocation)
	r.GET("/jobs/:job_id/history", h.GetHistory)
}

func (h *JobHandler) StartTracking(c *gin.Context) {
	jobID := c.Param("job_id")

	var req startTrackingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	dest := domain.Coordinate{Lat: *req.Destination.Latitude, Lon: *req.Destination.Longitude}
	err := h.tracker.StartTracking(c.Request.Context(), jobID, req.ContractorID, dest, req.ArrivalThresholdM)
	switch {
	case errors.Is(err, service.ErrSessionActive):
		c.JSON(http.StatusConflict, gin.H{"error": "job is already being tracked"})
		return
	case errors.Is(err, service.ErrAlreadyArrived):
		c.JSON(http.StatusConflict, gin.H{"error": "contractor already arrived"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start tracking"})
		return
	}

	c.JSON(http.StatusCreated, h.trackingStatus(jobID))
}

func (h *JobHandler) StopTracking(c *gin.Context) {
	jobID := c.Param("job_id")

	if err := h.tracker.StopTracking(jobID); err != nil {
		if errors.Is(err, service.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job is not being tracked"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to stop tracking"})
		return
	}

	c.JSON(http.StatusOK, h.trackingStatus(jobID))
}

func (h *JobHandler) GetTracking(c *gin.Context) {
	jobID := c.Param("job_id")
	c.JSON(http.StatusOK, h.trackingStatus(jobID))
}

func (h *JobHandler) trackingStatus(jobID string) trackingResponse {
	resp := trackingResponse{
		JobID:   jobID,
		State:   string(h.tracker.State(jobID)),
		Viewers: h.viewers.Subscribers(jobID),
	}
	if dest, ok := h.tracker.Destination(jobID); ok {
		resp.Destination = &coordinateResponse{Latitude: dest.Lat, Longitude: dest.Lon}
	}
	return resp
}

func (h *JobHandler) PostSample(c *gin.Context) {
	jobID := c.Param("job_id")

	var req sampleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sample := domain.Sample{
		JobID:      jobID,
		Coordinate: domain.Coordinate{Lat: *req.Latitude, Lon: *req.Longitude},
		AccuracyM:  req.AccuracyM,
		HeadingDeg: req.HeadingDeg,
		SpeedMps:   req.SpeedMps,
		CapturedAt: time.UnixMilli(req.TimestampMs),
	}
	if err := h.locationSvc.IngestSample(sample); err != nil {
		if errors.Is(err, service.ErrNoListener) {
			c.JSON(http.StatusConflict, gin.H{"error": "job is not being tracked"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to accept sample"})
		return
	}

	c.Status(http.StatusAccepted)
}

func (h *JobHandler) GetLatestLocation(c *gin.Context) {
	jobID := c.Param("job_id")

	loc, err := h.locationSvc.GetLatest(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "location not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch location"})
		return
	}

	c.JSON(http.StatusOK, toLocationResponse(loc))
}

func (h *JobHandler) GetHistory(c *gin.Context) {
	jobID := c.Param("job_id")

	start, err := strconv.ParseInt(c.Query("start"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start parameter"})
		return
	}

	end, err := strconv.ParseInt(c.Query("end"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid end parameter"})
		return
	}

	query := &domain.HistoryQuery{
		JobID: jobID,
		Start: time.Unix(start, 0),
		End:   time.Unix(end, 0),
	}

	locations, err := h.locationSvc.GetHistory(c.Request.Context(), query)
	if err != nil {
		if errors.Is(err, service.ErrInvalidRange) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch history"})
		return
	}

	results := make([]locationResponse, len(locations))
	for i := range locations {
		results[i] = toLocationResponse(&locations[i])
	}
	c.JSON(http.StatusOK, results)
}

func toLocationResponse(loc *domain.ContractorLocation) locationResponse {
	return locationResponse{
		JobID:              loc.JobID,
		ContractorID:       loc.ContractorID,
		Latitude:           loc.Lat,
		Longitude:          loc.Lon,
		AccuracyM:          loc.AccuracyM,
		HeadingDeg:         loc.HeadingDeg,
		SpeedMps:           loc.SpeedMps,
		DistanceRemainingM: loc.DistanceRemainingM,
		ETASeconds:         loc.ETASeconds,
		HasArrived:         loc.HasArrived,
		IsTrackingEnabled:  loc.IsTrackingEnabled,
		Status:             domain.LocationStatus(loc),
		Timestamp:          loc.CapturedAt.UnixMilli(),
	}
}
