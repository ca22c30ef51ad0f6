package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/oapi-codegen/runtime"
	"golang.org/x/sync/singleflight"

	"github.com/kiesman99/gapstitch/internal/stitcher"
	"github.com/kiesman99/gapstitch/pkg/tile"
)

// resolveTimeout bounds a shared page lookup
const resolveTimeout = 2 * time.Minute

// Server serves the tile addressing and stitching API
type Server struct {
	startTime time.Time
	version   string
	stitcher  *stitcher.Stitcher
	sources   *ttlcache.Cache[string, *stitcher.Source]
	resolving singleflight.Group
}

// NewServer creates a new server instance. Resolved pages are cached for
// sourceTTL; the page token is only valid for a while, so keep it short.
func NewServer(version string, st *stitcher.Stitcher, sourceTTL time.Duration) *Server {
	if sourceTTL <= 0 {
		sourceTTL = 10 * time.Minute
	}

	sources := ttlcache.New[string, *stitcher.Source](
		ttlcache.WithTTL[string, *stitcher.Source](sourceTTL),
		ttlcache.WithDisableTouchOnHit[string, *stitcher.Source](),
	)
	go sources.Start()

	return &Server{
		startTime: time.Now(),
		version:   version,
		stitcher:  st,
		sources:   sources,
	}
}

// Close stops the cache janitor
func (s *Server) Close() {
	s.sources.Stop()
}

// Routes mounts the API handlers on r
func (s *Server) Routes(r chi.Router) {
	r.Get("/health", s.GetHealth)
	r.Get("/tiles/url", s.GetTileURL)
	r.Get("/info", s.GetInfo)
	r.Post("/stitch", s.CreateStitchedImage)
}

// GetHealth implements the health check endpoint
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	uptime := int(time.Since(s.startTime).Seconds())

	response := HealthResponse{
		Status:    Healthy,
		Timestamp: time.Now(),
		Uptime:    &uptime,
		Version:   &s.version,
	}

	writeJSON(w, http.StatusOK, response)
}

// GetTileURL signs one tile address
func (s *Server) GetTileURL(w http.ResponseWriter, r *http.Request) {
	requestID := generateRequestID()
	query := r.URL.Query()

	var (
		path, token string
		x, y, z     int64
	)

	params := []struct {
		name string
		dest interface{}
	}{
		{"path", &path},
		{"token", &token},
		{"x", &x},
		{"y", &y},
		{"z", &z},
	}
	for _, p := range params {
		if err := runtime.BindQueryParameter("form", true, true, p.name, query, p.dest); err != nil {
			s.writeValidationErrorResponse(w, p.name, err.Error(), &requestID)
			return
		}
	}

	for _, c := range []struct {
		name  string
		value int64
	}{{"x", x}, {"y", y}, {"z", z}} {
		if c.value < 0 || c.value > math.MaxUint32 {
			s.writeValidationErrorResponse(w, c.name, fmt.Sprintf("%s must be between 0 and %d", c.name, uint32(math.MaxUint32)), &requestID)
			return
		}
	}

	writeJSON(w, http.StatusOK, TileURLResponse{
		URL: tile.ComputeURL(path, token, uint32(x), uint32(y), tile.Zoom(z)),
	})
}

// GetInfo resolves a viewer page and describes its pyramid
func (s *Server) GetInfo(w http.ResponseWriter, r *http.Request) {
	requestID := generateRequestID()

	var pageURL string
	if err := runtime.BindQueryParameter("form", true, true, "url", r.URL.Query(), &pageURL); err != nil {
		s.writeValidationErrorResponse(w, "url", err.Error(), &requestID)
		return
	}
	if err := validatePageURL(pageURL); err != nil {
		s.writeValidationErrorResponse(w, "url", err.Error(), &requestID)
		return
	}

	src, err := s.resolve(r.Context(), pageURL)
	if err != nil {
		s.handleStitchingError(w, err, &requestID)
		return
	}

	info := src.Info
	response := InfoResponse{
		Title:       src.Title,
		Path:        src.Credential.Path,
		ImageWidth:  info.ImageWidth,
		ImageHeight: info.ImageHeight,
		TileWidth:   info.TileWidth,
		TileHeight:  info.TileHeight,
		Timestamp:   info.Timestamp,
		Levels:      make([]LevelResponse, 0, len(info.Levels)),
	}
	for _, l := range info.Levels {
		response.Levels = append(response.Levels, LevelResponse{
			InverseScale: uint32(l.InverseScale),
			TilesAcross:  l.TilesAcross,
			TilesDown:    l.TilesDown,
			Width:        l.PixelWidth(info.TileWidth),
			Height:       l.PixelHeight(info.TileHeight),
		})
	}

	w.Header().Set("X-Request-ID", requestID)
	writeJSON(w, http.StatusOK, response)
}

// CreateStitchedImage implements the main stitching endpoint
func (s *Server) CreateStitchedImage(w http.ResponseWriter, r *http.Request) {
	// Generate request ID for tracking
	requestID := generateRequestID()

	// Parse request body
	var req StitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, ErrInvalidJSON,
			"Invalid JSON in request body", &requestID, nil)
		return
	}

	// Validate request
	if field, err := s.validateStitchRequest(&req); err != nil {
		s.writeValidationErrorResponse(w, field, err.Error(), &requestID)
		return
	}

	opts := s.convertToStitcherOptions(&req)

	src, err := s.resolve(r.Context(), req.URL)
	if err != nil {
		s.handleStitchingError(w, err, &requestID)
		return
	}

	result, err := s.stitcher.StitchSource(r.Context(), src, opts)
	if err != nil {
		s.handleStitchingError(w, err, &requestID)
		return
	}

	switch opts.OutputFormat {
	case tile.FormatJPEG:
		w.Header().Set("Content-Type", "image/jpeg")
	default:
		w.Header().Set("Content-Type", "image/png")
	}

	// Set additional headers
	w.Header().Set("X-Request-ID", requestID)
	w.Header().Set("X-Image-Zoom", strconv.FormatUint(uint64(result.Zoom), 10))
	w.Header().Set("Content-Length", strconv.Itoa(len(result.ImageData)))

	// Write image data
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(result.ImageData); err != nil {
		log.Error("writing response", "request_id", requestID, "err", err)
	}
}

// resolve returns the cached source for pageURL, resolving it at most once concurrently.
// The shared lookup is detached from any single caller; each caller only waits on its own ctx.
func (s *Server) resolve(ctx context.Context, pageURL string) (*stitcher.Source, error) {
	if item := s.sources.Get(pageURL); item != nil {
		return item.Value(), nil
	}

	ch := s.resolving.DoChan(pageURL, func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resolveTimeout)
		defer cancel()

		src, err := s.stitcher.Resolve(rctx, pageURL)
		if err != nil {
			return nil, err
		}
		s.sources.Set(pageURL, src, ttlcache.DefaultTTL)
		return src, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*stitcher.Source), nil
	}
}

func validatePageURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("url is invalid: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("url must have a host")
	}
	return nil
}

// validateStitchRequest validates the incoming stitch request
func (s *Server) validateStitchRequest(req *StitchRequest) (string, error) {
	if err := validatePageURL(req.URL); err != nil {
		return "url", err
	}

	if req.Format != nil {
		switch *req.Format {
		case Png, Jpeg:
		default:
			return "format", fmt.Errorf("format must be png or jpeg")
		}
	}

	return "", nil
}

// convertToStitcherOptions converts API request to internal stitcher options
func (s *Server) convertToStitcherOptions(req *StitchRequest) *stitcher.Options {
	opts := &stitcher.Options{
		PageURL:      req.URL,
		OutputFormat: tile.FormatPNG,
	}

	if req.Zoom != nil {
		opts.Zoom = tile.Zoom(*req.Zoom)
	}

	if req.Format != nil && *req.Format == Jpeg {
		opts.OutputFormat = tile.FormatJPEG
	}

	return opts
}

// handleStitchingError handles errors from resolving and stitching
func (s *Server) handleStitchingError(w http.ResponseWriter, err error, requestID *string) {
	var (
		tileErr *stitcher.TileError
		zoomErr *stitcher.ZoomError
		pageErr *tile.PageError
		infoErr *tile.InfoError
		httpErr *tile.HTTPError
	)

	switch {
	case errors.As(err, &tileErr):
		failedTiles := make([]FailedTileResponse, len(tileErr.FailedTiles))
		for i, ft := range tileErr.FailedTiles {
			failedTiles[i] = FailedTileResponse{
				Error:      ft.Error,
				StatusCode: ft.StatusCode,
				Url:        ft.URL,
			}
		}

		writeJSON(w, http.StatusBadGateway, TileErrorResponse{
			Error:           ErrTileServer,
			Message:         tileErr.Message,
			FailedTiles:     failedTiles,
			SuccessfulTiles: tileErr.SuccessfulTiles,
			TotalTiles:      tileErr.TotalTiles,
			RequestId:       requestID,
		})

	case errors.Is(err, context.DeadlineExceeded):
		s.writeErrorResponse(w, http.StatusGatewayTimeout, ErrTileServerTimeout,
			"Tile server requests timed out", requestID, nil)

	case errors.Is(err, stitcher.ErrTooLarge):
		s.writeErrorResponse(w, http.StatusBadRequest, ErrImageTooLarge,
			err.Error(), requestID, nil)

	case errors.As(err, &zoomErr):
		available := make([]uint32, len(zoomErr.Available))
		for i, z := range zoomErr.Available {
			available[i] = uint32(z)
		}
		s.writeErrorResponse(w, http.StatusBadRequest, ErrZoomUnavailable,
			zoomErr.Error(), requestID, map[string]interface{}{
				"available": available,
			})

	case errors.As(err, &pageErr):
		s.writeErrorResponse(w, http.StatusUnprocessableEntity, ErrPageParse,
			pageErr.Error(), requestID, nil)

	case errors.As(err, &infoErr):
		s.writeErrorResponse(w, http.StatusBadGateway, ErrTileInfo,
			infoErr.Error(), requestID, nil)

	case errors.As(err, &httpErr):
		s.writeErrorResponse(w, http.StatusBadGateway, ErrUpstream,
			err.Error(), requestID, map[string]interface{}{
				"status_code": httpErr.StatusCode,
			})

	default:
		log.Error("request failed", "request_id", *requestID, "err", err)
		s.writeErrorResponse(w, http.StatusInternalServerError, ErrInternal,
			"Internal server error", requestID, nil)
	}
}

// writeErrorResponse writes a standard error response
func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string, requestID *string, details map[string]interface{}) {
	response := ErrorResponse{
		Error:     errorCode,
		Message:   message,
		RequestId: requestID,
	}

	if details != nil {
		response.Details = &details
	}

	writeJSON(w, statusCode, response)
}

// writeValidationErrorResponse writes a validation error response
func (s *Server) writeValidationErrorResponse(w http.ResponseWriter, field, message string, requestID *string) {
	writeJSON(w, http.StatusBadRequest, ValidationErrorResponse{
		Error:     ErrValidation,
		Message:   message,
		RequestId: requestID,
		ValidationErrors: []ValidationError{
			{
				Field:   field,
				Message: message,
			},
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("encoding response", "err", err)
	}
}

// generateRequestID generates a unique request ID
func generateRequestID() string {
	return "req_" + uuid.NewString()
}
