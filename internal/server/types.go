package server

import "time"

// HealthStatus values
const (
	Healthy   = "healthy"
	Unhealthy = "unhealthy"
)

// Error codes
const (
	ErrInvalidJSON       = "INVALID_JSON"
	ErrValidation        = "VALIDATION_ERROR"
	ErrPageParse         = "PAGE_PARSE_ERROR"
	ErrTileInfo          = "TILE_INFO_ERROR"
	ErrZoomUnavailable   = "ZOOM_UNAVAILABLE"
	ErrImageTooLarge     = "IMAGE_TOO_LARGE"
	ErrTileServer        = "TILE_SERVER_ERROR"
	ErrTileServerTimeout = "TILE_SERVER_TIMEOUT"
	ErrUpstream          = "UPSTREAM_ERROR"
	ErrInternal          = "INTERNAL_ERROR"
)

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    *int      `json:"uptime,omitempty"`
	Version   *string   `json:"version,omitempty"`
}

// TileURLResponse is returned by GET /tiles/url
type TileURLResponse struct {
	URL string `json:"url"`
}

// LevelResponse describes one pyramid level
type LevelResponse struct {
	InverseScale uint32 `json:"inverse_scale"`
	TilesAcross  uint32 `json:"tiles_across"`
	TilesDown    uint32 `json:"tiles_down"`
	Width        uint32 `json:"width"`
	Height       uint32 `json:"height"`
}

// InfoResponse is returned by GET /info
type InfoResponse struct {
	Title       string          `json:"title,omitempty"`
	Path        string          `json:"path"`
	ImageWidth  uint32          `json:"image_width"`
	ImageHeight uint32          `json:"image_height"`
	TileWidth   uint32          `json:"tile_width"`
	TileHeight  uint32          `json:"tile_height"`
	Timestamp   uint64          `json:"timestamp"`
	Levels      []LevelResponse `json:"levels"`
}

// OutputFormat of a stitched image
type OutputFormat string

// Output formats
const (
	Png  OutputFormat = "png"
	Jpeg OutputFormat = "jpeg"
)

// StitchRequest is the body of POST /stitch
type StitchRequest struct {
	URL    string        `json:"url"`
	Zoom   *uint32       `json:"zoom,omitempty"`
	Format *OutputFormat `json:"format,omitempty"`
}

// ErrorResponse is the generic error body
type ErrorResponse struct {
	Error     string                  `json:"error"`
	Message   string                  `json:"message"`
	RequestId *string                 `json:"request_id,omitempty"`
	Details   *map[string]interface{} `json:"details,omitempty"`
}

// FailedTileResponse is one entry of TileErrorResponse
type FailedTileResponse struct {
	Error      string `json:"error"`
	StatusCode *int   `json:"status_code,omitempty"`
	Url        string `json:"url"`
}

// TileErrorResponse reports tile download failures
type TileErrorResponse struct {
	Error           string               `json:"error"`
	Message         string               `json:"message"`
	FailedTiles     []FailedTileResponse `json:"failed_tiles"`
	SuccessfulTiles int                  `json:"successful_tiles"`
	TotalTiles      int                  `json:"total_tiles"`
	RequestId       *string              `json:"request_id,omitempty"`
}

// ValidationError is one entry of ValidationErrorResponse
type ValidationError struct {
	Code    *string `json:"code,omitempty"`
	Field   string  `json:"field"`
	Message string  `json:"message"`
}

// ValidationErrorResponse reports invalid requests
type ValidationErrorResponse struct {
	Error            string            `json:"error"`
	Message          string            `json:"message"`
	RequestId        *string           `json:"request_id,omitempty"`
	ValidationErrors []ValidationError `json:"validation_errors"`
}
