package stitcher

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kiesman99/gapstitch/internal/pagemeta"
	"github.com/kiesman99/gapstitch/internal/store"
	"github.com/kiesman99/gapstitch/pkg/tile"
)

// Options contains all stitching parameters
type Options struct {
	PageURL string
	// Zoom selects the level by inverse scale; 0 means the finest level
	Zoom         tile.Zoom
	OutputFormat int
}

// Config tunes how tiles are downloaded
type Config struct {
	Client      *http.Client
	UserAgent   string
	Concurrency int
	// RateLimit is the maximum tile requests per second; 0 disables pacing
	RateLimit float64
	Retries   int
	Backoff   time.Duration
	// TileHost overrides the host tiles are signed for and fetched from.
	// Empty uses the host of the page's image path.
	TileHost  string
	Decrypter tile.Decrypter
	Store     *store.Store
	Logger    *log.Logger
	// MaxPixels caps the canvas of a single stitch
	MaxPixels int64
}

// DefaultMaxPixels is the canvas cap used when Config.MaxPixels is unset
const DefaultMaxPixels = 1 << 30

// ErrTooLarge is returned when a level exceeds Config.MaxPixels
var ErrTooLarge = errors.New("requested image size too large")

// Source is a resolved viewer page
type Source struct {
	Credential tile.Credential
	Info       *tile.Info
	Title      string
}

// Result contains the stitching result
type Result struct {
	ImageData []byte
	Width     int
	Height    int
	Zoom      tile.Zoom
	Title     string
}

// TileError represents errors related to tile downloading
type TileError struct {
	Message         string
	FailedTiles     []FailedTile
	SuccessfulTiles int
	TotalTiles      int
}

func (e *TileError) Error() string {
	return e.Message
}

// FailedTile represents a single failed tile download
type FailedTile struct {
	URL        string
	StatusCode *int
	Error      string
}

// ZoomError is returned when the requested zoom is not in the pyramid
type ZoomError struct {
	Zoom      tile.Zoom
	Available []tile.Zoom
}

func (e *ZoomError) Error() string {
	return fmt.Sprintf("zoom %d not available, have %v", e.Zoom, e.Available)
}

// Stitcher performs tile stitching operations
type Stitcher struct {
	cfg       Config
	processor *tile.Processor
	limiter   *rate.Limiter
	logger    *log.Logger
}

// New creates a new stitcher instance
func New(cfg Config) *Stitcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	if cfg.Decrypter == nil {
		cfg.Decrypter = tile.Passthrough
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "gapstitch/1.0.0"
	}
	if cfg.MaxPixels <= 0 {
		cfg.MaxPixels = DefaultMaxPixels
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &Stitcher{
		cfg:       cfg,
		processor: tile.NewProcessor(cfg.Client, cfg.UserAgent),
		limiter:   rate.NewLimiter(limit, cfg.Concurrency),
		logger:    logger,
	}
}

// Resolve fetches a viewer page and the pyramid descriptor it points at
func (s *Stitcher) Resolve(ctx context.Context, pageURL string) (*Source, error) {
	page, err := s.processor.Fetch(ctx, pageURL)
	if err != nil {
		return nil, fmt.Errorf("fetching page: %w", err)
	}

	html := string(page)
	cred, err := tile.ExtractCredential(html)
	if err != nil {
		return nil, err
	}

	title, err := pagemeta.Title(html)
	if err != nil {
		s.logger.Warn("no page title", "err", err)
	}

	s.logger.Debug("credential found", "path", cred.Path)

	doc, err := s.processor.Fetch(ctx, cred.InfoURL())
	if err != nil {
		return nil, fmt.Errorf("fetching tile info: %w", err)
	}

	info, err := tile.ParseInfo(string(doc))
	if err != nil {
		return nil, err
	}

	return &Source{Credential: cred, Info: info, Title: title}, nil
}

// SelectLevel picks the level for zoom, 0 meaning the finest one
func SelectLevel(info *tile.Info, zoom tile.Zoom) (tile.Level, error) {
	if zoom == 0 {
		return info.Finest(), nil
	}
	level, ok := info.Level(zoom)
	if !ok {
		return tile.Level{}, &ZoomError{Zoom: zoom, Available: info.Zooms()}
	}
	return level, nil
}

// Stitch performs the tile stitching operation
func (s *Stitcher) Stitch(ctx context.Context, opts *Options) (*Result, error) {
	src, err := s.Resolve(ctx, opts.PageURL)
	if err != nil {
		return nil, err
	}
	return s.StitchSource(ctx, src, opts)
}

// StitchSource stitches an already resolved page
func (s *Stitcher) StitchSource(ctx context.Context, src *Source, opts *Options) (*Result, error) {
	info := src.Info
	level, err := SelectLevel(info, opts.Zoom)
	if err != nil {
		return nil, err
	}

	width := int(level.PixelWidth(info.TileWidth))
	height := int(level.PixelHeight(info.TileHeight))

	// Check size limits
	if int64(width)*int64(height) > s.cfg.MaxPixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrTooLarge, width, height, s.cfg.MaxPixels)
	}

	s.logger.Info("stitching",
		"title", src.Title,
		"zoom", level.InverseScale,
		"tiles", level.TileCount(),
		"size", fmt.Sprintf("%dx%d", width, height))

	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	imagePath := src.Credential.ImagePath()
	addrs := level.Addresses()

	var (
		mu              sync.Mutex
		failedTiles     []FailedTile
		successfulTiles int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	for _, addr := range addrs {
		addr := addr
		g.Go(func() error {
			url := src.Credential.URL(s.cfg.TileHost, addr)

			img, err := s.loadTile(gctx, imagePath, url, addr)
			if err != nil {
				// Cancellation aborts the whole stitch
				if ctx.Err() != nil {
					return ctx.Err()
				}
				mu.Lock()
				failedTiles = append(failedTiles, failure(url, err))
				mu.Unlock()
				s.logger.Warn("tile failed", "tile", addr, "err", err)
				return nil
			}

			origin := image.Pt(int(addr.X*info.TileWidth), int(addr.Y*info.TileHeight))
			mu.Lock()
			draw.Draw(canvas, img.Bounds().Sub(img.Bounds().Min).Add(origin), img, img.Bounds().Min, draw.Src)
			successfulTiles++
			done := successfulTiles
			mu.Unlock()

			s.logger.Debug("tile done", "tile", addr, "progress", fmt.Sprintf("%d/%d", done, len(addrs)))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	totalTiles := len(addrs)

	// Check if we have enough successful tiles
	if successfulTiles == 0 {
		return nil, &TileError{
			Message:         "No tiles could be downloaded successfully",
			FailedTiles:     failedTiles,
			SuccessfulTiles: successfulTiles,
			TotalTiles:      totalTiles,
		}
	}

	// If more than 50% of tiles failed, return a tile error
	if len(failedTiles) > totalTiles/2 {
		return nil, &TileError{
			Message:         fmt.Sprintf("Too many tile download failures: %d/%d failed", len(failedTiles), totalTiles),
			FailedTiles:     failedTiles,
			SuccessfulTiles: successfulTiles,
			TotalTiles:      totalTiles,
		}
	}

	if len(failedTiles) > 0 {
		s.logger.Warn("image has holes", "failed", len(failedTiles), "total", totalTiles)
	}

	imageData, err := tile.EncodeImage(canvas, opts.OutputFormat)
	if err != nil {
		return nil, fmt.Errorf("failed to encode output image: %w", err)
	}

	return &Result{
		ImageData: imageData,
		Width:     width,
		Height:    height,
		Zoom:      level.InverseScale,
		Title:     src.Title,
	}, nil
}

// loadTile returns the decoded tile, from the cache when possible
func (s *Stitcher) loadTile(ctx context.Context, imagePath, url string, addr tile.Address) (image.Image, error) {
	if s.cfg.Store != nil {
		data, ok, err := s.cfg.Store.Get(ctx, imagePath, addr)
		if err != nil {
			s.logger.Warn("cache read failed", "tile", addr, "err", err)
		} else if ok {
			if img, err := tile.DecodeImage(data); err == nil {
				return img, nil
			}
		}
	}

	raw, err := s.download(ctx, url)
	if err != nil {
		return nil, err
	}

	data, err := s.cfg.Decrypter.Decrypt(raw)
	if err != nil {
		return nil, &tile.DecryptionError{Addr: addr, Err: err}
	}

	img, err := tile.DecodeImage(data)
	if err != nil {
		return nil, fmt.Errorf("decode error: %w", err)
	}

	if s.cfg.Store != nil {
		if err := s.cfg.Store.Put(ctx, imagePath, addr, data); err != nil {
			s.logger.Warn("cache write failed", "tile", addr, "err", err)
		}
	}

	return img, nil
}

// download fetches url, retrying transient failures with linear backoff
func (s *Stitcher) download(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * s.cfg.Backoff):
			}
		}

		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		data, err := s.processor.Fetch(ctx, url)
		if err == nil {
			return data, nil
		}
		lastErr = err

		var httpErr *tile.HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode < 500 && httpErr.StatusCode != http.StatusTooManyRequests {
			break
		}
	}
	return nil, lastErr
}

func failure(url string, err error) FailedTile {
	ft := FailedTile{URL: url, Error: err.Error()}
	var httpErr *tile.HTTPError
	if errors.As(err, &httpErr) {
		code := httpErr.StatusCode
		ft.StatusCode = &code
	}
	return ft
}
