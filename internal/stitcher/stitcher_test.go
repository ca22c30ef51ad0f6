package stitcher

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiesman99/gapstitch/internal/store"
	"github.com/kiesman99/gapstitch/pkg/tile"
)

const (
	testToken = "TOKEN-abc"
	testImage = "ci/img"
)

// 4x4 tiles; zoom 2 is one padded tile, zoom 1 is 2x2 tiles cropped to 7x6
const testInfo = `<?xml version="1.0" encoding="UTF-8"?>
<TileInfo tile_width="4" tile_height="4" full_pyramid_depth="2" origin="TOP_LEFT" timestamp="1564671682" tiler_version_number="2" image_width="7" image_height="6">
	<pyramid_level num_tiles_x="1" num_tiles_y="1" inverse_scale="2" empty_pels_x="0" empty_pels_y="1"/>
	<pyramid_level num_tiles_x="2" num_tiles_y="2" inverse_scale="1" empty_pels_x="1" empty_pels_y="2"/>
</TileInfo>`

type upstream struct {
	*httptest.Server
	host      string
	tileHits  atomic.Int32
	mu        sync.Mutex
	failTiles map[string]int
}

var palette = []color.RGBA{
	{R: 255, A: 255},
	{G: 255, A: 255},
	{B: 255, A: 255},
	{R: 255, G: 255, A: 255},
}

func tilePNG(c color.Color) []byte {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, c)
		}
	}
	data, err := tile.EncodeImage(img, tile.FormatPNG)
	if err != nil {
		panic(err)
	}
	return data
}

func newUpstream(t *testing.T) *upstream {
	u := &upstream{failTiles: map[string]int{}}
	u.Server = httptest.NewTLSServer(http.HandlerFunc(u.handle))
	parsed, err := url.Parse(u.URL)
	require.NoError(t, err)
	u.host = parsed.Host
	t.Cleanup(u.Close)
	return u
}

func (u *upstream) page() string {
	base := "https://" + u.host + "/" + testImage
	return fmt.Sprintf(`<html><head><title>Test Painting</title>
<meta property="og:image" content="%s"></head>
<body><script>window.INIT_data = [1,"//%s/%s","%s",null];</script></body></html>`,
		base, u.host, testImage, testToken)
}

func (u *upstream) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/asset/painting":
		io.WriteString(w, u.page())
	case r.URL.Path == "/"+testImage+"=g":
		io.WriteString(w, testInfo)
	case strings.HasPrefix(r.URL.Path, "/"+testImage+"=x"):
		u.tileHits.Add(1)
		var x, y, z uint32
		if _, err := fmt.Sscanf(strings.TrimPrefix(r.URL.Path, "/"+testImage), "=x%d-y%d-z%d-t", &x, &y, &z); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		want := tile.SignURL(u.host, testImage, testToken, x, y, tile.Zoom(z))
		if "https://"+u.host+r.URL.Path != want {
			http.Error(w, "bad signature", http.StatusForbidden)
			return
		}
		key := fmt.Sprintf("%d,%d", x, y)
		u.mu.Lock()
		fail := u.failTiles[key] > 0
		if fail {
			u.failTiles[key]--
		}
		u.mu.Unlock()
		if fail {
			http.Error(w, "try again", http.StatusServiceUnavailable)
			return
		}
		w.Write(tilePNG(palette[(y*2+x)%4]))
	default:
		http.NotFound(w, r)
	}
}

func newTestStitcher(u *upstream, cfg Config) *Stitcher {
	cfg.Client = u.Client()
	cfg.TileHost = u.host
	cfg.Backoff = time.Millisecond
	cfg.Logger = log.New(io.Discard)
	return New(cfg)
}

func TestResolve(t *testing.T) {
	u := newUpstream(t)
	s := newTestStitcher(u, Config{})

	src, err := s.Resolve(context.Background(), u.URL+"/asset/painting")
	require.NoError(t, err)
	assert.Equal(t, "https://"+u.host+"/"+testImage, src.Credential.Path)
	assert.Equal(t, testToken, src.Credential.Token)
	assert.Equal(t, "Test Painting", src.Title)
	assert.Equal(t, []tile.Zoom{2, 1}, src.Info.Zooms())
}

func TestResolveNoCredential(t *testing.T) {
	u := newUpstream(t)
	s := newTestStitcher(u, Config{})

	_, err := s.Resolve(context.Background(), u.URL+"/"+testImage+"=g")
	assert.True(t, errors.Is(err, tile.ErrNoPath))

	_, err = s.Resolve(context.Background(), u.URL+"/missing")
	var httpErr *tile.HTTPError
	assert.True(t, errors.As(err, &httpErr))
}

func TestStitchFinest(t *testing.T) {
	u := newUpstream(t)
	s := newTestStitcher(u, Config{Concurrency: 3})

	result, err := s.Stitch(context.Background(), &Options{PageURL: u.URL + "/asset/painting"})
	require.NoError(t, err)
	assert.Equal(t, 7, result.Width)
	assert.Equal(t, 6, result.Height)
	assert.Equal(t, tile.Zoom(1), result.Zoom)
	assert.Equal(t, "Test Painting", result.Title)

	img, err := tile.DecodeImage(result.ImageData)
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, 7, 6), img.Bounds())

	assertColor(t, palette[0], img.At(0, 0))
	assertColor(t, palette[1], img.At(6, 0))
	assertColor(t, palette[2], img.At(0, 5))
	assertColor(t, palette[3], img.At(6, 5))
	assert.Equal(t, int32(4), u.tileHits.Load())
}

func TestStitchImageHost(t *testing.T) {
	u := newUpstream(t)
	s := newTestStitcher(u, Config{})
	s.cfg.TileHost = ""

	result, err := s.Stitch(context.Background(), &Options{PageURL: u.URL + "/asset/painting"})
	require.NoError(t, err)
	assert.Equal(t, 7, result.Width)
	assert.Equal(t, int32(4), u.tileHits.Load())
}

func TestStitchTooLarge(t *testing.T) {
	u := newUpstream(t)

	t.Run("configured cap", func(t *testing.T) {
		s := newTestStitcher(u, Config{MaxPixels: 41})

		_, err := s.Stitch(context.Background(), &Options{PageURL: u.URL + "/asset/painting"})
		require.ErrorIs(t, err, ErrTooLarge)

		result, err := s.Stitch(context.Background(), &Options{PageURL: u.URL + "/asset/painting", Zoom: 2})
		require.NoError(t, err)
		assert.Equal(t, 4, result.Width)
	})

	t.Run("default cap", func(t *testing.T) {
		s := newTestStitcher(u, Config{})
		src := &Source{
			Credential: tile.Credential{Path: "https://" + u.host + "/" + testImage, Token: testToken},
			Info: &tile.Info{
				TileWidth:  512,
				TileHeight: 512,
				Levels:     []tile.Level{{TilesAcross: 200, TilesDown: 200, InverseScale: 1}},
			},
		}

		_, err := s.StitchSource(context.Background(), src, &Options{})
		require.ErrorIs(t, err, ErrTooLarge)
	})

	// only the zoom 2 stitch reached the tile server
	assert.Equal(t, int32(1), u.tileHits.Load())
}

func TestStitchZoom(t *testing.T) {
	u := newUpstream(t)
	s := newTestStitcher(u, Config{})

	result, err := s.Stitch(context.Background(), &Options{PageURL: u.URL + "/asset/painting", Zoom: 2, OutputFormat: tile.FormatJPEG})
	require.NoError(t, err)
	assert.Equal(t, 4, result.Width)
	assert.Equal(t, 3, result.Height)

	_, err = s.Stitch(context.Background(), &Options{PageURL: u.URL + "/asset/painting", Zoom: 3})
	var zoomErr *ZoomError
	require.True(t, errors.As(err, &zoomErr))
	assert.Equal(t, []tile.Zoom{2, 1}, zoomErr.Available)
}

func TestStitchRetries(t *testing.T) {
	u := newUpstream(t)
	u.failTiles["1,1"] = 2
	s := newTestStitcher(u, Config{Concurrency: 1, Retries: 2})

	_, err := s.Stitch(context.Background(), &Options{PageURL: u.URL + "/asset/painting"})
	require.NoError(t, err)
	assert.Equal(t, int32(6), u.tileHits.Load())
}

func TestStitchTooManyFailures(t *testing.T) {
	u := newUpstream(t)
	for _, key := range []string{"0,0", "1,0", "0,1"} {
		u.failTiles[key] = 10
	}
	s := newTestStitcher(u, Config{Concurrency: 1})

	_, err := s.Stitch(context.Background(), &Options{PageURL: u.URL + "/asset/painting"})
	var tileErr *TileError
	require.True(t, errors.As(err, &tileErr))
	assert.Equal(t, 4, tileErr.TotalTiles)
	assert.Equal(t, 1, tileErr.SuccessfulTiles)
	require.Len(t, tileErr.FailedTiles, 3)
	require.NotNil(t, tileErr.FailedTiles[0].StatusCode)
	assert.Equal(t, http.StatusServiceUnavailable, *tileErr.FailedTiles[0].StatusCode)
}

func TestStitchDecryptionFailure(t *testing.T) {
	u := newUpstream(t)
	s := newTestStitcher(u, Config{
		Decrypter: tile.DecrypterFunc(func([]byte) ([]byte, error) {
			return nil, errors.New("bad header")
		}),
	})

	_, err := s.Stitch(context.Background(), &Options{PageURL: u.URL + "/asset/painting"})
	var tileErr *TileError
	require.True(t, errors.As(err, &tileErr))
	assert.Equal(t, 0, tileErr.SuccessfulTiles)
	assert.Contains(t, tileErr.FailedTiles[0].Error, "bad header")
}

func TestStitchUsesStore(t *testing.T) {
	u := newUpstream(t)
	cache, err := store.Open(filepath.Join(t.TempDir(), "tiles.db"))
	require.NoError(t, err)
	defer cache.Close()

	s := newTestStitcher(u, Config{Store: cache})
	opts := &Options{PageURL: u.URL + "/asset/painting"}

	_, err = s.Stitch(context.Background(), opts)
	require.NoError(t, err)
	require.Equal(t, int32(4), u.tileHits.Load())

	n, err := cache.Count(context.Background(), testImage)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	_, err = s.Stitch(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, int32(4), u.tileHits.Load())
}

func TestStitchCanceled(t *testing.T) {
	u := newUpstream(t)
	s := newTestStitcher(u, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Stitch(ctx, &Options{PageURL: u.URL + "/asset/painting"})
	assert.Error(t, err)
}

func assertColor(t *testing.T, want color.RGBA, got color.Color) {
	t.Helper()
	r, g, b, a := got.RGBA()
	assert.Equal(t, want, color.RGBA{R: uint8(r >> 8), G: uint8(g >> 8), B: uint8(b >> 8), A: uint8(a >> 8)})
}
