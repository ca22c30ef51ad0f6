package tile

import (
	"context"
	"errors"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solid(w, h int, c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(r.Header.Get("User-Agent")))
	}))
	defer server.Close()

	p := NewProcessor(server.Client(), "gapstitch-test")

	body, err := p.Fetch(context.Background(), server.URL+"/ok")
	require.NoError(t, err)
	assert.Equal(t, "gapstitch-test", string(body))

	_, err = p.Fetch(context.Background(), server.URL+"/missing")
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusNotFound, httpErr.StatusCode)
}

func TestFetchCanceled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewProcessor(server.Client(), "").Fetch(ctx, server.URL)
	require.Error(t, err)
}

func TestEncodeDecodeImage(t *testing.T) {
	src := solid(3, 2, color.RGBA{R: 200, G: 10, B: 10, A: 255})

	for _, format := range []int{FormatPNG, FormatJPEG} {
		data, err := EncodeImage(src, format)
		require.NoError(t, err)

		img, err := DecodeImage(data)
		require.NoError(t, err)
		assert.Equal(t, 3, img.Bounds().Dx())
		assert.Equal(t, 2, img.Bounds().Dy())
	}

	_, err := EncodeImage(src, 42)
	assert.Error(t, err)

	_, err = DecodeImage([]byte("GIF89a"))
	assert.Error(t, err)
}

func TestNewHTTPClient(t *testing.T) {
	client, err := NewHTTPClient(5*time.Second, "")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, client.Timeout)

	client, err = NewHTTPClient(time.Second, "127.0.0.1:9050")
	require.NoError(t, err)
	assert.NotNil(t, client.Transport)
}

func TestDecrypter(t *testing.T) {
	out, err := Passthrough.Decrypt([]byte("raw"))
	require.NoError(t, err)
	assert.Equal(t, "raw", string(out))

	failing := DecrypterFunc(func([]byte) ([]byte, error) { return nil, errors.New("bad header") })
	_, err = failing.Decrypt(nil)
	wrapped := &DecryptionError{Addr: Address{X: 1, Y: 2, Z: 4}, Err: err}
	assert.EqualError(t, wrapped, "decrypting tile x1-y2-z4: bad header")
	assert.ErrorContains(t, errors.Unwrap(wrapped), "bad header")
}
