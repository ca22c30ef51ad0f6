package tile

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/net/proxy"
)

// Output format constants
const (
	FormatPNG = iota
	FormatJPEG
)

// HTTPError is returned for a non-200 response
type HTTPError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Status)
}

// Processor handles page, descriptor and tile downloads
type Processor struct {
	client    *http.Client
	userAgent string
}

// NewProcessor creates a new processor on top of client
func NewProcessor(client *http.Client, userAgent string) *Processor {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Processor{
		client:    client,
		userAgent: userAgent,
	}
}

// NewHTTPClient builds the client used for all downloads. A non-empty
// socksAddr routes every connection through that SOCKS5 proxy.
func NewHTTPClient(timeout time.Duration, socksAddr string) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	if socksAddr != "" {
		dialer, err := proxy.SOCKS5("tcp", socksAddr, nil, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("socks5 proxy %s: %w", socksAddr, err)
		}
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = cd.DialContext
		} else {
			transport.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
		transport.Proxy = nil
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}, nil
}

// Fetch downloads url and returns the body
func (p *Processor) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPError{URL: url, StatusCode: resp.StatusCode, Status: resp.Status}
	}

	return io.ReadAll(resp.Body)
}

// DecodeImage detects image format and decodes
func DecodeImage(data []byte) (image.Image, error) {
	if len(data) >= 4 && bytes.Equal(data[:4], []byte{0x89, 0x50, 0x4E, 0x47}) {
		return png.Decode(bytes.NewReader(data))
	} else if len(data) >= 2 && bytes.Equal(data[:2], []byte{0xFF, 0xD8}) {
		return jpeg.Decode(bytes.NewReader(data))
	}

	return nil, fmt.Errorf("unrecognized image format")
}

// EncodeImage encodes img in the given output format
func EncodeImage(img image.Image, format int) ([]byte, error) {
	var output bytes.Buffer
	var err error

	switch format {
	case FormatJPEG:
		err = jpeg.Encode(&output, img, &jpeg.Options{Quality: 95})
	case FormatPNG:
		err = png.Encode(&output, img)
	default:
		return nil, fmt.Errorf("unknown output format %d", format)
	}
	if err != nil {
		return nil, err
	}

	return output.Bytes(), nil
}

// WriteImage writes encoded image data to filename, or stdout when filename is empty
func WriteImage(filename string, data []byte) error {
	if filename == "" {
		_, err := os.Stdout.Write(data)
		return err
	}

	return os.WriteFile(filename, data, 0o644)
}
