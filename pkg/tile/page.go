package tile

import (
	"errors"
	"fmt"
	"strings"
)

const imageMarker = `<meta property="og:image" content="`

var (
	// ErrNoPath means the og:image marker or its closing quote is missing
	ErrNoPath = errors.New("no image path on page")
	// ErrBadPath means the image path has no scheme separator
	ErrBadPath = errors.New("image path has no scheme")
	// ErrNoToken means the token marker derived from the path is missing
	ErrNoToken = errors.New("no download token on page")
)

// PageError reports why a credential could not be extracted from a page
type PageError struct {
	Kind error
	Path string
}

func (e *PageError) Error() string {
	if e.Path == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v (path %q)", e.Kind, e.Path)
}

func (e *PageError) Unwrap() error {
	return e.Kind
}

// ExtractBetween returns the text after the first occurrence of start, up to
// the next occurrence of end.
func ExtractBetween(s, start, end string) (string, bool) {
	i := strings.Index(s, start)
	if i < 0 {
		return "", false
	}
	rest := s[i+len(start):]
	j := strings.Index(rest, end)
	if j < 0 {
		return "", false
	}
	return rest[:j], true
}

// ExtractCredential recovers the image path and signing token from the raw
// markup of a viewer page. It is a literal scan of the page template and
// matches first occurrences only.
func ExtractCredential(html string) (Credential, error) {
	path, ok := ExtractBetween(html, imageMarker, `"`)
	if !ok {
		return Credential{}, &PageError{Kind: ErrNoPath}
	}

	_, remainder, ok := strings.Cut(path, ":")
	if !ok {
		return Credential{}, &PageError{Kind: ErrBadPath, Path: path}
	}

	token, ok := ExtractBetween(html, `,"`+remainder+`","`, `"`)
	if !ok {
		return Credential{}, &PageError{Kind: ErrNoToken, Path: path}
	}

	return Credential{Path: path, Token: token}, nil
}
