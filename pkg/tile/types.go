package tile

import (
	"fmt"
	"net/url"
	"strings"
)

// Zoom is the inverse scale of a pyramid level. It is also the z selector
// embedded in signed tile URLs; 1 is full resolution.
type Zoom uint32

// Level describes one zoom level of the tile pyramid
type Level struct {
	TilesAcross  uint32
	TilesDown    uint32
	InverseScale Zoom
	EdgePaddingX uint32
	EdgePaddingY uint32
}

// PixelWidth returns the cropped pixel width of the level
func (l Level) PixelWidth(tileWidth uint32) uint32 {
	return l.TilesAcross*tileWidth - l.EdgePaddingX
}

// PixelHeight returns the cropped pixel height of the level
func (l Level) PixelHeight(tileHeight uint32) uint32 {
	return l.TilesDown*tileHeight - l.EdgePaddingY
}

// TileCount returns the number of tiles in the level
func (l Level) TileCount() int {
	return int(l.TilesAcross) * int(l.TilesDown)
}

// Addresses enumerates every tile of the level in row-major order
func (l Level) Addresses() []Address {
	addrs := make([]Address, 0, l.TileCount())
	for y := uint32(0); y < l.TilesDown; y++ {
		for x := uint32(0); x < l.TilesAcross; x++ {
			addrs = append(addrs, Address{X: x, Y: y, Z: l.InverseScale})
		}
	}
	return addrs
}

// Info is the parsed pyramid descriptor of one image
type Info struct {
	TileWidth   uint32
	TileHeight  uint32
	ImageWidth  uint32
	ImageHeight uint32
	Timestamp   uint64
	// Levels are kept in document order. Index is not the zoom.
	Levels []Level
}

// Level returns the level whose inverse scale equals z
func (i *Info) Level(z Zoom) (Level, bool) {
	for _, l := range i.Levels {
		if l.InverseScale == z {
			return l, true
		}
	}
	return Level{}, false
}

// Finest returns the level with the smallest inverse scale
func (i *Info) Finest() Level {
	best := i.Levels[0]
	for _, l := range i.Levels[1:] {
		if l.InverseScale < best.InverseScale {
			best = l
		}
	}
	return best
}

// Coarsest returns the level with the largest inverse scale
func (i *Info) Coarsest() Level {
	best := i.Levels[0]
	for _, l := range i.Levels[1:] {
		if l.InverseScale > best.InverseScale {
			best = l
		}
	}
	return best
}

// Zooms lists the inverse scales present in the descriptor, in document order
func (i *Info) Zooms() []Zoom {
	zooms := make([]Zoom, len(i.Levels))
	for n, l := range i.Levels {
		zooms[n] = l.InverseScale
	}
	return zooms
}

// Credential is the (path, token) pair scraped from a viewer page
type Credential struct {
	// Path is the og:image URL, scheme included.
	Path  string
	Token string
}

// ImagePath returns the path with scheme and host removed, the form that gets signed
func (c Credential) ImagePath() string {
	u, err := url.Parse(c.Path)
	if err != nil || u.Host == "" {
		return c.Path
	}
	return strings.TrimPrefix(u.Path, "/")
}

// Host returns the host the image path lives on, or "" when Path carries none
func (c Credential) Host() string {
	u, err := url.Parse(c.Path)
	if err != nil {
		return ""
	}
	return u.Host
}

// InfoURL returns the URL of the pyramid descriptor for this image
func (c Credential) InfoURL() string {
	return c.Path + "=g"
}

// Address is the logical coordinate of one tile
type Address struct {
	X, Y uint32
	Z    Zoom
}

func (a Address) String() string {
	return fmt.Sprintf("x%d-y%d-z%d", a.X, a.Y, a.Z)
}
