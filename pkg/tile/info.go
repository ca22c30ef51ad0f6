package tile

import (
	"encoding/xml"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// InfoError reports a malformed pyramid descriptor
type InfoError struct {
	// Field names the offending attribute, "" for structural errors
	Field string
	Err   error
}

func (e *InfoError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid tile info: %v", e.Err)
	}
	return fmt.Sprintf("invalid tile info: %s: %v", e.Field, e.Err)
}

func (e *InfoError) Unwrap() error {
	return e.Err
}

var (
	errMissing = errors.New("missing attribute")
	errZero    = errors.New("must be positive")
	errPadding = errors.New("padding must be smaller than the tile grid")
	errExtent  = errors.New("tile grid exceeds 32-bit pixel range")
)

// number records whether an attribute was present at all, so an absent
// attribute is an error instead of a zero.
type number struct {
	value uint64
	set   bool
	bits  int
}

func (n *number) UnmarshalXMLAttr(attr xml.Attr) error {
	bits := n.bits
	if bits == 0 {
		bits = 32
	}
	v, err := strconv.ParseUint(attr.Value, 10, bits)
	if err != nil {
		return &InfoError{Field: attr.Name.Local, Err: err}
	}
	n.value = v
	n.set = true
	return nil
}

type xmlLevel struct {
	NumTilesX    number `xml:"num_tiles_x,attr"`
	NumTilesY    number `xml:"num_tiles_y,attr"`
	InverseScale number `xml:"inverse_scale,attr"`
	EmptyPelsX   number `xml:"empty_pels_x,attr"`
	EmptyPelsY   number `xml:"empty_pels_y,attr"`
}

// full_pyramid_depth, origin and tiler_version_number are ignored.
type xmlInfo struct {
	XMLName     xml.Name   `xml:"TileInfo"`
	TileWidth   number     `xml:"tile_width,attr"`
	TileHeight  number     `xml:"tile_height,attr"`
	Timestamp   number     `xml:"timestamp,attr"`
	ImageWidth  number     `xml:"image_width,attr"`
	ImageHeight number     `xml:"image_height,attr"`
	Levels      []xmlLevel `xml:"pyramid_level"`
}

type field struct {
	name string
	n    *number
}

func requireAttrs(prefix string, fields ...field) error {
	for _, f := range fields {
		if !f.n.set {
			return &InfoError{Field: prefix + f.name, Err: errMissing}
		}
	}
	return nil
}

// ParseInfo parses a TileInfo XML document. It never returns a partially
// populated descriptor.
func ParseInfo(document string) (*Info, error) {
	raw := xmlInfo{Timestamp: number{bits: 64}}
	if err := xml.Unmarshal([]byte(document), &raw); err != nil {
		var infoErr *InfoError
		if errors.As(err, &infoErr) {
			return nil, infoErr
		}
		return nil, &InfoError{Err: err}
	}

	if err := requireAttrs("",
		field{"tile_width", &raw.TileWidth},
		field{"tile_height", &raw.TileHeight},
		field{"timestamp", &raw.Timestamp},
		field{"image_width", &raw.ImageWidth},
		field{"image_height", &raw.ImageHeight},
	); err != nil {
		return nil, err
	}
	if raw.TileWidth.value == 0 {
		return nil, &InfoError{Field: "tile_width", Err: errZero}
	}
	if raw.TileHeight.value == 0 {
		return nil, &InfoError{Field: "tile_height", Err: errZero}
	}
	if len(raw.Levels) == 0 {
		return nil, &InfoError{Err: errors.New("no pyramid levels")}
	}

	info := &Info{
		TileWidth:   uint32(raw.TileWidth.value),
		TileHeight:  uint32(raw.TileHeight.value),
		ImageWidth:  uint32(raw.ImageWidth.value),
		ImageHeight: uint32(raw.ImageHeight.value),
		Timestamp:   raw.Timestamp.value,
		Levels:      make([]Level, 0, len(raw.Levels)),
	}

	for i := range raw.Levels {
		l := &raw.Levels[i]
		if err := requireAttrs(fmt.Sprintf("pyramid_level[%d].", i),
			field{"num_tiles_x", &l.NumTilesX},
			field{"num_tiles_y", &l.NumTilesY},
			field{"inverse_scale", &l.InverseScale},
			field{"empty_pels_x", &l.EmptyPelsX},
			field{"empty_pels_y", &l.EmptyPelsY},
		); err != nil {
			return nil, err
		}
		if l.NumTilesX.value == 0 || l.NumTilesY.value == 0 {
			return nil, &InfoError{
				Field: fmt.Sprintf("pyramid_level[%d]", i),
				Err:   errors.New("tile grid must be at least 1x1"),
			}
		}
		if l.NumTilesX.value*raw.TileWidth.value > math.MaxUint32 ||
			l.NumTilesY.value*raw.TileHeight.value > math.MaxUint32 {
			return nil, &InfoError{
				Field: fmt.Sprintf("pyramid_level[%d]", i),
				Err:   errExtent,
			}
		}
		if l.EmptyPelsX.value >= l.NumTilesX.value*raw.TileWidth.value {
			return nil, &InfoError{
				Field: fmt.Sprintf("pyramid_level[%d].empty_pels_x", i),
				Err:   errPadding,
			}
		}
		if l.EmptyPelsY.value >= l.NumTilesY.value*raw.TileHeight.value {
			return nil, &InfoError{
				Field: fmt.Sprintf("pyramid_level[%d].empty_pels_y", i),
				Err:   errPadding,
			}
		}
		info.Levels = append(info.Levels, Level{
			TilesAcross:  uint32(l.NumTilesX.value),
			TilesDown:    uint32(l.NumTilesY.value),
			InverseScale: Zoom(l.InverseScale.value),
			EdgePaddingX: uint32(l.EmptyPelsX.value),
			EdgePaddingY: uint32(l.EmptyPelsY.value),
		})
	}

	return info, nil
}
