// Package geometry normalizes registry geometry into typed values with a fixed
// spatial reference.
//
// Sources deliver geometry as WKT text (registry extracts, "<key>|<WKT>" files) or
// as shapefile features. Both are normalized into one of Point, Polygon or
// MultiPolygon, tagged with the project SRID, and stored as EWKB.
package geometry

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/ewkb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/planar"
)

// SRIDAmersfoortRDNew is the Dutch national grid, used by all registry extracts.
const SRIDAmersfoortRDNew = 28992

// ErrInvalidGeometry is returned for unparsable, empty or wrongly typed geometry.
var ErrInvalidGeometry = errors.New("invalid geometry")

// Kind is the declared geometry type of a target attribute.
type Kind int

const (
	Point Kind = iota
	Polygon
	MultiPolygon
)

func (k Kind) String() string {
	switch k {
	case Point:
		return "Point"
	case Polygon:
		return "Polygon"
	case MultiPolygon:
		return "MultiPolygon"
	default:
		return "Kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Geometry is a normalized geometry value.
type Geometry struct {
	Geom orb.Geometry
	SRID int
}

// Kind returns the geometry kind.
func (g Geometry) Kind() Kind {
	switch g.Geom.(type) {
	case orb.Point:
		return Point
	case orb.Polygon:
		return Polygon
	default:
		return MultiPolygon
	}
}

// WKT returns the geometry as well-known text.
func (g Geometry) WKT() string {
	return wkt.MarshalString(g.Geom)
}

// EWKB returns the geometry as extended well-known binary including the SRID.
func (g Geometry) EWKB() ([]byte, error) {
	return ewkb.Marshal(g.Geom, g.SRID)
}

// Centroid returns the area-weighted centroid for polygons and the point itself otherwise.
func (g Geometry) Centroid() orb.Point {
	if p, ok := g.Geom.(orb.Point); ok {
		return p
	}
	c, _ := planar.CentroidArea(g.Geom)
	return c
}

// Equal reports whether both geometries have the same SRID and coordinates.
func (g Geometry) Equal(other Geometry) bool {
	return g.SRID == other.SRID && orb.Equal(g.Geom, other.Geom)
}

// FromEWKB decodes a stored geometry.
func FromEWKB(data []byte) (Geometry, error) {
	geom, srid, err := ewkb.Unmarshal(data)
	if err != nil {
		return Geometry{}, fmt.Errorf("%w: %v", ErrInvalidGeometry, err)
	}
	return Geometry{Geom: geom, SRID: srid}, nil
}

// Normalizer parses source geometry into canonical values with one SRID.
type Normalizer struct {
	SRID int
}

// NewNormalizer returns a normalizer for the given SRID, defaulting to RD New.
func NewNormalizer(srid int) *Normalizer {
	if srid <= 0 {
		srid = SRIDAmersfoortRDNew
	}
	return &Normalizer{SRID: srid}
}

// FromWKT parses WKT text, optionally prefixed with "SRID=n;".
// A prefix SRID that differs from the project SRID is rejected; coordinates are never reprojected.
func (n *Normalizer) FromWKT(text string, kind Kind) (Geometry, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Geometry{}, fmt.Errorf("%w: empty", ErrInvalidGeometry)
	}

	if strings.HasPrefix(strings.ToUpper(text), "SRID=") {
		prefix, rest, ok := strings.Cut(text, ";")
		if !ok {
			return Geometry{}, fmt.Errorf("%w: malformed SRID prefix", ErrInvalidGeometry)
		}
		srid, err := strconv.Atoi(strings.TrimSpace(prefix[len("SRID="):]))
		if err != nil {
			return Geometry{}, fmt.Errorf("%w: malformed SRID prefix %q", ErrInvalidGeometry, prefix)
		}
		if srid != n.SRID {
			return Geometry{}, fmt.Errorf("%w: SRID %d, expected %d", ErrInvalidGeometry, srid, n.SRID)
		}
		text = strings.TrimSpace(rest)
	}

	geom, err := wkt.Unmarshal(text)
	if err != nil {
		return Geometry{}, fmt.Errorf("%w: %v", ErrInvalidGeometry, err)
	}
	return n.normalize(geom, kind)
}

// FromShape normalizes a shapefile feature geometry.
func (n *Normalizer) FromShape(geom orb.Geometry, kind Kind) (Geometry, error) {
	if geom == nil {
		return Geometry{}, fmt.Errorf("%w: null shape", ErrInvalidGeometry)
	}
	return n.normalize(geom, kind)
}

func (n *Normalizer) normalize(geom orb.Geometry, kind Kind) (Geometry, error) {
	switch kind {
	case Point:
		p, ok := geom.(orb.Point)
		if !ok {
			if mp, isMulti := geom.(orb.MultiPoint); isMulti && len(mp) == 1 {
				p, ok = mp[0], true
			}
		}
		if !ok {
			return Geometry{}, fmt.Errorf("%w: got %s, expected Point", ErrInvalidGeometry, geom.GeoJSONType())
		}
		return Geometry{Geom: p, SRID: n.SRID}, nil

	case Polygon:
		p, ok := geom.(orb.Polygon)
		if !ok {
			if mp, isMulti := geom.(orb.MultiPolygon); isMulti && len(mp) == 1 {
				p, ok = mp[0], true
			}
		}
		if !ok {
			return Geometry{}, fmt.Errorf("%w: got %s, expected Polygon", ErrInvalidGeometry, geom.GeoJSONType())
		}
		if err := validPolygon(p); err != nil {
			return Geometry{}, err
		}
		return Geometry{Geom: p, SRID: n.SRID}, nil

	case MultiPolygon:
		var mp orb.MultiPolygon
		switch g := geom.(type) {
		case orb.Polygon:
			mp = orb.MultiPolygon{g}
		case orb.MultiPolygon:
			mp = g
		default:
			return Geometry{}, fmt.Errorf("%w: got %s, expected MultiPolygon", ErrInvalidGeometry, geom.GeoJSONType())
		}
		if len(mp) == 0 {
			return Geometry{}, fmt.Errorf("%w: empty multipolygon", ErrInvalidGeometry)
		}
		for _, p := range mp {
			if err := validPolygon(p); err != nil {
				return Geometry{}, err
			}
		}
		return Geometry{Geom: mp, SRID: n.SRID}, nil
	}
	return Geometry{}, fmt.Errorf("%w: unknown kind %s", ErrInvalidGeometry, kind)
}

func validPolygon(p orb.Polygon) error {
	if len(p) == 0 {
		return fmt.Errorf("%w: empty polygon", ErrInvalidGeometry)
	}
	for i, ring := range p {
		if len(ring) < 4 {
			return fmt.Errorf("%w: ring %d has %d points, need at least 4", ErrInvalidGeometry, i, len(ring))
		}
		if !ring.Closed() {
			return fmt.Errorf("%w: ring %d is not closed", ErrInvalidGeometry, i)
		}
	}
	return nil
}

// AssembleRings groups shapefile rings into polygons. Clockwise rings are outer
// boundaries, counter-clockwise rings are holes of the preceding outer ring.
// A single polygon is returned as orb.Polygon, several as orb.MultiPolygon.
func AssembleRings(rings []orb.Ring) orb.Geometry {
	var mp orb.MultiPolygon
	for _, ring := range rings {
		if len(ring) == 0 {
			continue
		}
		if ring.Orientation() == orb.CW || len(mp) == 0 {
			mp = append(mp, orb.Polygon{ring})
			continue
		}
		last := len(mp) - 1
		mp[last] = append(mp[last], ring)
	}
	switch len(mp) {
	case 0:
		return nil
	case 1:
		return mp[0]
	default:
		return mp
	}
}
