package source

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"

	"github.com/Amsterdam/bag-services/internal/geometry"
)

// Shapefile reads ESRI shapefiles. The .shx and .dbf files must sit next to the .shp.
// Row fields are the shapefile's own short attribute names; the feature geometry is
// available through Row.Shape.
type Shapefile struct {
	Path   string
	Expect []string // Attributes that must be declared; checked at open
}

// Name implements Source.
func (s Shapefile) Name() string { return filepath.Base(s.Path) }

// Open implements Source.
func (s Shapefile) Open(ctx context.Context) (Reader, error) {
	if _, err := os.Stat(s.Path); err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	r, err := shp.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("open shapefile %s: %w", s.Name(), err)
	}

	fields := r.Fields()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.String()
	}
	schema := NewSchema(names)

	if len(s.Expect) > 0 {
		if _, err := schema.Fields(s.Expect...); err != nil {
			r.Close()
			return nil, fmt.Errorf("%s: %w", s.Name(), err)
		}
	}

	return &shapeReader{shp: r, name: s.Name(), schema: schema, fields: len(fields)}, nil
}

type shapeReader struct {
	shp    *shp.Reader
	name   string
	schema *Schema
	fields int
}

func (r *shapeReader) Schema() *Schema { return r.schema }

func (r *shapeReader) Read(ctx context.Context) (Row, error) {
	if err := ctx.Err(); err != nil {
		return Row{}, err
	}
	if !r.shp.Next() {
		if err := r.shp.Err(); err != nil {
			return Row{}, fmt.Errorf("read %s: %w", r.name, err)
		}
		return Row{}, io.EOF
	}

	n, shape := r.shp.Shape()
	values := make([]string, r.fields)
	for i := range values {
		values[i] = strings.Trim(r.shp.ReadAttribute(n, i), "\x00 ")
	}

	row := NewRow(r.schema, r.name, n+1, values)
	row.shape = toOrb(shape)
	return row, nil
}

func (r *shapeReader) Close() error { return r.shp.Close() }

// toOrb converts a shapefile shape into an orb geometry; unsupported and null shapes give nil.
func toOrb(shape shp.Shape) orb.Geometry {
	switch s := shape.(type) {
	case *shp.Point:
		return orb.Point{s.X, s.Y}
	case *shp.PointZ:
		return orb.Point{s.X, s.Y}
	case *shp.Polygon:
		return geometry.AssembleRings(splitParts(s.Parts, s.Points))
	case *shp.PolygonZ:
		return geometry.AssembleRings(splitParts(s.Parts, s.Points))
	default:
		return nil
	}
}

func splitParts(parts []int32, points []shp.Point) []orb.Ring {
	rings := make([]orb.Ring, 0, len(parts))
	for i, start := range parts {
		end := int32(len(points))
		if i+1 < len(parts) {
			end = parts[i+1]
		}
		if start < 0 || start > end || int(end) > len(points) {
			continue
		}
		ring := make(orb.Ring, 0, end-start)
		for _, p := range points[start:end] {
			ring = append(ring, orb.Point{p.X, p.Y})
		}
		rings = append(rings, ring)
	}
	return rings
}
