package geometry

import (
	"errors"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const square = "POLYGON((121000 487000,121010 487000,121010 487010,121000 487010,121000 487000))"

func TestNormalizer_FromWKT(t *testing.T) {
	n := NewNormalizer(0)

	tests := []struct {
		name     string
		text     string
		kind     Kind
		wantKind Kind
		wantErr  bool
	}{
		{"point", "POINT(121394.5 487383.2)", Point, Point, false},
		{"polygon", square, Polygon, Polygon, false},
		{"polygon coerced to multipolygon", square, MultiPolygon, MultiPolygon, false},
		{"srid prefix", "SRID=28992;" + square, Polygon, Polygon, false},
		{"single member multipolygon as polygon", "MULTIPOLYGON(((0 0,1 0,1 1,0 1,0 0)))", Polygon, Polygon, false},
		{"foreign srid rejected", "SRID=4326;POINT(4.9 52.3)", Point, Point, true},
		{"garbage", "POLYGON((1 2, 3", Polygon, Polygon, true},
		{"empty", "  ", Point, Point, true},
		{"kind mismatch", "POINT(1 2)", Polygon, Polygon, true},
		{"open ring", "POLYGON((0 0,1 0,1 1,0 1))", Polygon, Polygon, true},
		{"too few points", "POLYGON((0 0,1 0,0 0))", MultiPolygon, MultiPolygon, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := n.FromWKT(tt.text, tt.kind)
			if tt.wantErr {
				require.Error(t, err)
				require.True(t, errors.Is(err, ErrInvalidGeometry), "error should wrap ErrInvalidGeometry: %v", err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.wantKind, g.Kind())
			require.Equal(t, SRIDAmersfoortRDNew, g.SRID)
		})
	}
}

func TestNormalizer_FromShape(t *testing.T) {
	n := NewNormalizer(28992)

	_, err := n.FromShape(nil, MultiPolygon)
	require.ErrorIs(t, err, ErrInvalidGeometry)

	ring := orb.Ring{{0, 0}, {0, 1}, {1, 1}, {1, 0}, {0, 0}}
	g, err := n.FromShape(orb.Polygon{ring}, MultiPolygon)
	require.NoError(t, err)
	mp, ok := g.Geom.(orb.MultiPolygon)
	require.True(t, ok)
	require.Len(t, mp, 1)
}

func TestGeometry_EWKBRoundTrip(t *testing.T) {
	n := NewNormalizer(0)
	g, err := n.FromWKT(square, MultiPolygon)
	require.NoError(t, err)

	data, err := g.EWKB()
	require.NoError(t, err)

	back, err := FromEWKB(data)
	require.NoError(t, err)
	require.True(t, g.Equal(back), "got %s", back.WKT())
}

func TestGeometry_Centroid(t *testing.T) {
	n := NewNormalizer(0)
	g, err := n.FromWKT(square, Polygon)
	require.NoError(t, err)
	c := g.Centroid()
	require.InDelta(t, 121005, c.X(), 1e-6)
	require.InDelta(t, 487005, c.Y(), 1e-6)
}

func TestAssembleRings(t *testing.T) {
	outerCW := orb.Ring{{0, 0}, {0, 10}, {10, 10}, {10, 0}, {0, 0}}
	holeCCW := orb.Ring{{2, 2}, {4, 2}, {4, 4}, {2, 4}, {2, 2}}
	secondCW := orb.Ring{{20, 0}, {20, 5}, {25, 5}, {25, 0}, {20, 0}}

	g := AssembleRings([]orb.Ring{outerCW, holeCCW})
	p, ok := g.(orb.Polygon)
	require.True(t, ok, "single outer ring should give a Polygon, got %T", g)
	require.Len(t, p, 2)

	g = AssembleRings([]orb.Ring{outerCW, holeCCW, secondCW})
	mp, ok := g.(orb.MultiPolygon)
	require.True(t, ok, "two outer rings should give a MultiPolygon, got %T", g)
	require.Len(t, mp, 2)
	require.Len(t, mp[0], 2)
	require.Len(t, mp[1], 1)

	require.Nil(t, AssembleRings(nil))
}

// Parsing a WKT polygon and serializing it again yields an equal geometry under the project SRID.
func TestFromWKT_RoundTripProperty(t *testing.T) {
	n := NewNormalizer(0)

	rapid.Check(t, func(t *rapid.T) {
		x := rapid.Float64Range(0, 280000).Draw(t, "x")
		y := rapid.Float64Range(300000, 625000).Draw(t, "y")
		w := rapid.Float64Range(0.001, 500).Draw(t, "w")
		h := rapid.Float64Range(0.001, 500).Draw(t, "h")

		ring := orb.Ring{{x, y}, {x + w, y}, {x + w, y + h}, {x, y + h}, {x, y}}
		text := Geometry{Geom: orb.Polygon{ring}}.WKT()

		first, err := n.FromWKT(text, Polygon)
		if err != nil {
			t.Fatalf("parse %q: %v", text, err)
		}
		second, err := n.FromWKT(first.WKT(), Polygon)
		if err != nil {
			t.Fatalf("reparse %q: %v", first.WKT(), err)
		}
		if !first.Equal(second) {
			t.Fatalf("round trip changed geometry: %s != %s", first.WKT(), second.WKT())
		}
		if second.SRID != SRIDAmersfoortRDNew {
			t.Fatalf("SRID = %d", second.SRID)
		}
	})
}
