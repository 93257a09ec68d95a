package source

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func readAll(t *testing.T, src Source) ([]Row, []*RowError) {
	t.Helper()
	ctx := context.Background()
	r, err := src.Open(ctx)
	require.NoError(t, err)
	defer r.Close()

	var rows []Row
	var rowErrs []*RowError
	for {
		row, err := r.Read(ctx)
		if err == io.EOF {
			break
		}
		var rowErr *RowError
		if errors.As(err, &rowErr) {
			rowErrs = append(rowErrs, rowErr)
			continue
		}
		require.NoError(t, err)
		rows = append(rows, row)
	}
	return rows, rowErrs
}

func TestRegistry_Read(t *testing.T) {
	path := writeFile(t, "NUM_20240101.dat",
		"sleutelVerzendend|huisnummer|NUM/OPR/sleutelVerzendend|NUM/OPR/TijdvakRelatie/begindatumRelatie\r\n"+
			"0363200000000001|12|0363300000000001|20100101\r\n"+
			"\r\n"+
			"0363200000000002|14\r\n"+
			"0363200000000003|16|0363300000000002|20110101\r\n")

	rows, rowErrs := readAll(t, Registry{Path: path})
	require.Len(t, rows, 2)
	require.Len(t, rowErrs, 1)
	require.Equal(t, 4, rowErrs[0].Line)

	key, err := rows[0].Schema().Field("NUM/OPR/sleutelVerzendend")
	require.NoError(t, err)
	require.Equal(t, "0363300000000001", rows[0].Get(key))
	require.Equal(t, "NUM_20240101.dat", rows[0].File)
	require.Equal(t, 2, rows[0].Line)
	require.Equal(t, 5, rows[1].Line)
}

func TestRegistry_ExpectedFieldMissing(t *testing.T) {
	path := writeFile(t, "OPR.dat", "sleutelVerzendend|naam\n1|Dam\n")

	_, err := Registry{Path: path, Expect: []string{"sleutelVerzendend", "type"}}.Open(context.Background())
	require.ErrorIs(t, err, ErrMissingField)
}

func TestRegistry_MissingFile(t *testing.T) {
	_, err := Registry{Path: filepath.Join(t.TempDir(), "absent.dat")}.Open(context.Background())
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestWKTPairs_Read(t *testing.T) {
	path := writeFile(t, "VBO_geometrie.wkt",
		"00363010000000001|POINT(121394 487383)\n"+
			"no separator here\n"+
			"00363010000000002|\n")

	rows, rowErrs := readAll(t, WKTPairs{Path: path})
	require.Len(t, rows, 2)
	require.Len(t, rowErrs, 1)

	key, err := rows[0].Schema().Field("key")
	require.NoError(t, err)
	wkt, err := rows[0].Schema().Field("wkt")
	require.NoError(t, err)

	require.Equal(t, "363010000000001", Unpad(rows[0].Get(key), 15))
	require.Equal(t, "POINT(121394 487383)", rows[0].Get(wkt))
	require.Equal(t, "", rows[1].Get(wkt))
}

func TestUnpad(t *testing.T) {
	tests := []struct {
		key      string
		width    int
		expected string
	}{
		{"000123", 3, "123"},
		{"0123", 4, "0123"},
		{"0363010000000001", 16, "0363010000000001"},
		{"00363010000000001", 16, "0363010000000001"},
		{" 0042 ", 2, "42"},
	}
	for _, tt := range tests {
		if got := Unpad(tt.key, tt.width); got != tt.expected {
			t.Errorf("Unpad(%q, %d) = %q, want %q", tt.key, tt.width, got, tt.expected)
		}
	}
}

func TestCSV_HeaderDiscoveryAndBOM(t *testing.T) {
	content := "\xEF\xBB\xBFExport BAG codes;;\n" +
		"gegenereerd 2024-01-01;;\n" +
		"Domein;Code;Omschrijving\n" +
		"BRN;20;Geconstateerd adres\n" +
		";;\n" +
		"BRN;21\n" +
		"STS;1;Naamgeving uitgegeven\n"
	path := writeFile(t, "codes.csv", content)

	rows, rowErrs := readAll(t, CSV{Path: path, Required: []string{"domein", "code"}})
	require.Len(t, rows, 2)
	require.Len(t, rowErrs, 1)

	omschrijving, err := rows[0].Schema().Field("omschrijving")
	require.NoError(t, err, "field lookup is case-insensitive")
	require.Equal(t, "Geconstateerd adres", rows[0].Get(omschrijving))
	require.Equal(t, 4, rows[0].Line)
}

func TestCSV_Limit(t *testing.T) {
	path := writeFile(t, "rights.csv", "id,parcel\n1,a\n2,b\n3,c\n")

	rows, _ := readAll(t, CSV{Path: path, Delimiter: ',', Required: []string{"id"}, Limit: 2})
	require.Len(t, rows, 2)
}

func TestCSV_Windows1252(t *testing.T) {
	path := writeFile(t, "opr.csv", "id;naam\n1;Caf\xe9plein\n")

	rows, _ := readAll(t, CSV{Path: path, Encoding: "windows-1252", Required: []string{"id"}})
	require.Len(t, rows, 1)
	naam, _ := rows[0].Lookup("naam")
	require.Equal(t, "Caféplein", naam)
}

func TestCSV_HeaderNotFound(t *testing.T) {
	path := writeFile(t, "x.csv", "a;b\n1;2\n")

	_, err := CSV{Path: path, Required: []string{"Domein"}}.Open(context.Background())
	require.Error(t, err)
}

func TestShapefile_Read(t *testing.T) {
	path := filepath.Join(t.TempDir(), "percelen.shp")

	w, err := shp.Create(path, shp.POLYGON)
	require.NoError(t, err)
	require.NoError(t, w.SetFields([]shp.Field{
		shp.StringField("AKRKADGEM", 5),
		shp.StringField("SECTIE", 2),
	}))
	polygon := shp.Polygon(*shp.NewPolyLine([][]shp.Point{{
		{X: 0, Y: 0}, {X: 0, Y: 10}, {X: 10, Y: 10}, {X: 10, Y: 0}, {X: 0, Y: 0},
	}}))
	n := w.Write(&polygon)
	require.NoError(t, w.WriteAttribute(int(n), 0, "ASD15"))
	require.NoError(t, w.WriteAttribute(int(n), 1, "S"))
	w.Close()

	rows, rowErrs := readAll(t, Shapefile{Path: path, Expect: []string{"AKRKADGEM", "SECTIE"}})
	require.Empty(t, rowErrs)
	require.Len(t, rows, 1)

	gem, ok := rows[0].Lookup("AKRKADGEM")
	require.True(t, ok)
	require.Equal(t, "ASD15", gem)

	p, ok := rows[0].Shape().(orb.Polygon)
	require.True(t, ok, "got %T", rows[0].Shape())
	require.Len(t, p[0], 5)
}

func TestLocate(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"NUM_20230101.dat", "NUM_20240101.dat", "OPR_20250101.dat"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}

	got, err := Locate(dir, "NUM_*.dat")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "NUM_20240101.dat"), got)

	_, err = Locate(dir, "PND_*.dat")
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestSchema_Fields(t *testing.T) {
	s := NewSchema([]string{"a", " b ", "c"})

	fields, err := s.Fields("a", "b")
	require.NoError(t, err)
	require.Len(t, fields, 2)

	_, err = s.Fields("a", "x", "y")
	require.ErrorIs(t, err, ErrMissingField)
	require.Contains(t, err.Error(), "x, y")

	row := NewRow(s, "f", 1, []string{" 1 ", "2"})
	require.Equal(t, "1", row.Get(fields[0]))
	require.Equal(t, "2", row.Get(fields[1]))
	v, ok := row.Lookup("c")
	require.True(t, ok)
	require.Equal(t, "", v)
}

func TestNewest_OpensLatestExtract(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "OPR_20230101.dat"), []byte("sleutelVerzendend\nold\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "OPR_20240101.dat"), []byte("sleutelVerzendend\nnew\n"), 0o644))

	src := Newest(dir, "OPR_*.dat", func(path string) Source { return Registry{Path: path} })
	rows, _ := readAll(t, src)
	require.Len(t, rows, 1)
	v, _ := rows[0].Lookup("sleutelVerzendend")
	require.Equal(t, "new", v)

	_, err := Newest(dir, "PND_*.dat", func(path string) Source { return Registry{Path: path} }).Open(context.Background())
	require.ErrorIs(t, err, os.ErrNotExist)
}
