package foreign

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/netlistener/errors"
)

func builtinConverter(t *testing.T) *Converter {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	c, err := LoadConverter(nil)
	require.NoError(t, err)
	return c
}

func TestConverter_ToLocation(t *testing.T) {
	c := builtinConverter(t)

	tests := []struct {
		name    string
		xname   string
		parts   []string
		want    string
		wantErr bool
	}{
		{name: "service node", xname: "sms", want: "R0-SMS"},
		{name: "rack", xname: "x0", want: "R0"},
		{name: "chassis", xname: "x0c0", want: "R0-CH0"},
		{name: "node", xname: "x0c0s3b0n0", want: "R0-CH0-CN3"},
		{name: "all passes through", xname: "all", want: "all"},
		{name: "rack sensor", xname: "x0", parts: []string{"BC_C_I_YY"}, want: "R0-BC_C_I_YY"},
		{
			name:  "sensor and extra",
			xname: "x0c0s3b0n0",
			parts: []string{"BC_I_NODE4_YY", "EXTRA"},
			want:  "R0-CH0-CN3-BC_I_NODE4_YY-EXTRA",
		},
		{
			name:  "cpu without channel ignores dimm",
			xname: "x0c0s2b0n0",
			parts: []string{"BC_I_NODE2_CPU2_DIMM3_YY"},
			want:  "R0-CH0-CN2-CPU2-BC_I_NODE2_CPU2_DIMM3_YY",
		},
		{
			name:  "cpu channel and dimm",
			xname: "x0c0s1b0n0",
			parts: []string{"BC_I_NODE1_CPU2_CH1_DIMM3_YY"},
			want:  "R0-CH0-CN1-CPU2-CH1-DIMM3-BC_I_NODE1_CPU2_CH1_DIMM3_YY",
		},
		{name: "unknown xname", xname: "x0c1s0n0", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.ToLocation(tt.xname, tt.parts...)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, errors.ErrConversion))
				assert.True(t, errors.IsInvalid(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConverter_ToXName(t *testing.T) {
	c := builtinConverter(t)

	tests := []struct {
		location string
		want     string
		wantErr  bool
	}{
		{location: "R0-SMS", want: "sms"},
		{location: "R0", want: "x0"},
		{location: "R0-CH0", want: "x0c0"},
		{location: "R0-CH0-CN2", want: "x0c0s2b0n0"},
		{location: "R0-CH0-CN3-BC_I_NODE3_YY-EXTRA", want: "x0c0s3b0n0"},
		{location: "all", want: "all"},
		{location: "R3-CH0-CN0", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.location, func(t *testing.T) {
			got, err := c.ToXName(tt.location)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoadConverter_Override(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "ucs"), 0o755))
	doc := `{"conversion_node_map": {"n1": "r9-node1"}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ucs", TranslationMapFile), []byte(doc), 0o644))

	c, err := LoadConverter(nil)
	require.NoError(t, err)

	loc, err := c.ToLocation("n1", "SENSOR_CPU1")
	require.NoError(t, err)
	assert.Equal(t, "R9-NODE1-SENSOR_CPU1", loc, "values are upper-cased and missing patterns are skipped")

	_, err = c.ToLocation("x0")
	assert.Error(t, err)
}

func TestNewConverter_Invalid(t *testing.T) {
	_, err := NewConverter(strings.NewReader("not json"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrMetadataLoad))
	assert.True(t, errors.IsFatal(err))

	_, err = NewConverter(strings.NewReader(`{"conversion_node_map": {}}`))
	assert.Error(t, err)

	_, err = NewConverter(strings.NewReader(`{"conversion_node_map": {"a": "b"}, "sensor_embedded_cpu_pattern": "("}`))
	assert.Error(t, err)
}

func TestParseTimestamp(t *testing.T) {
	base := time.Date(2019, 5, 12, 10, 11, 12, 123_000_000, time.UTC).UnixNano()

	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "2019-05-12 10:11:12.123Z", want: base},
		{in: "2019-05-12 11:11:12.123+01:00", want: base},
		{in: "2019-05-12 11:11:12.123+0100", want: base},
		{in: "2019-05-12T10:11:12.123000001Z", want: base + 1},
		{in: "yesterday", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTimestamp(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, errors.ErrParsingFailed))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatTimestamp(t *testing.T) {
	ns := time.Date(2020, 1, 2, 3, 4, 5, 6_000_000, time.UTC).UnixNano()
	assert.Equal(t, "2020-01-02 03:04:05.006Z", FormatTimestamp(ns))
}

func TestSplitStreamedJSON(t *testing.T) {
	docs, err := SplitStreamedJSON(`{"a":1}{"b":2}
 {"c":[1,2]}`)
	require.NoError(t, err)
	assert.Equal(t, []string{`{"a":1}`, `{"b":2}`, `{"c":[1,2]}`}, docs)

	docs, err = SplitStreamedJSON("")
	require.NoError(t, err)
	assert.Empty(t, docs)

	docs, err = SplitStreamedJSON(`{"a":1}{"b":`)
	require.Error(t, err)
	assert.Len(t, docs, 1)
}
