package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/netlistener/errors"
	"github.com/c360/netlistener/network"
)

func newSink(t *testing.T, args map[string]string) *Sink {
	t.Helper()
	s, err := New(args, network.Dependencies{})
	require.NoError(t, err)
	return s.(*Sink)
}

func TestSendMessage_Formats(t *testing.T) {
	body := []byte("{\n  \"location\": \"R0-CH0-CN0\",\n  \"value\": 42\n}")

	tests := []struct {
		format string
		want   string
	}{
		{FormatJSONL, "{\"location\":\"R0-CH0-CN0\",\"value\":42}\n{\"location\":\"R0-CH0-CN0\",\"value\":42}\n"},
		{FormatJSON, "{\n  \"location\": \"R0-CH0-CN0\",\n  \"value\": 42\n}\n{\n  \"location\": \"R0-CH0-CN0\",\n  \"value\": 42\n}\n"},
		{FormatRaw, string(body) + "\n" + string(body) + "\n"},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			dir := t.TempDir()
			sink := newSink(t, map[string]string{"format": tt.format, "flushInterval": "1h"})
			require.NoError(t, sink.Connect("file://"+dir))

			require.True(t, sink.SendMessage(context.Background(), "telemetry", body))
			require.True(t, sink.SendMessage(context.Background(), "telemetry", body))
			require.NoError(t, sink.Close())

			data, err := os.ReadFile(filepath.Join(dir, "netlistener-telemetry."+tt.format))
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(data))
		})
	}
}

func TestSendMessage_InvalidJSONWrittenVerbatim(t *testing.T) {
	dir := t.TempDir()
	sink := newSink(t, nil)
	require.NoError(t, sink.Connect(dir))

	require.True(t, sink.SendMessage(context.Background(), "events", []byte("not json")))
	require.NoError(t, sink.Flush())

	data, err := os.ReadFile(sink.Path("events"))
	require.NoError(t, err)
	assert.Equal(t, "not json\n", string(data))
	require.NoError(t, sink.Close())
}

func TestPath_SanitizesTopic(t *testing.T) {
	sink := newSink(t, map[string]string{"filePrefix": "nl"})
	require.NoError(t, sink.Connect(t.TempDir()))
	defer sink.Close()

	assert.Equal(t, "nl-ucs_evt_ras.jsonl", filepath.Base(sink.Path("ucs/evt.ras")))
}

func TestAppendAndTruncate(t *testing.T) {
	tests := []struct {
		append string
		want   string
	}{
		{"true", "first\nsecond\n"},
		{"false", "second\n"},
	}
	for _, tt := range tests {
		t.Run("append="+tt.append, func(t *testing.T) {
			dir := t.TempDir()
			for _, msg := range []string{"first", "second"} {
				sink := newSink(t, map[string]string{"format": FormatRaw, "append": tt.append})
				require.NoError(t, sink.Connect(dir))
				require.True(t, sink.SendMessage(context.Background(), "t", []byte(msg)))
				require.NoError(t, sink.Close())
			}
			data, err := os.ReadFile(filepath.Join(dir, "netlistener-t.raw"))
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(data))
		})
	}
}

func TestSendMessage_NotConnected(t *testing.T) {
	sink := newSink(t, nil)
	assert.False(t, sink.SendMessage(context.Background(), "t", []byte("x")))
	assert.NoError(t, sink.Close())
}

func TestConnect_Errors(t *testing.T) {
	sink := newSink(t, nil)
	err := sink.Connect("")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrMissingConfig))

	require.NoError(t, sink.Connect(t.TempDir()))
	defer sink.Close()
	err = sink.Connect(t.TempDir())
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestNew_InvalidFormat(t *testing.T) {
	_, err := New(map[string]string{"format": "xml"}, network.Dependencies{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidConfig))
}

func TestRegister(t *testing.T) {
	reg := network.NewSinkRegistry()
	require.NoError(t, Register(reg))
	assert.True(t, reg.HasSink("file"))
}
