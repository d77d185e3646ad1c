package logger

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    slog.Level
		wantErr bool
	}{
		{input: "", want: slog.LevelInfo},
		{input: "DEBUG", want: slog.LevelDebug},
		{input: "warning", want: slog.LevelWarn},
		{input: " error ", want: slog.LevelError},
		{input: "verbose", want: slog.LevelInfo, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestContextAttrsAreLogged(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&buf, "text", slog.LevelDebug)
	require.NoError(t, err)

	ctx := WithAttrs(context.Background(), slog.String("account", "work"))
	ctx = WithAttrs(ctx, slog.String("op", "search_messages"))
	log.With(slog.String("module", "gateway")).InfoContext(ctx, "call finished")

	out := buf.String()
	assert.Contains(t, out, "account=work")
	assert.Contains(t, out, "op=search_messages")
	assert.Contains(t, out, "module=gateway")
}

func TestWithAttrsDoesNotAliasParent(t *testing.T) {
	base := WithAttrs(context.Background(), slog.String("a", "1"), slog.String("b", "2"))
	first := WithAttrs(base, slog.String("c", "3"))
	second := WithAttrs(base, slog.String("d", "4"))

	assert.Len(t, AttrsFrom(base), 2)
	assert.Equal(t, "c", AttrsFrom(first)[2].Key)
	assert.Equal(t, "d", AttrsFrom(second)[2].Key)
}

func TestReplaceAttr(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&buf, "json", slog.LevelInfo)
	require.NoError(t, err)

	log.Info("login", slog.String("password", "hunter2"), slog.Any("error", errors.New("boom")))

	out := buf.String()
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, `"password":"********"`)
	assert.Contains(t, out, `"error":"boom"`)
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	_, err := New(&bytes.Buffer{}, "xml", slog.LevelInfo)
	assert.Error(t, err)
}
