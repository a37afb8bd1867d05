package logger

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/iurnickita/coursepay/internal/logger/config"
)

func TestNewZapLog(t *testing.T) {
	zl, err := NewZapLog(config.Config{LogLevel: "debug"})
	require.NoError(t, err)
	require.True(t, zl.Core().Enabled(zap.DebugLevel))

	_, err = NewZapLog(config.Config{LogLevel: "loud"})
	require.Error(t, err)
}

func TestRequestLogMdlw(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	zaplog := zap.New(core)

	var seen string
	h := RequestLogMdlw(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		seen = string(body)
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream"))
	}, zaplog)

	r := httptest.NewRequest(http.MethodPost, "/payment/order", strings.NewReader(`{"courseIds":["c1"]}`))
	w := httptest.NewRecorder()
	h(w, r)

	// тело доступно хендлеру после логирования
	require.Equal(t, `{"courseIds":["c1"]}`, seen)
	require.Equal(t, http.StatusBadGateway, w.Code)

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, "/payment/order", entries[0].ContextMap()["path"])
	require.Equal(t, zap.WarnLevel, entries[1].Level)
	require.Equal(t, int64(http.StatusBadGateway), entries[1].ContextMap()["code"])
	require.Equal(t, "upstream", entries[1].ContextMap()["body"])
}
