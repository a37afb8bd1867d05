package logger

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/iurnickita/coursepay/internal/logger/config"
)

// тела длиннее обрезаются в логе
const maxLoggedBody = 2048

func NewZapLog(cfg config.Config) (*zap.Logger, error) {
	// преобразуем текстовый уровень логирования в zap.AtomicLevel
	lvl, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zapcfg := zap.NewProductionConfig()
	zapcfg.Level = lvl
	zapcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapcfg.Build()
}

// middleware-логер для входящих HTTP-запросов.
func RequestLogMdlw(h http.HandlerFunc, zaplog *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// request body
		bodyBytes, _ := io.ReadAll(r.Body)
		r.Body.Close() //  must close
		r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))

		zaplog.Info("got incoming HTTP request",
			zap.String("path", r.URL.Path),
			zap.String("method", r.Method),
			zap.String("remote", r.RemoteAddr),
			zap.String("body", truncate(bodyBytes)),
		)

		wl := NewResponseWriterLogger(w)

		handlerStart := time.Now()
		h(wl, r)
		handlerDuration := time.Since(handlerStart)

		level := zap.InfoLevel
		if wl.statusCode >= http.StatusInternalServerError {
			level = zap.WarnLevel
		}
		zaplog.Log(level, "send HTTP response",
			zap.String("path", r.URL.Path),
			zap.Int("code", wl.statusCode),
			zap.String("body", truncate(wl.body)),
			zap.Int("length", wl.length),
			zap.Duration("duration", handlerDuration),
		)
	}
}

func truncate(b []byte) string {
	if len(b) > maxLoggedBody {
		return string(b[:maxLoggedBody]) + "..."
	}
	return string(b)
}

type responseWriterLogger struct {
	http.ResponseWriter
	statusCode int
	length     int
	body       []byte
}

func NewResponseWriterLogger(w http.ResponseWriter) *responseWriterLogger {
	return &responseWriterLogger{w, http.StatusOK, 0, []byte{}}
}

func (wl *responseWriterLogger) WriteHeader(code int) {
	wl.statusCode = code
	wl.ResponseWriter.WriteHeader(code)
}

func (wl *responseWriterLogger) Write(b []byte) (n int, err error) {
	wl.body = append(wl.body, b...)
	n, err = wl.ResponseWriter.Write(b)
	wl.length += n
	return
}
