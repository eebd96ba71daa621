package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/iudanet/storagerelay/internal/obfuscator"
	"github.com/iudanet/storagerelay/pkg/api"
)

// RecoveryMiddleware перехватывает panic, логирует стек и отвечает ошибкой.
// Клиенты протокола получают обычный конверт ERROR с кодом операции,
// остальные - 500 Internal Server Error.
func RecoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				err := recover()
				if err == nil {
					return
				}
				// соединение уже оборвано, отвечать некому
				if err == http.ErrAbortHandler {
					panic(err)
				}

				logger.Error("Panic recovered",
					"error", err,
					"method", r.Method,
					"path", sanitizePath(r.URL.Path),
					"remote_addr", r.RemoteAddr,
					"stack", string(debug.Stack()),
				)

				if code, ok := protocolErrorCode(r.URL.Path); ok {
					w.Header().Set("Content-Type", "text/plain; charset=utf-8")
					w.WriteHeader(http.StatusOK)
					_, _ = io.WriteString(w, obfuscator.Obfuscate(api.FormatError(code, "internal error")))
					return
				}

				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// protocolErrorCode возвращает общий код ошибки операции протокола
func protocolErrorCode(path string) (api.ErrorCode, bool) {
	rest, ok := strings.CutPrefix(path, storagePrefix)
	if !ok {
		return 0, false
	}

	op, _, _ := strings.Cut(rest, "/")
	switch op {
	case "registerapp":
		return api.CodeAppRegistrationFailed, true
	case "open":
		return api.CodeOpenStorageFailed, true
	default:
		return api.CodeThingOperationFailed, true
	}
}
