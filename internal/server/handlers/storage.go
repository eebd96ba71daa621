package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/iudanet/storagerelay/internal/obfuscator"
	"github.com/iudanet/storagerelay/pkg/api"
)

// MaxBodySize - максимальный размер тела запроса протокола (registerapp, store)
const MaxBodySize = 16 << 20

// StorageRelay - протокольные операции Manager. Каждая возвращает готовый
// обфусцированный конверт.
type StorageRelay interface {
	RegisterApp(ctx context.Context, repositoryID, body string) string
	OpenStorage(ctx context.Context, appToken, storageID string) string
	StoreThing(ctx context.Context, storageToken, id, body string) string
	ThingExists(ctx context.Context, storageToken, id string) string
	GetThingModifiedOn(ctx context.Context, storageToken, id string) string
	GetThingCopy(ctx context.Context, storageToken, id string) string
	DiscardThing(ctx context.Context, storageToken, id string) string
	FindThingIDs(ctx context.Context, storageToken, pattern string) string
}

// StorageHandler maps storage protocol routes onto relay operations.
// Every response is HTTP 200 with text envelope; errors travel inside it.
type StorageHandler struct {
	logger *slog.Logger
	relay  StorageRelay
}

// NewStorageHandler создает handler протокола
func NewStorageHandler(logger *slog.Logger, relay StorageRelay) *StorageHandler {
	return &StorageHandler{
		logger: logger,
		relay:  relay,
	}
}

// Routes регистрирует маршруты протокола в mux
func (h *StorageHandler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/storage/registerapp/{repositoryId}", h.RegisterApp)
	mux.HandleFunc("GET /api/storage/open/{args...}", h.Open)
	mux.HandleFunc("PUT /api/storage/store/{args...}", h.Store)
	mux.HandleFunc("GET /api/storage/exists/{args...}", h.thing(StorageRelay.ThingExists))
	mux.HandleFunc("GET /api/storage/getmodifiedon/{args...}", h.thing(StorageRelay.GetThingModifiedOn))
	mux.HandleFunc("GET /api/storage/getacopy/{args...}", h.thing(StorageRelay.GetThingCopy))
	mux.HandleFunc("DELETE /api/storage/discard/{args...}", h.thing(StorageRelay.DiscardThing))
	mux.HandleFunc("GET /api/storage/findids/{args...}", h.thing(StorageRelay.FindThingIDs))
}

// splitArgs делит "<token>,<id>" по первой запятой. Без запятой id пустой:
// Manager сам ответит подходящей ошибкой.
func splitArgs(r *http.Request) (token, id string) {
	token, id, _ = strings.Cut(r.PathValue("args"), api.Separator)
	return token, id
}

// readBody читает тело запроса с ограничением размера
func (h *StorageHandler) readBody(w http.ResponseWriter, r *http.Request) (string, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodySize))
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to read request body", slog.Any("error", err))
		return "", false
	}
	return string(body), true
}

// RegisterApp обрабатывает POST /api/storage/registerapp/{repositoryId}
func (h *StorageHandler) RegisterApp(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		h.sendEnvelope(w, obfuscator.Obfuscate(api.FormatError(api.CodeAppRegistrationFailed, "failed to read request body")))
		return
	}
	h.sendEnvelope(w, h.relay.RegisterApp(r.Context(), r.PathValue("repositoryId"), body))
}

// Open обрабатывает GET /api/storage/open/{appToken},{storageId}
func (h *StorageHandler) Open(w http.ResponseWriter, r *http.Request) {
	token, storageID := splitArgs(r)
	h.sendEnvelope(w, h.relay.OpenStorage(r.Context(), token, storageID))
}

// Store обрабатывает PUT /api/storage/store/{storageToken},{thingId}
func (h *StorageHandler) Store(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		h.sendEnvelope(w, obfuscator.Obfuscate(api.FormatError(api.CodeThingOperationFailed, "failed to read request body")))
		return
	}
	token, id := splitArgs(r)
	h.sendEnvelope(w, h.relay.StoreThing(r.Context(), token, id, body))
}

// thing строит handler операции "<storageToken>,<arg>" без тела
func (h *StorageHandler) thing(op func(StorageRelay, context.Context, string, string) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, arg := splitArgs(r)
		h.sendEnvelope(w, op(h.relay, r.Context(), token, arg))
	}
}

func (h *StorageHandler) sendEnvelope(w http.ResponseWriter, envelope string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, envelope); err != nil {
		h.logger.Error("failed to write envelope", slog.Any("error", err))
	}
}
