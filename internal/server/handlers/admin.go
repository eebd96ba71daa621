package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/iudanet/storagerelay/internal/models"
	"github.com/iudanet/storagerelay/internal/server/relay"
	"github.com/iudanet/storagerelay/internal/server/storage"
	"github.com/iudanet/storagerelay/internal/validation"
	"github.com/iudanet/storagerelay/pkg/api"
)

// RepositoryAdmin - административные операции Manager
type RepositoryAdmin interface {
	NewRepository(ctx context.Context, name string) (*relay.RepositoryInfo, error)
	GetRepository(ctx context.Context, id string) (*relay.RepositoryInfo, error)
	ListRepositories(ctx context.Context) ([]*relay.RepositoryInfo, error)
	RemoveRepository(ctx context.Context, id string) error
	FindRepositoryIDs(ctx context.Context, id, pattern string) ([]models.FoundID, error)
	Stats() relay.Stats
}

// TokenIssuer выдает admin token в обмен на общий секрет
type TokenIssuer interface {
	CheckSecret(secret string) error
	GenerateAdminToken() (string, int64, error)
}

// AdminHandler обрабатывает запросы admin API
type AdminHandler struct {
	logger *slog.Logger
	admin  RepositoryAdmin
	tokens TokenIssuer
}

// NewAdminHandler создает новый handler admin API
func NewAdminHandler(logger *slog.Logger, admin RepositoryAdmin, tokens TokenIssuer) *AdminHandler {
	return &AdminHandler{
		logger: logger,
		admin:  admin,
		tokens: tokens,
	}
}

// Routes регистрирует маршруты. protect оборачивает маршруты, требующие токена.
func (h *AdminHandler) Routes(mux *http.ServeMux, protect func(http.Handler) http.Handler) {
	mux.HandleFunc("POST /api/admin/token", h.Token)
	mux.Handle("POST /api/admin/repositories", protect(http.HandlerFunc(h.CreateRepository)))
	mux.Handle("GET /api/admin/repositories", protect(http.HandlerFunc(h.ListRepositories)))
	mux.Handle("GET /api/admin/repositories/{id}", protect(http.HandlerFunc(h.GetRepository)))
	mux.Handle("DELETE /api/admin/repositories/{id}", protect(http.HandlerFunc(h.RemoveRepository)))
	mux.Handle("GET /api/admin/repositories/{id}/ids", protect(http.HandlerFunc(h.FindIDs)))
	mux.Handle("GET /api/admin/stats", protect(http.HandlerFunc(h.Stats)))
}

func repositoryResponse(info *relay.RepositoryInfo) api.RepositoryResponse {
	return api.RepositoryResponse{
		CreatedAt:  info.CreatedAt,
		AccessedOn: info.AccessedOn,
		ID:         info.ID,
		Name:       info.Name,
		PublicKey:  info.PublicKey,
	}
}

// Token обрабатывает POST /api/admin/token
func (h *AdminHandler) Token(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req api.TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.tokens.CheckSecret(req.Secret); err != nil {
		h.logger.WarnContext(ctx, "admin token denied", slog.String("remote_addr", r.RemoteAddr))
		h.sendError(w, "invalid secret", http.StatusUnauthorized)
		return
	}

	token, expiresIn, err := h.tokens.GenerateAdminToken()
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to generate admin token", slog.Any("error", err))
		h.sendError(w, "internal server error", http.StatusInternalServerError)
		return
	}

	h.sendJSON(w, api.TokenResponse{Token: token, ExpiresIn: expiresIn}, http.StatusOK)
}

// CreateRepository обрабатывает POST /api/admin/repositories
func (h *AdminHandler) CreateRepository(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req api.NewRepositoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := validation.ValidateRepositoryName(req.Name); err != nil {
		h.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	info, err := h.admin.NewRepository(ctx, req.Name)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to create repository", slog.Any("error", err))
		h.sendError(w, "internal server error", http.StatusInternalServerError)
		return
	}

	h.sendJSON(w, repositoryResponse(info), http.StatusCreated)
}

// ListRepositories обрабатывает GET /api/admin/repositories
func (h *AdminHandler) ListRepositories(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	list, err := h.admin.ListRepositories(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to list repositories", slog.Any("error", err))
		h.sendError(w, "internal server error", http.StatusInternalServerError)
		return
	}

	resp := api.RepositoryListResponse{Repositories: make([]api.RepositoryResponse, 0, len(list))}
	for _, info := range list {
		resp.Repositories = append(resp.Repositories, repositoryResponse(info))
	}

	h.sendJSON(w, resp, http.StatusOK)
}

// GetRepository обрабатывает GET /api/admin/repositories/{id}
func (h *AdminHandler) GetRepository(w http.ResponseWriter, r *http.Request) {
	info, err := h.admin.GetRepository(r.Context(), r.PathValue("id"))
	if err != nil {
		h.handleRepositoryError(w, r, err)
		return
	}
	h.sendJSON(w, repositoryResponse(info), http.StatusOK)
}

// RemoveRepository обрабатывает DELETE /api/admin/repositories/{id}
func (h *AdminHandler) RemoveRepository(w http.ResponseWriter, r *http.Request) {
	if err := h.admin.RemoveRepository(r.Context(), r.PathValue("id")); err != nil {
		h.handleRepositoryError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// FindIDs обрабатывает GET /api/admin/repositories/{id}/ids?pattern=
func (h *AdminHandler) FindIDs(w http.ResponseWriter, r *http.Request) {
	found, err := h.admin.FindRepositoryIDs(r.Context(), r.PathValue("id"), r.URL.Query().Get("pattern"))
	if err != nil {
		h.handleRepositoryError(w, r, err)
		return
	}

	resp := api.FoundIDsResponse{IDs: make([]api.FoundIDResponse, 0, len(found))}
	for _, f := range found {
		resp.IDs = append(resp.IDs, api.FoundIDResponse{Type: string(f.Type), Namespace: f.Namespace, ID: f.ID})
	}

	h.sendJSON(w, resp, http.StatusOK)
}

// Stats обрабатывает GET /api/admin/stats
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats := h.admin.Stats()
	h.sendJSON(w, api.StatsResponse{
		Repositories: stats.Repositories,
		Apps:         stats.Apps,
		Storages:     stats.Storages,
	}, http.StatusOK)
}

func (h *AdminHandler) handleRepositoryError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, relay.ErrRepositoryNotFound):
		h.sendError(w, "repository not found", http.StatusNotFound)
	case errors.Is(err, storage.ErrInvalidPattern):
		h.sendError(w, err.Error(), http.StatusBadRequest)
	default:
		h.logger.ErrorContext(r.Context(), "repository operation failed",
			slog.String("repository", r.PathValue("id")),
			slog.Any("error", err))
		h.sendError(w, "internal server error", http.StatusInternalServerError)
	}
}

// sendJSON отправляет JSON ответ
func (h *AdminHandler) sendJSON(w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode JSON response", slog.Any("error", err))
	}
}

// sendError отправляет ошибку в JSON формате
func (h *AdminHandler) sendError(w http.ResponseWriter, message string, statusCode int) {
	h.sendJSON(w, api.ErrorResponse{Error: message}, statusCode)
}
