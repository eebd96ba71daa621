package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/iudanet/storagerelay/internal/obfuscator"
	"github.com/iudanet/storagerelay/pkg/api"
)

// Ошибки admin API по HTTP статусу
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
)

// Client представляет HTTP клиент для взаимодействия с сервером
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient создает новый API клиент
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("stopped after 10 redirects")
				}
				// Копируем заголовки Authorization при редиректе
				if len(via) > 0 && via[0].Header.Get("Authorization") != "" {
					req.Header.Set("Authorization", via[0].Header.Get("Authorization"))
				}
				return nil
			},
		},
	}
}

// --- storage protocol ---
// Каждый метод возвращает payload успешного конверта либо *api.Error.

// RegisterApp отправляет зашифрованный ключом repository публичный ключ app
func (c *Client) RegisterApp(ctx context.Context, repositoryID, encryptedPublicKey string) (string, error) {
	path := "/api/storage/registerapp/" + url.PathEscape(repositoryID)
	return c.doEnvelope(ctx, http.MethodPost, path, obfuscator.Obfuscate(encryptedPublicKey))
}

// Open открывает storage от имени app
func (c *Client) Open(ctx context.Context, appToken, storageID string) (string, error) {
	return c.doEnvelope(ctx, http.MethodGet, protocolPath("open", appToken, storageID), "")
}

// Store записывает thing. body - "<signature>,<ciphertext>".
func (c *Client) Store(ctx context.Context, storageToken, thingID, body string) (string, error) {
	return c.doEnvelope(ctx, http.MethodPut, protocolPath("store", storageToken, thingID), obfuscator.Obfuscate(body))
}

// Exists возвращает api.Yes или api.No
func (c *Client) Exists(ctx context.Context, storageToken, thingID string) (string, error) {
	return c.doEnvelope(ctx, http.MethodGet, protocolPath("exists", storageToken, thingID), "")
}

// GetModifiedOn возвращает время изменения в Unix наносекундах
func (c *Client) GetModifiedOn(ctx context.Context, storageToken, thingID string) (string, error) {
	return c.doEnvelope(ctx, http.MethodGet, protocolPath("getmodifiedon", storageToken, thingID), "")
}

// GetCopy возвращает "<signature>,<ciphertext>"
func (c *Client) GetCopy(ctx context.Context, storageToken, thingID string) (string, error) {
	return c.doEnvelope(ctx, http.MethodGet, protocolPath("getacopy", storageToken, thingID), "")
}

// Discard удаляет thing
func (c *Client) Discard(ctx context.Context, storageToken, thingID string) (string, error) {
	return c.doEnvelope(ctx, http.MethodDelete, protocolPath("discard", storageToken, thingID), "")
}

// FindIDs возвращает "<signature>,<ciphertext>" или пустой payload, если ничего не найдено
func (c *Client) FindIDs(ctx context.Context, storageToken, pattern string) (string, error) {
	return c.doEnvelope(ctx, http.MethodGet, protocolPath("findids", storageToken, pattern), "")
}

func protocolPath(op, token, arg string) string {
	return "/api/storage/" + op + "/" + url.PathEscape(token) + api.Separator + url.PathEscape(arg)
}

// doEnvelope выполняет запрос протокола и разбирает обфусцированный конверт
func (c *Client) doEnvelope(ctx context.Context, method, path, body string) (string, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	envelope, err := obfuscator.Deobfuscate(string(respBody))
	if err != nil {
		return "", fmt.Errorf("failed to decode envelope: %w", err)
	}

	return api.ParseResponse(envelope)
}

// --- admin API ---

// Health проверяет доступность сервера
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var resp api.HealthResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/health", "", nil, &resp); err != nil {
		return nil, fmt.Errorf("health request failed: %w", err)
	}
	return &resp, nil
}

// AdminToken обменивает общий секрет на admin token
func (c *Client) AdminToken(ctx context.Context, secret string) (*api.TokenResponse, error) {
	var resp api.TokenResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/admin/token", "", api.TokenRequest{Secret: secret}, &resp); err != nil {
		return nil, fmt.Errorf("admin token request failed: %w", err)
	}
	return &resp, nil
}

// CreateRepository создает repository
func (c *Client) CreateRepository(ctx context.Context, token, name string) (*api.RepositoryResponse, error) {
	var resp api.RepositoryResponse
	err := c.doRequest(ctx, http.MethodPost, "/api/admin/repositories", token, api.NewRepositoryRequest{Name: name}, &resp)
	if err != nil {
		return nil, fmt.Errorf("create repository request failed: %w", err)
	}
	return &resp, nil
}

// ListRepositories возвращает все repositories сервера
func (c *Client) ListRepositories(ctx context.Context, token string) ([]api.RepositoryResponse, error) {
	var resp api.RepositoryListResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/admin/repositories", token, nil, &resp); err != nil {
		return nil, fmt.Errorf("list repositories request failed: %w", err)
	}
	return resp.Repositories, nil
}

// GetRepository возвращает repository по id
func (c *Client) GetRepository(ctx context.Context, token, id string) (*api.RepositoryResponse, error) {
	var resp api.RepositoryResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/admin/repositories/"+url.PathEscape(id), token, nil, &resp); err != nil {
		return nil, fmt.Errorf("get repository request failed: %w", err)
	}
	return &resp, nil
}

// RemoveRepository удаляет repository со всеми данными
func (c *Client) RemoveRepository(ctx context.Context, token, id string) error {
	if err := c.doRequest(ctx, http.MethodDelete, "/api/admin/repositories/"+url.PathEscape(id), token, nil, nil); err != nil {
		return fmt.Errorf("remove repository request failed: %w", err)
	}
	return nil
}

// FindRepositoryIDs ищет storages и things внутри repository
func (c *Client) FindRepositoryIDs(ctx context.Context, token, id, pattern string) ([]api.FoundIDResponse, error) {
	path := "/api/admin/repositories/" + url.PathEscape(id) + "/ids"
	if pattern != "" {
		path += "?" + url.Values{"pattern": {pattern}}.Encode()
	}

	var resp api.FoundIDsResponse
	if err := c.doRequest(ctx, http.MethodGet, path, token, nil, &resp); err != nil {
		return nil, fmt.Errorf("find ids request failed: %w", err)
	}
	return resp.IDs, nil
}

// Stats возвращает размеры реестров сервера
func (c *Client) Stats(ctx context.Context, token string) (*api.StatsResponse, error) {
	var resp api.StatsResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/admin/stats", token, nil, &resp); err != nil {
		return nil, fmt.Errorf("stats request failed: %w", err)
	}
	return &resp, nil
}

// doRequest выполняет JSON запрос admin API
func (c *Client) doRequest(ctx context.Context, method, path, token string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp.StatusCode, respBody)
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}

func statusError(status int, body []byte) error {
	message := strings.TrimSpace(string(body))
	var errResp api.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		message = errResp.Error
	}

	switch status {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrUnauthorized, message)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, message)
	default:
		return fmt.Errorf("server error (%d): %s", status, message)
	}
}
