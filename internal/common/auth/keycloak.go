// internal/common/auth/keycloak.go
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"partner-portal/internal/common/errors"
	"partner-portal/internal/models"
)

// KeycloakClient authenticates bearer tokens against a Keycloak realm and
// performs the few admin calls the portal needs.
type KeycloakClient struct {
	baseURL      string
	realm        string
	clientID     string
	clientSecret string
	httpClient   *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// TokenResponse holds the response from Keycloak's token endpoint.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// TokenInfo holds the information returned by the token introspection endpoint.
// AppMetadata and UserMetadata are custom claims added by protocol mappers.
type TokenInfo struct {
	Active       bool                   `json:"active"`
	Sub          string                 `json:"sub,omitempty"`
	Email        string                 `json:"email,omitempty"`
	Username     string                 `json:"username,omitempty"`
	Exp          int64                  `json:"exp,omitempty"`
	AppMetadata  map[string]interface{} `json:"app_metadata,omitempty"`
	UserMetadata map[string]interface{} `json:"user_metadata,omitempty"`
}

func NewKeycloakClient(baseURL, realm, clientID, clientSecret string) *KeycloakClient {
	return &KeycloakClient{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		realm:        realm,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
	}
}

// WithTimeout bounds every call to Keycloak.
func (k *KeycloakClient) WithTimeout(d time.Duration) *KeycloakClient {
	if d > 0 {
		k.httpClient.Timeout = d
	}
	return k
}

// getAccessToken fetches a service token using the client credentials flow
// and caches it until expiry.
func (k *KeycloakClient) getAccessToken(ctx context.Context) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.accessToken != "" && k.tokenExpiry.After(time.Now()) {
		return k.accessToken, nil
	}

	data := url.Values{}
	data.Set("grant_type", "client_credentials")
	data.Set("client_id", k.clientID)
	data.Set("client_secret", k.clientSecret)

	resp, err := k.postForm(ctx, k.realmURL("/protocol/openid-connect/token"), data)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", k.statusError("token", resp.StatusCode, body)
	}

	var tokenResp TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", errors.NewUpstreamTimeoutError("keycloak", fmt.Errorf("failed to decode token response: %w", err))
	}

	k.accessToken = tokenResp.AccessToken
	// refresh a little early
	k.tokenExpiry = time.Now().Add(time.Duration(tokenResp.ExpiresIn)*time.Second - 10*time.Second)
	return k.accessToken, nil
}

// Introspect validates an access token and maps it to a Principal. The
// app_metadata claim is the trusted channel and user_metadata the
// self-service one.
func (k *KeycloakClient) Introspect(ctx context.Context, token string) (*models.Principal, error) {
	if token == "" {
		return nil, errors.NewUnauthorizedError("missing bearer token")
	}

	data := url.Values{}
	data.Set("token", token)
	data.Set("token_type_hint", "access_token")
	data.Set("client_id", k.clientID)
	data.Set("client_secret", k.clientSecret)

	resp, err := k.postForm(ctx, k.realmURL("/protocol/openid-connect/token/introspect"), data)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, k.statusError("introspection", resp.StatusCode, body)
	}

	var info TokenInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, errors.NewUnauthorizedError(fmt.Sprintf("undecodable introspection response: %v", err))
	}
	if !info.Active {
		return nil, errors.NewUnauthorizedError("token is not active")
	}
	if info.Sub == "" {
		return nil, errors.NewUnauthorizedError("token has no subject")
	}

	return &models.Principal{
		ID:          info.Sub,
		Email:       strings.TrimSpace(info.Email),
		Trusted:     hintsFrom(info.AppMetadata),
		SelfService: hintsFrom(info.UserMetadata),
	}, nil
}

// LogoutUser ends every Keycloak session of the user.
func (k *KeycloakClient) LogoutUser(ctx context.Context, userID string) error {
	token, err := k.getAccessToken(ctx)
	if err != nil {
		return err
	}

	logoutURL := fmt.Sprintf("%s/admin/realms/%s/users/%s/logout", k.baseURL, k.realm, url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, logoutURL, nil)
	if err != nil {
		return errors.NewInternalError(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := k.httpClient.Do(req)
	if err != nil {
		return errors.NewUpstreamTimeoutError("keycloak", err)
	}
	defer resp.Body.Close()

	// Keycloak returns 204 No Content on success
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode == http.StatusNotFound {
			return errors.NewNotFoundError("user", userID)
		}
		return k.statusError("logout", resp.StatusCode, body)
	}
	return nil
}

func (k *KeycloakClient) realmURL(path string) string {
	return fmt.Sprintf("%s/realms/%s%s", k.baseURL, k.realm, path)
}

func (k *KeycloakClient) postForm(ctx context.Context, target string, data url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, errors.NewInternalError(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := k.httpClient.Do(req)
	if err != nil {
		return nil, errors.NewUpstreamTimeoutError("keycloak", err)
	}
	return resp, nil
}

func (k *KeycloakClient) statusError(op string, status int, body []byte) error {
	err := fmt.Errorf("keycloak %s failed with status %d: %s", op, status, strings.TrimSpace(string(body)))
	if k.isTransientHTTPError(status) {
		return errors.NewUpstreamTimeoutError("keycloak", err)
	}
	return errors.NewUnauthorizedError(err.Error())
}

// isTransientHTTPError returns true if the HTTP status code indicates a potentially transient error.
func (k *KeycloakClient) isTransientHTTPError(statusCode int) bool {
	switch statusCode {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func hintsFrom(claims map[string]interface{}) models.MetadataHints {
	var h models.MetadataHints
	if claims == nil {
		return h
	}
	if v, ok := claims["role"].(string); ok {
		h.Role = v
	}
	for _, key := range []string{"partnerId", "partner_id"} {
		if v, ok := claims[key].(string); ok && v != "" {
			h.PartnerID = v
			break
		}
	}
	return h
}
