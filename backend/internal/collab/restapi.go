package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"collabcore/backend/internal/protocol"
)

// Identity is the local user resolved from the profile collaborator.
type Identity struct {
	UserID string `json:"userId"`
	Name   string `json:"username"`
}

// API is the REST collaborator surface the session manager depends on.
// Failures from these calls propagate to the initiating action's caller; no
// local retry.
type API interface {
	CurrentUser(ctx context.Context) (Identity, error)
	CreateSession(ctx context.Context, name, fileID string) (protocol.Session, error)
	EndSession(ctx context.Context, sessionID string) error
	LeaveSession(ctx context.Context, sessionID string) error
	Invite(ctx context.Context, sessionID, email string, perm protocol.Permission) error
	RemoveParticipant(ctx context.Context, sessionID, userID string) error
	UpdatePermissions(ctx context.Context, sessionID, userID string, perm protocol.Permission) error
}

// RestAPI talks to the relay's HTTP API with a bearer token.
type RestAPI struct {
	base   string
	token  string
	client *http.Client
}

func NewRestAPI(baseURL, token string) *RestAPI {
	return &RestAPI{
		base:   strings.TrimRight(baseURL, "/"),
		token:  token,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (a *RestAPI) do(ctx context.Context, method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.base+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Message == "" {
			e.Message = resp.Status
		}
		return fmt.Errorf("collab: %s %s: %s", method, path, e.Message)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (a *RestAPI) CurrentUser(ctx context.Context) (Identity, error) {
	var ident Identity
	err := a.do(ctx, http.MethodGet, "/v1/users/me", nil, &ident)
	return ident, err
}

func (a *RestAPI) CreateSession(ctx context.Context, name, fileID string) (protocol.Session, error) {
	var sess protocol.Session
	body := map[string]string{"name": name, "fileId": fileID}
	err := a.do(ctx, http.MethodPost, "/v1/sessions", body, &sess)
	return sess, err
}

func (a *RestAPI) EndSession(ctx context.Context, sessionID string) error {
	return a.do(ctx, http.MethodDelete, "/v1/sessions/"+sessionID, nil, nil)
}

func (a *RestAPI) LeaveSession(ctx context.Context, sessionID string) error {
	return a.do(ctx, http.MethodPost, "/v1/sessions/"+sessionID+"/leave", nil, nil)
}

func (a *RestAPI) Invite(ctx context.Context, sessionID, email string, perm protocol.Permission) error {
	body := map[string]string{"email": email, "permissions": string(perm)}
	return a.do(ctx, http.MethodPost, "/v1/sessions/"+sessionID+"/invite", body, nil)
}

func (a *RestAPI) RemoveParticipant(ctx context.Context, sessionID, userID string) error {
	return a.do(ctx, http.MethodDelete, "/v1/sessions/"+sessionID+"/participants/"+userID, nil, nil)
}

func (a *RestAPI) UpdatePermissions(ctx context.Context, sessionID, userID string, perm protocol.Permission) error {
	body := map[string]string{"userId": userID, "permissions": string(perm)}
	return a.do(ctx, http.MethodPut, "/v1/sessions/"+sessionID+"/permissions", body, nil)
}
