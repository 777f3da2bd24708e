// client.go — HTTP-клиент admin API tempshare.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// adminFile — запись файла из GET /api/v1/admin/files.
type adminFile struct {
	FileID           string    `json:"fileId"`
	OriginalName     string    `json:"originalName"`
	MimeType         string    `json:"mimeType"`
	Size             int64     `json:"size"`
	Checksum         string    `json:"checksum"`
	Backend          string    `json:"backend"`
	UploaderIdentity string    `json:"uploaderIdentity"`
	CreatedAt        time.Time `json:"createdAt"`
	ExpiresAt        time.Time `json:"expiresAt"`
}

type fileList struct {
	Items []adminFile `json:"items"`
	Total int         `json:"total"`
}

type sweepResult struct {
	Scanned int `json:"scanned"`
	Purged  int `json:"purged"`
	Errors  int `json:"errors"`
}

type reconcileResult struct {
	FilesChecked int `json:"filesChecked"`
	Summary      struct {
		StaleTmp      int `json:"staleTmp"`
		ExpiredBlobs  int `json:"expiredBlobs"`
		OrphanedBlobs int `json:"orphanedBlobs"`
		OrphanedAttrs int `json:"orphanedAttrs"`
		WALCleaned    int `json:"walCleaned"`
		Errors        int `json:"errors"`
	} `json:"summary"`
}

type modeState struct {
	PreviousMode   string     `json:"previousMode,omitempty"`
	CurrentMode    string     `json:"currentMode"`
	TransitionedAt *time.Time `json:"transitionedAt,omitempty"`
}

// apiError — ошибка в формате {"error":{"code","message"}}.
type apiError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("сервер ответил %d", e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// adminClient — клиент admin API.
type adminClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAdminClient(server, token string, timeout time.Duration) (*adminClient, error) {
	u, err := url.Parse(server)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("некорректный адрес сервера %q", server)
	}
	if token == "" {
		return nil, fmt.Errorf("не задан токен: используйте --token или TS_ADMIN_TOKEN")
	}
	return &adminClient{
		baseURL: strings.TrimRight(server, "/") + "/api/v1/admin",
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

func (c *adminClient) ListFiles(ctx context.Context, limit int) (*fileList, error) {
	var out fileList
	path := fmt.Sprintf("/files?limit=%d", limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *adminClient) PurgeFile(ctx context.Context, fileID string) error {
	return c.do(ctx, http.MethodDelete, "/files/"+url.PathEscape(fileID), nil, nil)
}

func (c *adminClient) Sweep(ctx context.Context) (*sweepResult, error) {
	var out sweepResult
	if err := c.do(ctx, http.MethodPost, "/sweep", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *adminClient) Reconcile(ctx context.Context) (*reconcileResult, error) {
	var out reconcileResult
	if err := c.do(ctx, http.MethodPost, "/reconcile", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *adminClient) GetMode(ctx context.Context) (*modeState, error) {
	var out modeState
	if err := c.do(ctx, http.MethodGet, "/mode", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *adminClient) SetMode(ctx context.Context, target string, confirm bool) (*modeState, error) {
	body := map[string]any{"targetMode": target, "confirm": confirm}
	var out modeState
	if err := c.do(ctx, http.MethodPost, "/mode", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *adminClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("запрос %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &apiError{Status: resp.StatusCode}
		var envelope struct {
			Error *apiError `json:"error"`
		}
		envelope.Error = apiErr
		_ = json.NewDecoder(resp.Body).Decode(&envelope)
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("разбор ответа %s %s: %w", method, path, err)
	}
	return nil
}
