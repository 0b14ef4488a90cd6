// Package library adapts collaborators.LibraryIndex onto a downstream
// MeiliSearch catalog, grounded on the teacher's library_service search
// client.
package library

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/reelforge/core/internal/collaborators"
)

// MeiliIndex upserts delivered artifacts into a MeiliSearch "library"
// index keyed by (catalogId, mediaType, serverId, season?, episode?).
type MeiliIndex struct {
	baseURL    string
	apiKey     string
	indexName  string
	httpClient *http.Client
}

// NewMeiliIndex creates a MeiliSearch-backed LibraryIndex.
func NewMeiliIndex(baseURL, apiKey string) *MeiliIndex {
	return &MeiliIndex{
		baseURL:   baseURL,
		apiKey:    apiKey,
		indexName: "library",
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type libraryDocument struct {
	ID         string `json:"id"`
	CatalogID  int64  `json:"catalogId"`
	MediaType  string `json:"mediaType"`
	ServerID   string `json:"serverId"`
	Season     int    `json:"season,omitempty"`
	Episode    int    `json:"episode,omitempty"`
	Path       string `json:"path"`
	Resolution string `json:"resolution,omitempty"`
	UpdatedAt  string `json:"updatedAt"`
}

// Upsert writes or replaces the library document for params, keyed on the
// (catalogId, mediaType, serverId, season, episode) tuple the spec
// requires (§4.9).
func (m *MeiliIndex) Upsert(ctx context.Context, params collaborators.LibraryEntryParams) error {
	doc := libraryDocument{
		ID:         documentID(params),
		CatalogID:  params.CatalogID,
		MediaType:  string(params.MediaType),
		ServerID:   params.ServerID,
		Season:     params.Season,
		Episode:    params.Episode,
		Path:       params.Path,
		Resolution: params.Resolution,
		UpdatedAt:  time.Now().UTC().Format(time.RFC3339),
	}

	_, err := m.doRequest(ctx, http.MethodPost, fmt.Sprintf("/indexes/%s/documents", m.indexName), []libraryDocument{doc})
	if err != nil {
		return fmt.Errorf("library: upsert %s: %w", doc.ID, err)
	}
	return nil
}

// documentID derives a stable primary key from the upsert tuple so
// repeated delivery of the same item to the same server is idempotent.
func documentID(p collaborators.LibraryEntryParams) string {
	if p.Season > 0 || p.Episode > 0 {
		return fmt.Sprintf("%d-%s-%s-s%02de%02d", p.CatalogID, p.MediaType, p.ServerID, p.Season, p.Episode)
	}
	return fmt.Sprintf("%d-%s-%s", p.CatalogID, p.MediaType, p.ServerID)
}

func (m *MeiliIndex) doRequest(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, m.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if m.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.apiKey)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("meilisearch API error (HTTP %d): %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}
