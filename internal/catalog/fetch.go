package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// BackendModelsFetcher builds a FetchFunc that lists models from the
// backend with the account's credentials.
func BackendModelsFetcher(client *http.Client, endpoint string) FetchFunc {
	return func(ctx context.Context, mode, accessToken, accountID string) ([]Model, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("build models request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		if accountID != "" {
			req.Header.Set("ChatGPT-Account-Id", accountID)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("models fetch: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("models endpoint returned %d", resp.StatusCode)
		}

		var payload struct {
			Models []Model `json:"models"`
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&payload); err != nil {
			return nil, fmt.Errorf("decode models payload: %w", err)
		}
		if len(payload.Models) == 0 {
			return nil, fmt.Errorf("models payload was empty")
		}
		return payload.Models, nil
	}
}

// ReleaseVersionFetcher builds a VersionFetchFunc reading the latest
// release tag from the spoofed client's release feed. Tags like
// "rust-v0.42.0" reduce to "0.42.0".
func ReleaseVersionFetcher(client *http.Client, feedURL string) VersionFetchFunc {
	return func(ctx context.Context) (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
		if err != nil {
			return "", fmt.Errorf("build release request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("release fetch: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("release feed returned %d", resp.StatusCode)
		}

		var payload struct {
			TagName string `json:"tag_name"`
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
			return "", fmt.Errorf("decode release payload: %w", err)
		}
		tag := strings.TrimPrefix(payload.TagName, "rust-v")
		tag = strings.TrimPrefix(tag, "v")
		if tag == "" {
			return "", fmt.Errorf("release feed carried no tag")
		}
		return tag, nil
	}
}
