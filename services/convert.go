package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
)

// ConvertClient talks to the external converter over HTTP: the input file
// and the target format go out as a multipart form, the converted bytes
// come back in the response body. A nil client means no converter is
// deployed; callers fall back to a passthrough copy.
type ConvertClient struct {
	baseURL string
	client  *http.Client
}

func NewConvertClient(baseURL string) *ConvertClient {
	return &ConvertClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 0, // Use context timeout instead
		},
	}
}

func (c *ConvertClient) Convert(ctx context.Context, input io.Reader, filename, targetFormat string) (io.ReadCloser, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("files", filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}

	if _, err := io.Copy(part, input); err != nil {
		return nil, fmt.Errorf("failed to copy file: %w", err)
	}

	if err := writer.WriteField("target_format", targetFormat); err != nil {
		return nil, fmt.Errorf("failed to write target format: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close writer: %w", err)
	}

	url := fmt.Sprintf("%s/forms/convert", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, "POST", url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("converter request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("converter returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	return resp.Body, nil
}
