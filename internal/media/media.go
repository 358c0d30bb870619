// Package media fetches inbound message attachments and archives receipt images.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxMediaSize bounds attachment downloads
const maxMediaSize = 32 << 20

// ErrTooLarge is returned when an attachment exceeds maxMediaSize
var ErrTooLarge = errors.New("media exceeds maximum size")

// Media is a downloaded attachment
type Media struct {
	Data     []byte
	MimeType string
	Filename string // optional, as sent by the user
}

// Downloader retrieves attachments referenced by inbound messages
type Downloader interface {
	// Download returns nil and no error when the reference does not exist
	Download(ctx context.Context, ref string) (*Media, error)
}

// HTTPDownloader fetches attachments from the messaging gateway's media endpoint
type HTTPDownloader struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPDownloader creates a downloader resolving references against baseURL
func NewHTTPDownloader(baseURL, token string) (*HTTPDownloader, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("media base url is required")
	}
	return &HTTPDownloader{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// Download fetches a single attachment
func (d *HTTPDownloader) Download(ctx context.Context, ref string) (*Media, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/media/"+url.PathEscape(ref), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading media: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("media gateway error (status %d)", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading media: %w", err)
	}
	if len(data) > maxMediaSize {
		return nil, ErrTooLarge
	}

	mimeType := "application/octet-stream"
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if parsed, _, err := mime.ParseMediaType(ct); err == nil {
			mimeType = parsed
		}
	}
	if mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
		if i := strings.Index(mimeType, ";"); i >= 0 {
			mimeType = mimeType[:i]
		}
	}

	return &Media{Data: data, MimeType: mimeType}, nil
}
