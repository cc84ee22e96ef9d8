// Package figma fetches design documents from the Figma REST API or from
// local JSON exports.
package figma

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"themeplane/fetch"
	"themeplane/logger"
	"themeplane/model"
)

const DefaultBaseURL = "https://api.figma.com/v1"

// Document is a fetched design tree plus the download URLs of the image
// fills it references.
type Document struct {
	Name       string
	Root       *model.Node
	ImageFills map[string]string
}

// Source resolves a source URL into a design document. Failures are
// reported as *model.UpstreamError.
type Source interface {
	Fetch(ctx context.Context, sourceURL string) (*Document, error)
}

type Client struct {
	token   string
	baseURL string
	fetcher *fetch.Client
}

func NewClient(token, baseURL string, fetcher *fetch.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		token:   token,
		baseURL: strings.TrimRight(baseURL, "/"),
		fetcher: fetcher,
	}
}

type fileResponse struct {
	Name     string      `json:"name"`
	Document *model.Node `json:"document"`
}

type imagesResponse struct {
	Meta struct {
		Images map[string]string `json:"images"`
	} `json:"meta"`
}

type errorResponse struct {
	Status  int    `json:"status"`
	Err     string `json:"err"`
	Message string `json:"message"`
}

// Fetch downloads the file behind a figma.com file or design URL together
// with its image-fill URLs.
func (c *Client) Fetch(ctx context.Context, sourceURL string) (*Document, error) {
	key, err := ParseFileKey(sourceURL)
	if err != nil {
		return nil, &model.UpstreamError{Message: "invalid Figma URL", Cause: err}
	}
	if c.token == "" {
		return nil, &model.UpstreamError{Message: "Figma access token is not configured"}
	}

	var file fileResponse
	if err := c.get(ctx, "files/"+url.PathEscape(key), &file); err != nil {
		return nil, err
	}
	if file.Document == nil {
		return nil, &model.UpstreamError{SourceStatus: http.StatusOK, Message: "file has no document"}
	}

	var images imagesResponse
	if err := c.get(ctx, "files/"+url.PathEscape(key)+"/images", &images); err != nil {
		// Image fills are optional decoration; the theme can still be built.
		logger.WarnContext(ctx, "figma image fills unavailable", "file_key", key, "error", err)
	}
	return &Document{Name: file.Name, Root: file.Document, ImageFills: images.Meta.Images}, nil
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	header := http.Header{}
	header.Set("X-Figma-Token", c.token)
	header.Set("Accept", "application/json")

	body, err := c.fetcher.Get(ctx, c.baseURL+"/"+endpoint, header)
	if err != nil {
		return upstreamError(err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &model.UpstreamError{SourceStatus: http.StatusOK, Message: "malformed response", Cause: err}
	}
	return nil
}

func upstreamError(err error) error {
	var statusErr *fetch.StatusError
	if errors.As(err, &statusErr) {
		msg := "Figma API request failed"
		var payload errorResponse
		if json.Unmarshal(statusErr.Body, &payload) == nil {
			switch {
			case payload.Message != "":
				msg = payload.Message
			case payload.Err != "":
				msg = payload.Err
			}
		}
		return &model.UpstreamError{SourceStatus: statusErr.Status, Message: msg, Cause: err}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &model.UpstreamError{Message: "request cancelled or timed out", Cause: err}
	}
	return &model.UpstreamError{Message: "network error", Cause: err}
}

// ParseFileKey extracts the file key from URLs shaped like
// https://www.figma.com/file/<key>/<title> or .../design/<key>/<title>.
func ParseFileKey(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	host := strings.ToLower(u.Hostname())
	if host != "figma.com" && !strings.HasSuffix(host, ".figma.com") {
		return "", fmt.Errorf("host %q is not figma.com", u.Hostname())
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i < len(parts)-1; i++ {
		if parts[i] == "file" || parts[i] == "design" {
			if key := parts[i+1]; key != "" {
				return key, nil
			}
		}
	}
	return "", fmt.Errorf("no file key in %q", u.Path)
}

// FileSource reads design documents exported to local JSON files. The
// source URL is a path or a file:// URL; the file holds either a full
// files-API response or a bare document node.
type FileSource struct{}

func (FileSource) Fetch(_ context.Context, sourceURL string) (*Document, error) {
	path := strings.TrimPrefix(sourceURL, "file://")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &model.UpstreamError{Message: "cannot read design file", Cause: err}
	}
	return DecodeDocument(data)
}

// DecodeDocument parses a files-API response or a bare node.
func DecodeDocument(data []byte) (*Document, error) {
	var file struct {
		fileResponse
		Images map[string]string `json:"images"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, &model.UpstreamError{Message: "malformed design file", Cause: err}
	}
	if file.Document != nil {
		return &Document{Name: file.Name, Root: file.Document, ImageFills: file.Images}, nil
	}
	var root model.Node
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, &model.UpstreamError{Message: "malformed design file", Cause: err}
	}
	return &Document{Name: root.Name, Root: &root}, nil
}

// Router dispatches file:// URLs to local files and everything else to the
// API client.
type Router struct {
	Remote Source
	Local  Source
}

func (r Router) Fetch(ctx context.Context, sourceURL string) (*Document, error) {
	if strings.HasPrefix(sourceURL, "file://") && r.Local != nil {
		return r.Local.Fetch(ctx, sourceURL)
	}
	if r.Remote == nil {
		return nil, &model.UpstreamError{Message: "no remote design source configured"}
	}
	return r.Remote.Fetch(ctx, sourceURL)
}
