// Package media stores event photos and videos in Cloudinary.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
)

const (
	uploadTimeout = 60 * time.Second
	deleteTimeout = 30 * time.Second
)

// ErrInvalidMediaURL is returned for URLs that do not point at a Cloudinary asset.
var ErrInvalidMediaURL = errors.New("invalid cloudinary url")

// CloudinaryStore uploads and deletes event media.
type CloudinaryStore struct {
	cld    *cloudinary.Cloudinary
	folder string
}

// NewCloudinaryStore creates a store that uploads into folder.
func NewCloudinaryStore(cloudName, apiKey, apiSecret, folder string) (*CloudinaryStore, error) {
	cld, err := cloudinary.NewFromParams(cloudName, apiKey, apiSecret)
	if err != nil {
		return nil, fmt.Errorf("cloudinary config error: %w", err)
	}
	folder = strings.Trim(strings.TrimSpace(folder), "/")
	if folder == "" {
		folder = "events"
	}
	return &CloudinaryStore{cld: cld, folder: folder}, nil
}

// Upload stores file under the configured folder and returns its secure URL.
func (s *CloudinaryStore) Upload(ctx context.Context, file io.Reader) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	resp, err := s.cld.Upload.Upload(ctx, file, uploader.UploadParams{
		Folder:       s.folder,
		ResourceType: "auto",
	})
	if err != nil {
		return "", fmt.Errorf("upload error: %w", err)
	}
	if resp.Error.Message != "" {
		return "", fmt.Errorf("upload error: %s", resp.Error.Message)
	}
	return resp.SecureURL, nil
}

// Delete removes the asset behind a URL previously returned by Upload.
func (s *CloudinaryStore) Delete(ctx context.Context, mediaURL string) error {
	publicID, err := ExtractPublicID(mediaURL)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, deleteTimeout)
	defer cancel()

	resp, err := s.cld.Upload.Destroy(ctx, uploader.DestroyParams{
		PublicID:     publicID,
		ResourceType: resourceTypeFromURL(mediaURL),
	})
	if err != nil {
		return fmt.Errorf("delete error: %w", err)
	}
	if resp.Error.Message != "" {
		return fmt.Errorf("delete error: %s", resp.Error.Message)
	}
	return nil
}

// ExtractPublicID derives the Cloudinary public ID from a delivery URL such as
// https://res.cloudinary.com/demo/image/upload/v1234567890/events/abc123.jpg.
func ExtractPublicID(mediaURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(mediaURL))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidMediaURL, err)
	}

	parts := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	uploadIdx := -1
	for i, part := range parts {
		if part == "upload" {
			uploadIdx = i
			break
		}
	}
	if uploadIdx < 0 || uploadIdx == len(parts)-1 {
		return "", ErrInvalidMediaURL
	}

	rest := parts[uploadIdx+1:]
	if len(rest) > 1 && isVersionSegment(rest[0]) {
		rest = rest[1:]
	}

	joined := path.Join(rest...)
	publicID := strings.TrimSuffix(joined, path.Ext(joined))
	if publicID == "" {
		return "", ErrInvalidMediaURL
	}
	return publicID, nil
}

func isVersionSegment(segment string) bool {
	if len(segment) < 2 || segment[0] != 'v' {
		return false
	}
	for _, r := range segment[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func resourceTypeFromURL(mediaURL string) string {
	switch {
	case strings.Contains(mediaURL, "/video/upload/"):
		return "video"
	case strings.Contains(mediaURL, "/raw/upload/"):
		return "raw"
	default:
		return "image"
	}
}
