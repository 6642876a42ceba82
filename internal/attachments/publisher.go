// ABOUTME: CDN publication of clean attachments
// ABOUTME: CDNPublisher derives stable file and thumbnail URLs from the attachment ID

package attachments

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/2389/coven-messaging/internal/store"
)

// Publisher makes a clean attachment downloadable. The thumbnail URL is
// empty for kinds without previews.
type Publisher interface {
	Publish(ctx context.Context, att *store.Attachment) (cdnURL, thumbnailURL string, err error)
}

// CDNPublisher builds URLs under a CDN base. It assumes the upload path
// already placed the bytes at the CDN origin under the attachment ID.
type CDNPublisher struct {
	base string
}

// NewCDNPublisher validates the base URL.
func NewCDNPublisher(baseURL string) (*CDNPublisher, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid cdn base url %q: %w", baseURL, store.ErrValidation)
	}
	return &CDNPublisher{base: strings.TrimRight(baseURL, "/")}, nil
}

// Publish implements Publisher.
func (p *CDNPublisher) Publish(ctx context.Context, att *store.Attachment) (string, string, error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}
	file := fmt.Sprintf("%s/files/%s/%s", p.base, url.PathEscape(att.ID), url.PathEscape(att.Name))

	var thumb string
	if att.Kind == store.KindImage || att.Kind == store.KindVideo {
		thumb = fmt.Sprintf("%s/thumbs/%s.jpg", p.base, url.PathEscape(att.ID))
	}
	return file, thumb, nil
}
