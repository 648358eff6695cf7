// Package inline rewrites header/footer template fragments so that remote
// image references become self-contained data URIs. Chrome renders header and
// footer templates without network access, so anything remote has to be
// embedded before the print call.
package inline

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"web2pdf/internal/config"
	"web2pdf/internal/domain"
	"web2pdf/internal/infra/logging"
)

const fetchTimeout = 15 * time.Second

// Inliner fetches remote template images and embeds them as base64 data URIs.
type Inliner struct {
	client       *http.Client
	rdb          *redis.Client
	cacheEnabled bool
	cacheTTL     time.Duration
	maxBytes     int64
}

// New creates an Inliner. Certificate validation is deliberately relaxed for
// template image fetches: header/footer assets frequently live on internal
// hosts with self-signed certificates. rdb may be nil to disable caching.
func New(cfg config.Config, rdb *redis.Client) *Inliner {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
	}
	return &Inliner{
		client:       &http.Client{Transport: transport, Timeout: fetchTimeout},
		rdb:          rdb,
		cacheEnabled: cfg.Cache.ImageCacheEnabled && rdb != nil,
		cacheTTL:     cfg.Cache.ImageCacheTTL,
		maxBytes:     int64(cfg.Limits.MaxImageBytes),
	}
}

// Inline parses fragment, replaces the src of every image element that points
// at an http(s) URL with a data URI, and serializes the result. A fragment
// without remote images is returned without any network access.
func (il *Inliner) Inline(ctx context.Context, fragment string) (string, error) {
	container, err := parseFragment(fragment)
	if err != nil {
		return "", fmt.Errorf("parse template fragment: %w", err)
	}

	images := collectRemoteImages(container)
	if len(images) == 0 {
		return renderFragment(container)
	}

	for _, img := range images {
		src := attrValue(img, "src")
		data, err := il.fetchImage(ctx, src)
		if err != nil {
			return "", err
		}
		setAttr(img, "src", "data:image/png;base64,"+base64.StdEncoding.EncodeToString(data))
	}

	return renderFragment(container)
}

// fetchImage retrieves the image bytes, consulting the Redis cache first.
func (il *Inliner) fetchImage(ctx context.Context, url string) ([]byte, error) {
	key := imageCacheKey(url)

	if il.cacheEnabled {
		if cached := il.getCachedImage(ctx, key); cached != nil {
			return cached, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %s", domain.ErrImageFetch, url, err)
	}
	resp, err := il.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %s", domain.ErrImageFetch, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s: unexpected status %d", domain.ErrImageFetch, url, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, il.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %s", domain.ErrImageFetch, url, err)
	}
	if int64(len(data)) > il.maxBytes {
		return nil, fmt.Errorf("%w: %s: image exceeds %d bytes", domain.ErrImageFetch, url, il.maxBytes)
	}

	if il.cacheEnabled {
		il.setCachedImage(ctx, key, data)
	}
	return data, nil
}

func (il *Inliner) getCachedImage(ctx context.Context, key string) []byte {
	rctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	cached, err := il.rdb.Get(rctx, key).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		logging.Warn("Redis image cache read failed", "error", err)
		return nil
	}
	return cached
}

func (il *Inliner) setCachedImage(ctx context.Context, key string, data []byte) {
	rctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	ttl := il.cacheTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	if err := il.rdb.Set(rctx, key, data, ttl).Err(); err != nil {
		logging.Warn("Redis image cache write failed", "error", err)
	}
}

func imageCacheKey(url string) string {
	sum := sha256.Sum256([]byte(url))
	return "imgcache:" + hex.EncodeToString(sum[:])
}

// parseFragment parses an HTML snippet in body context and wraps the
// resulting nodes in a container for uniform traversal.
func parseFragment(fragment string) (*html.Node, error) {
	body := &html.Node{
		Type:     html.ElementNode,
		DataAtom: atom.Body,
		Data:     "body",
	}
	nodes, err := html.ParseFragment(strings.NewReader(fragment), body)
	if err != nil {
		return nil, err
	}

	container := &html.Node{Type: html.DocumentNode}
	for _, n := range nodes {
		container.AppendChild(n)
	}
	return container, nil
}

// renderFragment serializes the container children without adding a
// html/body wrapper.
func renderFragment(container *html.Node) (string, error) {
	var buf strings.Builder
	for c := container.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&buf, c); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}

// collectRemoteImages returns every img element whose src is an http(s) URL.
// Images with data:, file: or relative sources are left alone.
func collectRemoteImages(n *html.Node) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Img {
			src := attrValue(n, "src")
			if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
				out = append(out, n)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return out
}

func attrValue(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}
