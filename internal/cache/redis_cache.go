/**
 * OCR result cache
 *
 * ParsedDocument JSON keyed by the SHA-256 of the PNG the client would
 * upload. Identical images across documents and job retries are OCR'd once.
 */

package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"image"
	"image/png"
	"time"

	"github.com/adverant/nexus/ocr-client/internal/document"
	"github.com/adverant/nexus/ocr-client/internal/invoice"
	"github.com/adverant/nexus/ocr-client/internal/logging"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ocr:doc:"

// kv is the part of *redis.Client the cache uses.
type kv interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// ParsedDocumentCache stores OCR results in Redis.
type ParsedDocumentCache struct {
	client kv
	closer func() error
	ttl    time.Duration
}

// NewParsedDocumentCache connects to redisURL and checks the connection.
func NewParsedDocumentCache(ctx context.Context, redisURL string, ttl time.Duration) (*ParsedDocumentCache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &ParsedDocumentCache{client: client, closer: client.Close, ttl: ttl}, nil
}

// Key returns the cache key for img.
func Key(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", err
	}
	sum := sha256.Sum256(buf.Bytes())
	return keyPrefix + hex.EncodeToString(sum[:]), nil
}

// Get returns the cached document for key. A miss is (nil, false, nil).
func (c *ParsedDocumentCache) Get(ctx context.Context, key string) (*document.ParsedDocument, bool, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get %s: %w", key, err)
	}

	var doc document.ParsedDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, false, fmt.Errorf("cache entry %s is corrupt: %w", key, err)
	}
	return &doc, true, nil
}

// Put stores doc under key for the cache TTL.
func (c *ParsedDocumentCache) Put(ctx context.Context, key string, doc *document.ParsedDocument) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

func (c *ParsedDocumentCache) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

// Store is what CachingOCR needs from a cache.
type Store interface {
	Get(ctx context.Context, key string) (*document.ParsedDocument, bool, error)
	Put(ctx context.Context, key string, doc *document.ParsedDocument) error
}

// Backend is the OCR service being cached. *clients.OCRClient implements it.
type Backend interface {
	SubmitImage(ctx context.Context, img image.Image) (*document.ParsedDocument, error)
	SubmitInvoiceImage(ctx context.Context, img image.Image) (*invoice.Response, error)
}

// CachingOCR serves SubmitImage from a Store when it can. Invoice requests
// are passed through. Cache failures are logged and treated as misses.
type CachingOCR struct {
	backend Backend
	store   Store
	logger  *logging.Logger
}

func NewCachingOCR(backend Backend, store Store, logger *logging.Logger) *CachingOCR {
	if logger == nil {
		logger = logging.NewLogger("OCRCache")
	}
	return &CachingOCR{backend: backend, store: store, logger: logger}
}

func (c *CachingOCR) SubmitImage(ctx context.Context, img image.Image) (*document.ParsedDocument, error) {
	key, err := Key(img)
	if err != nil {
		c.logger.Debug("cache key unavailable", "error", err)
		return c.backend.SubmitImage(ctx, img)
	}

	doc, ok, err := c.store.Get(ctx, key)
	switch {
	case err != nil:
		c.logger.Warn("cache lookup failed", "key", key, "error", err)
	case ok:
		c.logger.Debug("cache hit", "key", key)
		return doc, nil
	}

	doc, err = c.backend.SubmitImage(ctx, img)
	if err != nil {
		return nil, err
	}

	if err := c.store.Put(ctx, key, doc); err != nil {
		c.logger.Warn("cache store failed", "key", key, "error", err)
	}
	return doc, nil
}

func (c *CachingOCR) SubmitInvoiceImage(ctx context.Context, img image.Image) (*invoice.Response, error) {
	return c.backend.SubmitInvoiceImage(ctx, img)
}
