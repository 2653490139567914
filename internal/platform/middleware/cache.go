package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// CacheConfig controls ETag generation and the Cache-Control policy for read
// endpoints. Responses default to private because nearly everything this API
// serves is part of a clinical record.
type CacheConfig struct {
	MaxAge             int      // max-age in seconds
	Private            bool     // private vs public Cache-Control
	NoStore            bool     // force no-store for especially sensitive routes
	VaryHeaders        []string // headers appended to Vary
	ETagEnabled        bool
	ConditionalEnabled bool // honor If-None-Match with 304
	ExcludePaths       []string
	CacheStore         CacheStore
}

// DefaultCacheConfig suits the note read endpoints: short private caching
// with revalidation. Version and signature listings never change once
// written, so a 304 round trip is usually all a client needs.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MaxAge:             300,
		Private:            true,
		VaryHeaders:        []string{"Accept", "Authorization"},
		ETagEnabled:        true,
		ConditionalEnabled: true,
		ExcludePaths:       []string{"/health", "/health/db", "/metrics"},
	}
}

// CacheStore is a response cache backend.
type CacheStore interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ttl time.Duration)
	Delete(key string)
	Clear()
}

type storedResponse struct {
	body      []byte
	expiresAt time.Time
}

// InMemoryCacheStore is a mutex-guarded CacheStore. Entries expire lazily on
// read; StartCleanup adds a periodic sweep for long-lived processes.
type InMemoryCacheStore struct {
	mu      sync.RWMutex
	entries map[string]*storedResponse
}

func NewInMemoryCacheStore() *InMemoryCacheStore {
	return &InMemoryCacheStore{entries: make(map[string]*storedResponse)}
}

func (s *InMemoryCacheStore) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false
	}
	return entry.body, true
}

func (s *InMemoryCacheStore) Set(key string, value []byte, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &storedResponse{body: value, expiresAt: time.Now().Add(ttl)}
}

func (s *InMemoryCacheStore) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

func (s *InMemoryCacheStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*storedResponse)
}

// StartCleanup sweeps expired entries every interval until ctx is cancelled.
func (s *InMemoryCacheStore) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				s.mu.Lock()
				for k, v := range s.entries {
					if now.After(v.expiresAt) {
						delete(s.entries, k)
					}
				}
				s.mu.Unlock()
			}
		}
	}()
}

// captureWriter buffers the response body so the middleware can hash it for
// an ETag before anything reaches the wire. Headers pass through to the real
// writer; status and body are held back until release.
type captureWriter struct {
	dst    http.ResponseWriter
	body   bytes.Buffer
	status int
}

func capture(dst http.ResponseWriter) *captureWriter {
	return &captureWriter{dst: dst, status: http.StatusOK}
}

func (w *captureWriter) Header() http.Header         { return w.dst.Header() }
func (w *captureWriter) Write(b []byte) (int, error) { return w.body.Write(b) }
func (w *captureWriter) WriteHeader(code int)        { w.status = code }
func (w *captureWriter) Flush()                      {}

// release writes the held status and body to the destination writer.
func (w *captureWriter) release() error {
	w.dst.WriteHeader(w.status)
	if w.body.Len() == 0 {
		return nil
	}
	_, err := w.dst.Write(w.body.Bytes())
	return err
}

// runCaptured swaps in a captureWriter for the duration of next and restores
// the original writer afterward, even on error.
func runCaptured(c echo.Context, next echo.HandlerFunc) (*captureWriter, error) {
	res := c.Response()
	orig := res.Writer
	cw := capture(orig)
	res.Writer = cw
	err := next(c)
	res.Writer = orig
	return cw, err
}

// ETagMiddleware hashes successful GET/HEAD responses into a weak ETag and
// sets the configured Cache-Control and Vary headers. With conditionals
// enabled, a matching If-None-Match short-circuits to 304.
func ETagMiddleware(config CacheConfig) echo.MiddlewareFunc {
	cacheControl := buildCacheControl(config)
	vary := strings.Join(config.VaryHeaders, ", ")

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Method != http.MethodGet && req.Method != http.MethodHead {
				return next(c)
			}
			if pathExcluded(req.URL.Path, config.ExcludePaths) {
				return next(c)
			}

			cw, err := runCaptured(c, next)
			if err != nil {
				return err
			}
			if cw.status >= 400 {
				return cw.release()
			}

			res := c.Response()
			res.Header().Set("Cache-Control", cacheControl)
			if vary != "" {
				res.Header().Set("Vary", vary)
			}

			if config.ETagEnabled {
				etag := weakETag(cw.body.Bytes())
				res.Header().Set("ETag", etag)
				if config.ConditionalEnabled && etagMatch(req.Header.Get("If-None-Match"), etag) {
					res.Writer.WriteHeader(http.StatusNotModified)
					return nil
				}
			}
			return cw.release()
		}
	}
}

// ConditionalRequestMiddleware evaluates If-Modified-Since and If-None-Match
// (304) plus If-Match (412) against headers the handler set.
func ConditionalRequestMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			cw, err := runCaptured(c, next)
			if err != nil {
				return err
			}

			res := c.Response()
			if ims := req.Header.Get("If-Modified-Since"); ims != "" {
				if lastMod := res.Header().Get("Last-Modified"); lastMod != "" {
					since, err1 := http.ParseTime(ims)
					modified, err2 := http.ParseTime(lastMod)
					if err1 == nil && err2 == nil && !modified.After(since) {
						res.Writer.WriteHeader(http.StatusNotModified)
						return nil
					}
				}
			}

			etag := res.Header().Get("ETag")
			if etag != "" {
				if etagMatch(req.Header.Get("If-None-Match"), etag) {
					res.Writer.WriteHeader(http.StatusNotModified)
					return nil
				}
				if im := req.Header.Get("If-Match"); im != "" && !etagMatch(im, etag) {
					res.Writer.WriteHeader(http.StatusPreconditionFailed)
					return nil
				}
			}
			return cw.release()
		}
	}
}

// ResponseCacheMiddleware serves repeated anonymous GETs from the store.
// Anything carrying an Authorization header bypasses the cache entirely so
// one caller's data is never replayed to another.
func ResponseCacheMiddleware(store CacheStore, ttl time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Method != http.MethodGet {
				return next(c)
			}
			if req.Header.Get("Authorization") != "" {
				c.Response().Header().Set("X-Cache", "SKIP")
				return next(c)
			}

			key := req.Method + ":" + req.URL.Path + ":" + req.Header.Get("Accept")
			if body, ok := store.Get(key); ok {
				c.Response().Header().Set("X-Cache", "HIT")
				c.Response().Writer.WriteHeader(http.StatusOK)
				_, err := c.Response().Writer.Write(body)
				return err
			}

			cw, err := runCaptured(c, next)
			if err != nil {
				return err
			}
			if cw.status < 400 {
				store.Set(key, cw.body.Bytes(), ttl)
			}
			c.Response().Header().Set("X-Cache", "MISS")
			return cw.release()
		}
	}
}

// weakETag hashes the body into a weak validator. SHA-256 truncated to 16
// bytes keeps the header short.
func weakETag(body []byte) string {
	sum := sha256.Sum256(body)
	return fmt.Sprintf(`W/"%x"`, sum[:16])
}

func pathExcluded(path string, excludes []string) bool {
	for _, ex := range excludes {
		if path == ex {
			return true
		}
	}
	return false
}

func buildCacheControl(config CacheConfig) string {
	var parts []string
	if config.NoStore {
		parts = append(parts, "no-store")
	}
	if config.Private {
		parts = append(parts, "private")
	} else {
		parts = append(parts, "public")
	}
	return strings.Join(append(parts, fmt.Sprintf("max-age=%d", config.MaxAge)), ", ")
}

// etagMatch reports whether a conditional header value matches etag. The
// header may carry a comma-separated list or the wildcard "*"; comparison is
// weak, so W/"x" matches "x".
func etagMatch(headerVal, etag string) bool {
	headerVal = strings.TrimSpace(headerVal)
	if headerVal == "" {
		return false
	}
	if headerVal == "*" {
		return true
	}
	for _, candidate := range strings.Split(headerVal, ",") {
		if strings.TrimPrefix(strings.TrimSpace(candidate), "W/") == strings.TrimPrefix(etag, "W/") {
			return true
		}
	}
	return false
}
