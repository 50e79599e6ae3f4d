package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/clank08/govern"
	"github.com/clank08/govern/cache"
)

const headerCache = "X-Cache"

// cachedResponse is the stored form of a 200 response.
type cachedResponse struct {
	ContentType string `json:"ct,omitempty"`
	Body        []byte `json:"b"`
}

// Expand fills a key or tag template from the request and caller:
//
//	{subject}  authenticated subject, or "anonymous"
//	{path}     request path
//	{query}    canonical query string (sorted keys)
//	{param:x}  value of query parameter x
func Expand(tmpl string, r *http.Request, p govern.Principal) string {
	if !strings.Contains(tmpl, "{") {
		return tmpl
	}
	subject := subjectOf(p)
	if subject == "" {
		subject = "anonymous"
	}
	query := r.URL.Query()

	var b strings.Builder
	for {
		open := strings.IndexByte(tmpl, '{')
		if open < 0 {
			b.WriteString(tmpl)
			return b.String()
		}
		end := strings.IndexByte(tmpl[open:], '}')
		if end < 0 {
			b.WriteString(tmpl)
			return b.String()
		}
		b.WriteString(tmpl[:open])
		name := tmpl[open+1 : open+end]
		switch {
		case name == "subject":
			b.WriteString(subject)
		case name == "path":
			b.WriteString(r.URL.Path)
		case name == "query":
			b.WriteString(canonicalQuery(query))
		case strings.HasPrefix(name, "param:"):
			b.WriteString(url.QueryEscape(query.Get(strings.TrimPrefix(name, "param:"))))
		default:
			b.WriteString(tmpl[open : open+end+1])
		}
		tmpl = tmpl[open+end+1:]
	}
}

func canonicalQuery(q url.Values) string {
	// Encode sorts by key.
	return q.Encode()
}

func expandAll(tmpls []string, r *http.Request, p govern.Principal) []string {
	if len(tmpls) == 0 {
		return nil
	}
	out := make([]string, len(tmpls))
	for i, t := range tmpls {
		out[i] = Expand(t, r, p)
	}
	return out
}

// serveCached answers from the cache when it can. On a miss the handler's
// response is streamed to the client and offered to the cache; on a store
// failure the handler runs uncached.
func (g *Governor) serveCached(rec *recorder, r *http.Request, policy *CachePolicy, p govern.Principal, next http.Handler) {
	ctx, span := g.tracer.Start(r.Context(), "govern.cache")
	key := Expand(policy.Key, r, p)
	tags := expandAll(policy.Tags, r, p)
	span.SetAttributes(attribute.String("govern.cache.key", key))

	c := g.engine.Cache()
	metrics := g.engine.Metrics()

	lk, err := c.Lookup(ctx, key, tags)
	if err != nil {
		metrics.Inc(govern.MetricCacheBypass)
		metrics.Inc(govern.MetricCacheError)
		span.SetStatus(codes.Error, "cache lookup failed")
		span.SetAttributes(attribute.String("govern.cache.status", cache.StatusBypass.String()))
		span.End()
		g.logger.Warn("cache lookup failed, serving uncached", zap.String("key", key), zap.Error(err))
		rec.Header().Set(headerCache, cache.StatusBypass.String())
		next.ServeHTTP(rec, r)
		return
	}

	if lk.Hit {
		var stored cachedResponse
		if derr := json.Unmarshal(lk.Value, &stored); derr == nil {
			metrics.Inc(govern.MetricCacheHit)
			span.SetAttributes(attribute.String("govern.cache.status", cache.StatusHit.String()))
			span.End()
			if stored.ContentType != "" {
				rec.Header().Set("Content-Type", stored.ContentType)
			}
			rec.Header().Set(headerCache, cache.StatusHit.String())
			rec.WriteHeader(http.StatusOK)
			_, _ = rec.Write(stored.Body)
			return
		}
		g.logger.Warn("cached response undecodable, refilling", zap.String("key", key))
	}

	metrics.Inc(govern.MetricCacheMiss)
	span.SetAttributes(attribute.String("govern.cache.status", cache.StatusMiss.String()))
	span.End()

	rec.Header().Set(headerCache, cache.StatusMiss.String())
	rec.capture(g.maxCachedBody)
	next.ServeHTTP(rec, r)

	if rec.Status() != http.StatusOK || rec.overflow {
		return
	}
	value, err := json.Marshal(cachedResponse{
		ContentType: rec.Header().Get("Content-Type"),
		Body:        rec.body.Bytes(),
	})
	if err != nil {
		return
	}
	err = c.Fill(r.Context(), lk, value, policy.TTL)
	switch {
	case err == nil:
	case errors.Is(err, cache.ErrFenced):
		metrics.Inc(govern.MetricCacheFillFenced)
	default:
		metrics.Inc(govern.MetricCacheError)
		g.logger.Warn("cache fill failed", zap.String("key", key), zap.Error(err))
	}
}

// invalidate applies a write's invalidation. A failure never changes the
// response that was already written.
func (g *Governor) invalidate(r *http.Request, policy *InvalidatePolicy, p govern.Principal) {
	job := cache.Invalidation{
		Tags:     expandAll(policy.Tags, r, p),
		Patterns: expandAll(policy.Patterns, r, p),
	}
	err := g.engine.Invalidator().Invalidate(r.Context(), job)
	switch {
	case err == nil:
		g.engine.Metrics().Inc(govern.MetricInvalidationApplied)
	case errors.Is(err, cache.ErrInvalidationDeferred):
		g.engine.Metrics().Inc(govern.MetricInvalidationDeferred)
		g.engine.EmitAudit(r.Context(), govern.AuditInvalidationDeferred, subjectOf(p), map[string]string{
			"tags":     strings.Join(job.Tags, ","),
			"patterns": strings.Join(job.Patterns, ","),
		})
	default:
		g.logger.Error("cache invalidation failed", zap.Strings("tags", job.Tags), zap.Error(err))
	}
}

// recorder tracks the status written through it and, once capture is
// called, copies the body up to a limit.
type recorder struct {
	http.ResponseWriter
	status   int
	wrote    bool
	body     *bytes.Buffer
	limit    int
	overflow bool
}

func newRecorder(w http.ResponseWriter) *recorder {
	return &recorder{ResponseWriter: w, status: http.StatusOK}
}

func (r *recorder) capture(limit int) {
	r.body = &bytes.Buffer{}
	r.limit = limit
}

func (r *recorder) WriteHeader(status int) {
	if r.wrote {
		return
	}
	r.wrote = true
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(p []byte) (int, error) {
	if !r.wrote {
		r.WriteHeader(http.StatusOK)
	}
	if r.body != nil && !r.overflow {
		if r.body.Len()+len(p) > r.limit {
			r.overflow = true
			r.body.Reset()
		} else {
			r.body.Write(p)
		}
	}
	return r.ResponseWriter.Write(p)
}

// Status returns the response status, 200 if none was written.
func (r *recorder) Status() int { return r.status }

func (r *recorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }
