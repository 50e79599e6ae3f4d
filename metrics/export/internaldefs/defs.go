package internaldefs

import (
	"github.com/clank08/govern"
)

// CounterDef names one engine counter for export.
type CounterDef struct {
	ID   govern.MetricID
	Name string
	Help string
}

// HistogramDef names one engine latency histogram for export.
type HistogramDef struct {
	ID   govern.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter.
var CounterDefs = []CounterDef{
	{ID: govern.MetricSessionIssued, Name: "govern_session_issued_total", Help: "Sessions issued."},
	{ID: govern.MetricSessionIssueFailure, Name: "govern_session_issue_failure_total", Help: "Session issues that could not be persisted."},
	{ID: govern.MetricValidateSuccess, Name: "govern_validate_success_total", Help: "Access credentials accepted."},
	{ID: govern.MetricValidateFailure, Name: "govern_validate_failure_total", Help: "Access credentials rejected by the codec."},
	{ID: govern.MetricValidateRevoked, Name: "govern_validate_revoked_total", Help: "Access credentials rejected as revoked."},
	{ID: govern.MetricRevocationUnavailable, Name: "govern_revocation_unavailable_total", Help: "Credentials refused because revocation status could not be read."},
	{ID: govern.MetricRefreshSuccess, Name: "govern_refresh_success_total", Help: "Successful refresh rotations."},
	{ID: govern.MetricRefreshFailure, Name: "govern_refresh_failure_total", Help: "Failed refresh attempts."},
	{ID: govern.MetricRefreshReuseDetected, Name: "govern_refresh_reuse_detected_total", Help: "Presentations of an already rotated refresh credential."},
	{ID: govern.MetricDeviceAnomaly, Name: "govern_device_anomaly_total", Help: "Refreshes from a changed address or user agent."},
	{ID: govern.MetricLoginSuccess, Name: "govern_login_success_total", Help: "Successful logins."},
	{ID: govern.MetricLoginFailure, Name: "govern_login_failure_total", Help: "Failed logins."},
	{ID: govern.MetricLoginLocked, Name: "govern_login_locked_total", Help: "Logins refused or triggering a lockout."},
	{ID: govern.MetricLogout, Name: "govern_logout_total", Help: "Logouts."},
	{ID: govern.MetricSessionRevoked, Name: "govern_session_revoked_total", Help: "Sessions revoked by id."},
	{ID: govern.MetricSubjectRevoked, Name: "govern_subject_revoked_total", Help: "Subject-wide revocations."},
	{ID: govern.MetricPasswordChangeSuccess, Name: "govern_password_change_success_total", Help: "Successful password changes."},
	{ID: govern.MetricPasswordChangeInvalidOld, Name: "govern_password_change_invalid_old_total", Help: "Password changes refused for a wrong old password."},
	{ID: govern.MetricRateLimitAllowed, Name: "govern_rate_limit_allowed_total", Help: "Requests allowed by the rate limiter."},
	{ID: govern.MetricRateLimitDenied, Name: "govern_rate_limit_denied_total", Help: "Requests denied by the rate limiter."},
	{ID: govern.MetricRateLimitFailOpen, Name: "govern_rate_limit_fail_open_total", Help: "Requests allowed because the limiter store failed."},
	{ID: govern.MetricRateLimitPenalty, Name: "govern_rate_limit_penalty_total", Help: "Authentication failures that put a penalty in force."},
	{ID: govern.MetricCacheHit, Name: "govern_cache_hit_total", Help: "Responses served from the cache."},
	{ID: govern.MetricCacheMiss, Name: "govern_cache_miss_total", Help: "Cache misses."},
	{ID: govern.MetricCacheBypass, Name: "govern_cache_bypass_total", Help: "Requests served uncached because the cache failed."},
	{ID: govern.MetricCacheError, Name: "govern_cache_error_total", Help: "Advisory cache operation failures."},
	{ID: govern.MetricCacheFillFenced, Name: "govern_cache_fill_fenced_total", Help: "Cache fills discarded because a tag was invalidated meanwhile."},
	{ID: govern.MetricInvalidationApplied, Name: "govern_invalidation_applied_total", Help: "Post-write invalidations applied inline."},
	{ID: govern.MetricInvalidationDeferred, Name: "govern_invalidation_deferred_total", Help: "Post-write invalidations handed to the background queue."},
}

// HistogramDefs lists every exported latency histogram.
var HistogramDefs = []HistogramDef{
	{ID: govern.MetricValidateLatency, Name: "govern_validate_latency_seconds", Help: "Access credential validation latency."},
	{ID: govern.MetricRateLimitLatency, Name: "govern_rate_limit_latency_seconds", Help: "Rate limit check latency."},
}

// HistogramBounds are the bucket upper bounds in seconds, matching
// govern.HistogramBucketBounds. The last bucket is unbounded.
var HistogramBounds = func() []float64 {
	out := make([]float64, len(govern.HistogramBucketBounds))
	for i, b := range govern.HistogramBucketBounds {
		out[i] = b.Seconds()
	}
	return out
}()

// HistogramBoundSuffix names each bucket for exporters without native
// histogram support.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets pads or truncates raw to the eight engine buckets.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts to running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
