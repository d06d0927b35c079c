package store

import "time"

// Key layout. The store owns every persistent datum; components refer to
// these constants instead of building key strings ad hoc.
const (
	KeyProcessedSet = "email:processed"
	KeyMainQueue    = "queue:emails"
	KeyInFlight     = "queue:processing"
	KeyDeadLetter   = "queue:failed"

	KeyEmailDataPrefix  = "email:data:"  // email:data:{id}
	KeyEmailRetryPrefix = "email:retry:" // email:retry:{id}

	KeyCurrentSession  = "session:current"
	KeySessionHistory  = "sessions:history"
	KeySessionsByTime  = "sessions:by_time"
	KeyPaginationCur   = "polling:pagination_cursor"
	KeyWebhookSub      = "webhook:subscription"
	KeyRefreshToken    = "auth:refresh_token"
	KeyAccessToken     = "auth:access_token"
	KeyOutboundStaging = "ms4:outbound"

	KeyRateLimitPrefix = "ratelimit:" // ratelimit:{channel}
	KeyCounterPrefix   = "counter:"   // counter:{name}
	KeyMetricsPrefix   = "metrics:"   // metrics:{YYYYMMDD}
)

// TTLs.
const (
	TTLProcessed = 30 * 24 * time.Hour
	TTLEmailData = 24 * time.Hour
	TTLRetryMeta = 7 * 24 * time.Hour
	TTLSession   = 7 * 24 * time.Hour
	TTLCursor    = 1 * time.Hour
	TTLLock      = 30 * time.Second
	TTLMetrics   = 90 * 24 * time.Hour
)

// SessionHistoryCap bounds the sessions:history list.
const SessionHistoryCap = 100

// EmailDataKey returns the payload key for a message id.
func EmailDataKey(id string) string { return KeyEmailDataPrefix + id }

// EmailRetryKey returns the retry-metadata key for a message id.
func EmailRetryKey(id string) string { return KeyEmailRetryPrefix + id }

// MetricsKey returns the daily metrics hash key for the given day.
func MetricsKey(t time.Time) string { return KeyMetricsPrefix + t.UTC().Format("20060102") }
