package metrics

import (
	"strconv"
	"time"
)

// ProxyRequest records the terminal state of one proxy request.
func ProxyRequest(tier, outcome string) {
	ProxyRequestsTotal.WithLabelValues(tier, outcome).Inc()
}

// UpstreamResponded records time-to-headers for an upstream call. A status
// of 0 means the request never got a response.
func UpstreamResponded(tier string, status int, d time.Duration) {
	UpstreamDuration.WithLabelValues(tier, statusClass(status)).Observe(d.Seconds())
}

// StreamBytes adds relayed bytes for a tier.
func StreamBytes(tier string, n int) {
	StreamBytesTotal.WithLabelValues(tier).Add(float64(n))
}

// Settlement records the result of a usage settlement.
func Settlement(tier, result string) {
	SettlementsTotal.WithLabelValues(tier, result).Inc()
}

// Notification records a push notification outcome.
func Notification(result string) {
	NotificationsTotal.WithLabelValues(result).Inc()
}

// WebhookEvent records a processed billing event.
func WebhookEvent(source, eventType, result string) {
	WebhookEventsTotal.WithLabelValues(source, eventType, result).Inc()
}

// ResetRun records a monthly reset run and how many accounts it touched.
func ResetRun(result string, accounts int) {
	ResetRunsTotal.WithLabelValues(result).Inc()
	ResetAccountsTotal.Add(float64(accounts))
}

func statusClass(status int) string {
	if status <= 0 {
		return "error"
	}
	return strconv.Itoa(status/100) + "xx"
}
