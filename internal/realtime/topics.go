package realtime

import "strings"

const tenantTopicPrefix = "tenants."

// TenantTopic carries snapshots and events for every session of one tenant.
func TenantTopic(tenantID string) string {
	return tenantTopicPrefix + tenantID + ".sessions"
}

func ParseTenantTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, tenantTopicPrefix)
	if !ok {
		return "", false
	}
	tenant, ok := strings.CutSuffix(rest, ".sessions")
	if !ok || tenant == "" {
		return "", false
	}
	return tenant, true
}

func IsSupportedTopic(topic string) bool {
	_, ok := ParseTenantTopic(topic)
	return ok
}
