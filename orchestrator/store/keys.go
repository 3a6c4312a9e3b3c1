package store

import "fmt"

// Redis key layout. Tenant-partitioned keys always embed the tenant id so a
// scan over one tenant can never touch another's data.
//
//	insight:tenants:{tenantID}:queue           ZSET of request ids
//	insight:requests:{requestID}               JSON QueuedRequest, 1h TTL
//	insight:queue:tenants                      SET of tenants with queues
//	insight:reports:{tenantID}:{propertyID}:{queryHash}  cached report
//	insight:idempotency:{key}                  NX response record

func tenantQueueKey(tenantID string) string {
	return fmt.Sprintf("insight:tenants:%s:queue", tenantID)
}

func requestKey(requestID string) string {
	return fmt.Sprintf("insight:requests:%s", requestID)
}

const queueTenantsKey = "insight:queue:tenants"

func cachedReportKey(tenantID, propertyID, queryHash string) string {
	return fmt.Sprintf("insight:reports:%s:%s:%s", tenantID, propertyID, queryHash)
}

func idempotencyKey(key string) string {
	return "insight:idempotency:" + key
}
