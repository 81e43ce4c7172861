package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s", jobID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

// GenerateLockKey guards one generation run per job type.
func GenerateLockKey(jobType string) string {
	return fmt.Sprintf("lock:generate:%s", jobType)
}

func SubscriptionKey(accountID uuid.UUID) string {
	return fmt.Sprintf("subscription:%s", accountID)
}
