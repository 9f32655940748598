package notification

import "context"

// RecipientRateLimiter caps how many notifications one address receives per
// window. The Redis implementation lives in infra/ratelimit.
//
// The service consults it before creating a record, once per primary
// recipient. An error means the limiter could not decide; the service then
// lets the request through.
type RecipientRateLimiter interface {
	Allow(ctx context.Context, recipient string) (bool, error)
}
