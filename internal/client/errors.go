package client

import "errors"

// Upstream failure sentinels. Providers wrap them with context; callers test with errors.Is.
var (
	ErrUnauthorized     = errors.New("upstream rejected credentials")
	ErrNotFound         = errors.New("upstream resource not found")
	ErrRateLimited      = errors.New("rate limited")
	ErrUpstreamFailure  = errors.New("upstream failure")
	ErrMalformedPayload = errors.New("malformed upstream payload")
	ErrStaleUpstream    = errors.New("upstream data is stale")
)
