// Package throttle provides an [http.RoundTripper] that rate-limits
// outbound HTTP requests per target host using token buckets from
// [golang.org/x/time/rate].
//
// It is an opt-in policy layer around the dispatcher's transport; the
// dispatcher itself never limits or retries.
//
// # Usage
//
// Wrap an existing transport with [NewRoundTripper]:
//
//	rt, err := throttle.NewRoundTripper(
//		10, // requests per second, per host
//		5,  // burst capacity, per host
//		func() *slog.Logger { return slog.Default() },
//		http.DefaultTransport,
//	)
//	httpClient := &http.Client{Transport: rt}
//
// When a host's bucket is empty, requests to that host block until a
// token becomes available or the request context ends. A wait that cannot
// finish before the context deadline fails immediately with an error
// wrapping [context.DeadlineExceeded].
package throttle
