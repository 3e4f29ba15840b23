// Package dispatcher performs single outbound HTTP exchanges on top of
// [net/http] and classifies every way they can fail.
//
// # Building a Dispatcher
//
// Use [Build] with functional options:
//
//	d, err := dispatcher.Build(
//		dispatcher.WithTimeout(30 * time.Second),
//		dispatcher.WithUserAgent(useragent.New("myapp", "1.2.0")),
//		dispatcher.WithProxyResolver(proxy.FromEnvironment()),
//		dispatcher.WithPlatform(platform.Detect("v1.22.0")),
//	)
//
// A Dispatcher holds read-only configuration only and may be shared by any
// number of goroutines.
//
// # Sending Requests
//
// Describe the exchange with [NewRequest] and hand it to [Dispatcher.Send]:
//
//	req, err := dispatcher.NewRequest(http.MethodPost, "https://api.example.com/v1/items",
//		dispatcher.WithJSON(item),
//		dispatcher.WithHeader("Accept", "application/json"),
//	)
//	resp, err := d.Send(ctx, req)
//
// Every response carrying a status line is returned as a [Response],
// including 4xx and 5xx. An error means no usable response exists. Errors
// are always [*Error] values; match them with errors.Is against the Err*
// sentinels or inspect [Error.Kind]:
//
//	switch {
//	case errors.Is(err, dispatcher.ErrNameResolution):
//	case errors.Is(err, dispatcher.ErrTLS):
//	case errors.Is(err, dispatcher.ErrTransport):
//	}
//
// The dispatcher never retries. [Error.Temporary] hints whether a retry
// could succeed.
//
// # Headers
//
// A fixed table of header names gets dedicated handling: dates are parsed
// and re-rendered, Content-Length must be numeric, Connection controls
// keep-alive and Host overrides the request host. User-Agent, Range and
// Proxy-Connection are refused with [ErrUnsupportedHeader] before any I/O.
// All other headers pass through unchanged.
//
// # Downloading Files
//
// [Dispatcher.DownloadFile] streams a body to disk. The file only appears
// at its destination once it has been fully written:
//
//	err = d.DownloadFile(ctx, "https://example.com/file.bin", "/tmp/out/file.bin",
//		dispatcher.WithChecksum(sha256.New(), expectedHex),
//		dispatcher.WithProgress(),
//	)
//
// [Dispatcher.DownloadAsync] runs downloads in the background, optionally
// as a bounded batch:
//
//	r, err := d.DownloadAsync(ctx, urlA, "/tmp/a.bin", dispatcher.WithBatch(4))
//	r.Add(ctx, urlB, "/tmp/b.bin")
//	err = r.Wait()
//
// # Affected Runtimes
//
// When the configured [platform.Descriptor] reports an affected runtime,
// the dispatcher asks for gzip itself and decodes bodies after reading
// them, and it force-closes the connection of any exchange that fails.
package dispatcher
