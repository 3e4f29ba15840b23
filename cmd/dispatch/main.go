// Command dispatch sends a single HTTP request or downloads a file through
// the dispatcher, configured from DISPATCH_* environment variables.
//
// Usage:
//
//	dispatch send [-X METHOD] [-H 'Key: value']... [-d BODY] [-timeout D] [-simple-ua] URL
//	dispatch download [-sha256 HEX] [-progress] [-skip-existing] URL PATH
package main

import (
	"context"
	"crypto/sha256"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/adamwoolhether/dispatch/config"
	"github.com/adamwoolhether/dispatch/dispatcher"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "dispatch:", err)

		var e *dispatcher.Error
		if errors.As(err, &e) {
			fmt.Fprintln(os.Stderr, "kind:", e.Kind)
			if e.Status != "" {
				fmt.Fprintln(os.Stderr, "status:", e.Status)
			}
		}
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		return errors.New("expected a subcommand: send or download")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: cfg.Level()}))

	opts, err := cfg.Options(logger)
	if err != nil {
		return err
	}

	d, err := dispatcher.Build(opts...)
	if err != nil {
		return fmt.Errorf("building dispatcher: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "send":
		return send(ctx, d, args[1:], stdout)
	case "download":
		return download(ctx, d, args[1:], stdout)
	default:
		return fmt.Errorf("unknown subcommand %q", args[0])
	}
}

// headerFlags collects repeated -H values.
type headerFlags []string

func (h *headerFlags) String() string { return strings.Join(*h, ", ") }

func (h *headerFlags) Set(v string) error {
	if !strings.Contains(v, ":") {
		return fmt.Errorf("header %q is not in 'Key: value' form", v)
	}
	*h = append(*h, v)
	return nil
}

func send(ctx context.Context, d *dispatcher.Dispatcher, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	method := fs.String("X", http.MethodGet, "request method")
	body := fs.String("d", "", "request body")
	timeout := fs.Duration("timeout", 0, "timeout for the whole exchange")
	simpleUA := fs.Bool("simple-ua", false, "send the simplified user agent")
	var headers headerFlags
	fs.Var(&headers, "H", "request header, repeatable")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("send: expected exactly one URL")
	}

	reqOpts := []dispatcher.RequestOption{dispatcher.WithRequestTimeout(*timeout)}
	if *body != "" {
		reqOpts = append(reqOpts, dispatcher.WithBody([]byte(*body)))
	}
	if *simpleUA {
		reqOpts = append(reqOpts, dispatcher.WithSimplifiedUserAgent())
	}
	for _, h := range headers {
		k, v, _ := strings.Cut(h, ":")
		reqOpts = append(reqOpts, dispatcher.WithHeader(strings.TrimSpace(k), strings.TrimSpace(v)))
	}

	req, err := dispatcher.NewRequest(strings.ToUpper(*method), fs.Arg(0), reqOpts...)
	if err != nil {
		return err
	}

	resp, err := d.Send(ctx, req)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%s %s (%s)\n", resp.Proto, resp.Status, resp.Elapsed.Round(time.Millisecond))
	keys := make([]string, 0, len(resp.Header))
	for k := range resp.Header {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		for _, v := range resp.Header[k] {
			fmt.Fprintf(out, "%s: %s\n", k, v)
		}
	}
	fmt.Fprintln(out)
	_, err = out.Write(resp.Body)

	return err
}

func download(ctx context.Context, d *dispatcher.Dispatcher, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("download", flag.ContinueOnError)
	sum := fs.String("sha256", "", "expected hex sha256 of the file")
	progress := fs.Bool("progress", false, "log download progress")
	skip := fs.Bool("skip-existing", false, "do nothing when PATH already exists")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return errors.New("download: expected URL and PATH")
	}

	var opts []dispatcher.DownloadOption
	if *sum != "" {
		opts = append(opts, dispatcher.WithChecksum(sha256.New(), *sum))
	}
	if *progress {
		opts = append(opts, dispatcher.WithProgress())
	}
	if *skip {
		opts = append(opts, dispatcher.WithSkipExisting())
	}

	if err := d.DownloadFile(ctx, fs.Arg(0), fs.Arg(1), opts...); err != nil {
		return err
	}

	fmt.Fprintln(out, "saved", fs.Arg(1))

	return nil
}
