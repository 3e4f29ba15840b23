package download

import (
	"context"
	"log/slog"
	"time"
)

const progressInterval = time.Second

// progress is a write-only sink that logs how far a transfer has got.
// With a known total it logs each time another tenth arrives, otherwise at
// most once per progressInterval.
type progress struct {
	logger  *slog.Logger
	dest    string
	total   int64
	written int64
	tenths  int64
	started time.Time
	last    time.Time
}

func newProgress(logger *slog.Logger, dest string, total int64) *progress {
	now := time.Now()
	return &progress{logger: logger, dest: dest, total: total, started: now, last: now}
}

func (p *progress) Write(b []byte) (int, error) {
	p.written += int64(len(b))

	if p.total > 0 {
		if t := p.written * 10 / p.total; t > p.tenths && p.written < p.total {
			p.tenths = t
			p.report("download progress")
		}
		return len(b), nil
	}

	if time.Since(p.last) >= progressInterval {
		p.last = time.Now()
		p.report("download progress")
	}

	return len(b), nil
}

// done logs the final tally.
func (p *progress) done() {
	p.report("download finished")
}

func (p *progress) report(msg string) {
	elapsed := time.Since(p.started)

	attrs := []slog.Attr{
		slog.String("path", p.dest),
		slog.Int64("bytes", p.written),
		slog.Duration("elapsed", elapsed.Round(time.Millisecond)),
	}
	if p.total > 0 {
		attrs = append(attrs, slog.Int64("total", p.total), slog.Int64("percent", p.written*100/p.total))
	}
	if secs := elapsed.Seconds(); secs > 0 {
		attrs = append(attrs, slog.Float64("bytes_per_sec", float64(p.written)/secs))
	}

	p.logger.LogAttrs(context.Background(), slog.LevelInfo, msg, attrs...)
}
