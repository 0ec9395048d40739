package shelly

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nerrad567/em-ingest/internal/meter"
)

// Export size model: one row per minute after the header line.
const (
	exportHeaderBytes = 866
	exportRowBytes    = 334

	// progressInterval is how many bytes pass between progress log lines.
	progressInterval = 1 << 20
)

// EstimateExportSize estimates the byte size of an export covering since
// to until (now when until is zero). It reports false without a since.
func EstimateExportSize(since, until, now time.Time) (int64, bool) {
	if since.IsZero() {
		return 0, false
	}
	if until.IsZero() {
		until = now
	}
	minutes := int64(until.Sub(since) / time.Minute)
	if minutes < 0 {
		minutes = 0
	}
	return exportHeaderBytes + minutes*exportRowBytes, true
}

func (c *Client) exportURL(since, until time.Time) string {
	q := url.Values{}
	q.Set("add_keys", "true")
	if !since.IsZero() {
		q.Set("ts", strconv.FormatInt(since.Unix(), 10))
	}
	if !until.IsZero() {
		q.Set("end_ts", strconv.FormatInt(until.Unix(), 10))
	}
	return fmt.Sprintf("%s/emdata/%d/data.csv?%s", c.baseURL(), energyMeterID, q.Encode())
}

// openExport starts the export request. The returned body fails with
// ErrExportStalled once the device sends nothing for RequestTimeout.
func (c *Client) openExport(ctx context.Context, since, until time.Time) (*http.Response, error) {
	ctx, cancel := context.WithCancel(ctx)
	resp, err := c.get(ctx, c.exportURL(since, until))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("opening export of %s: %w", c.name, err)
	}
	resp.Body = newIdleTimeoutBody(resp.Body, c.opts.RequestTimeout, cancel)
	return resp, nil
}

// idleTimeoutBody cancels its request when no bytes arrive for timeout.
// Each read that returns data restarts the clock.
type idleTimeoutBody struct {
	body    io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
	cancel  context.CancelFunc
	expired atomic.Bool
}

func newIdleTimeoutBody(body io.ReadCloser, timeout time.Duration, cancel context.CancelFunc) *idleTimeoutBody {
	b := &idleTimeoutBody{body: body, timeout: timeout, cancel: cancel}
	b.timer = time.AfterFunc(timeout, func() {
		b.expired.Store(true)
		cancel()
	})
	return b
}

func (b *idleTimeoutBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	if n > 0 && !b.expired.Load() {
		b.timer.Reset(b.timeout)
	}
	if err != nil && !errors.Is(err, io.EOF) && b.expired.Load() {
		err = fmt.Errorf("%w: nothing received for %s", ErrExportStalled, b.timeout)
	}
	return n, err
}

func (b *idleTimeoutBody) Close() error {
	b.timer.Stop()
	b.cancel()
	return b.body.Close()
}

// HistoryStream is a lazily parsed export. Close releases the connection.
type HistoryStream struct {
	*meter.BulkReader
	body io.Closer
}

// Close closes the underlying response body.
func (s *HistoryStream) Close() error {
	return s.body.Close()
}

// FetchHistory opens the export for since..until and verifies its header.
// Zero bounds are left open. Rows are parsed as they arrive.
func (c *Client) FetchHistory(ctx context.Context, since, until time.Time) (*HistoryStream, error) {
	resp, err := c.openExport(ctx, since, until)
	if err != nil {
		return nil, err
	}

	reader, err := meter.NewBulkReader(resp.Body)
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("export of %s: %w", c.name, err)
	}
	return &HistoryStream{BulkReader: reader, body: resp.Body}, nil
}

// DownloadResult describes one finished export download.
type DownloadResult struct {
	Device   string
	Target   string
	Bytes    int64
	Duration time.Duration
}

// DownloadHistory streams the raw export for since..until into dst after
// verifying the header. Rows are not parsed.
func (c *Client) DownloadHistory(ctx context.Context, since, until time.Time, dst io.Writer) (DownloadResult, error) {
	start := time.Now()
	result := DownloadResult{Device: c.name}

	resp, err := c.openExport(ctx, since, until)
	if err != nil {
		return result, err
	}
	defer resp.Body.Close()

	body := bufio.NewReader(resp.Body)
	header, err := body.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return result, fmt.Errorf("%w: reading export header of %s: %w", ErrTransport, c.name, err)
	}
	if err := meter.CheckFields(strings.Split(strings.TrimRight(header, "\r\n"), ",")); err != nil {
		return result, fmt.Errorf("export of %s: %w", c.name, err)
	}

	estimate, _ := EstimateExportSize(since, until, start)
	progress := &progressWriter{w: dst, client: c, estimate: estimate}

	if _, err := io.WriteString(progress, header); err != nil {
		return result, fmt.Errorf("writing export of %s: %w", c.name, err)
	}
	if _, err := io.Copy(progress, body); err != nil {
		result.Bytes = progress.n
		return result, fmt.Errorf("%w: streaming export of %s: %w", ErrTransport, c.name, err)
	}

	result.Bytes = progress.n
	result.Duration = time.Since(start)
	c.logger.Info("export downloaded", "bytes", result.Bytes, "duration", result.Duration)
	return result, nil
}

// DownloadHistoryToFile downloads the export into path, creating parent
// directories. The file is removed if the download fails.
func (c *Client) DownloadHistoryToFile(ctx context.Context, since, until time.Time, path string) (DownloadResult, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return DownloadResult{Device: c.name, Target: path}, fmt.Errorf("creating export directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return DownloadResult{Device: c.name, Target: path}, fmt.Errorf("creating export file: %w", err)
	}

	result, err := c.DownloadHistory(ctx, since, until, f)
	result.Target = path
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("closing export file: %w", closeErr)
	}
	if err != nil {
		os.Remove(path)
		return result, err
	}
	return result, nil
}

// progressWriter counts bytes and logs progress against an estimate.
type progressWriter struct {
	w        io.Writer
	client   *Client
	estimate int64
	n        int64
	next     int64
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.n += int64(n)
	if p.n >= p.next {
		p.next = p.n + progressInterval
		if p.estimate > 0 {
			p.client.logger.Debug("export progress", "bytes", p.n, "estimated_percent", min(100, p.n*100/p.estimate))
		} else {
			p.client.logger.Debug("export progress", "bytes", p.n)
		}
	}
	return n, err
}
