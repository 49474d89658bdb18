// Package limiter implements rate limiting for backend up- and downloads.
package limiter

import (
	"context"
	"io"
	"net/http"

	"golang.org/x/time/rate"
)

// Limiter limits the transfer rate of readers and writers.
type Limiter interface {
	// Upstream returns a rate limited reader that is intended to be used in
	// uploads.
	Upstream(r io.Reader) io.Reader

	// UpstreamWriter returns a rate limited writer that is intended to be
	// used in uploads.
	UpstreamWriter(w io.Writer) io.Writer

	// Downstream returns a rate limited reader that is intended to be used
	// for downloads.
	Downstream(r io.Reader) io.Reader

	// DownstreamWriter returns a rate limited writer that is intended to be
	// used for downloads.
	DownstreamWriter(w io.Writer) io.Writer

	// Transport returns an http.RoundTripper limited with the limiter.
	Transport(http.RoundTripper) http.RoundTripper
}

// Limits holds the individual rate limits in KiB/s. Zero means unlimited.
type Limits struct {
	UploadKb   int
	DownloadKb int
}

type staticLimiter struct {
	upstream   *rate.Limiter
	downstream *rate.Limiter
}

// NewStaticLimiter constructs a Limiter with a fixed (static) upload and
// download rate cap.
func NewStaticLimiter(l Limits) Limiter {
	var (
		upstreamBucket   *rate.Limiter
		downstreamBucket *rate.Limiter
	)

	if l.UploadKb > 0 {
		upstreamBucket = rate.NewLimiter(rate.Limit(toByteRate(l.UploadKb)), int(toByteRate(l.UploadKb)))
	}

	if l.DownloadKb > 0 {
		downstreamBucket = rate.NewLimiter(rate.Limit(toByteRate(l.DownloadKb)), int(toByteRate(l.DownloadKb)))
	}

	return staticLimiter{
		upstream:   upstreamBucket,
		downstream: downstreamBucket,
	}
}

func (l staticLimiter) Upstream(r io.Reader) io.Reader {
	return l.limitReader(r, l.upstream)
}

func (l staticLimiter) UpstreamWriter(w io.Writer) io.Writer {
	return l.limitWriter(w, l.upstream)
}

func (l staticLimiter) Downstream(r io.Reader) io.Reader {
	return l.limitReader(r, l.downstream)
}

func (l staticLimiter) DownstreamWriter(w io.Writer) io.Writer {
	return l.limitWriter(w, l.downstream)
}

// waitN blocks until the limiter allows n more bytes. Requests larger than
// the burst size are split, as WaitN refuses them outright.
func waitN(bucket *rate.Limiter, n int) error {
	burst := bucket.Burst()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := bucket.WaitN(context.Background(), chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

type rateLimitedReader struct {
	reader io.Reader
	bucket *rate.Limiter
}

func (r rateLimitedReader) Read(b []byte) (int, error) {
	n, err := r.reader.Read(b)
	if n > 0 {
		if werr := waitN(r.bucket, n); werr != nil && err == nil {
			err = werr
		}
	}
	return n, err
}

type rateLimitedWriter struct {
	writer io.Writer
	bucket *rate.Limiter
}

func (w rateLimitedWriter) Write(b []byte) (int, error) {
	if err := waitN(w.bucket, len(b)); err != nil {
		return 0, err
	}
	return w.writer.Write(b)
}

func (l staticLimiter) limitReader(r io.Reader, b *rate.Limiter) io.Reader {
	if b == nil {
		return r
	}
	return rateLimitedReader{r, b}
}

func (l staticLimiter) limitWriter(w io.Writer, b *rate.Limiter) io.Writer {
	if b == nil {
		return w
	}
	return rateLimitedWriter{w, b}
}

type roundTripper func(*http.Request) (*http.Response, error)

func (rt roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return rt(req)
}

type limitedReadCloser struct {
	io.Reader
	original io.ReadCloser
}

func (l limitedReadCloser) Close() error {
	return l.original.Close()
}

// Transport returns an http.RoundTripper limited with the limiter l.
func (l staticLimiter) Transport(rt http.RoundTripper) http.RoundTripper {
	return roundTripper(func(req *http.Request) (*http.Response, error) {
		if req.Body != nil {
			req.Body = limitedReadCloser{
				Reader:   l.Upstream(req.Body),
				original: req.Body,
			}
		}

		res, err := rt.RoundTrip(req)

		if res != nil && res.Body != nil {
			res.Body = limitedReadCloser{
				Reader:   l.Downstream(res.Body),
				original: res.Body,
			}
		}

		return res, err
	})
}

func toByteRate(kb int) float64 {
	return float64(kb) * 1024.
}
