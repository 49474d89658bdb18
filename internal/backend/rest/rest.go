// Package rest implements a backend using the rest-server HTTP protocol.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/strata-backup/strata/internal/backend/util"
	"github.com/strata-backup/strata/internal/debug"
	"github.com/strata-backup/strata/internal/errors"
	"github.com/strata-backup/strata/internal/strata"
)

// make sure the rest backend implements strata.Backend
var _ strata.Backend = &Backend{}

// Backend uses the REST protocol to access data stored on a server.
type Backend struct {
	url    *url.URL
	cfg    Config
	client http.Client
}

// restError is returned whenever the server returns a non-successful HTTP
// status.
type restError struct {
	strata.Handle
	StatusCode int
	Status     string
}

func (e *restError) Error() string {
	return fmt.Sprintf("unexpected HTTP response (%v): %v", e.StatusCode, e.Status)
}

func notExistError(err error) bool {
	var e *restError
	return errors.As(err, &e) && e.StatusCode == http.StatusNotFound
}

// IsNotExist returns true if the error was caused by a non-existing file.
func (b *Backend) IsNotExist(err error) bool {
	return notExistError(err)
}

// IsPermanentError returns true if the error is permanent.
func (b *Backend) IsPermanentError(err error) bool {
	if notExistError(err) {
		return true
	}

	var rerr *restError
	if errors.As(err, &rerr) {
		if rerr.StatusCode == http.StatusRequestedRangeNotSatisfiable || rerr.StatusCode == http.StatusUnauthorized || rerr.StatusCode == http.StatusForbidden {
			return true
		}
	}

	return false
}

// ContentTypeV1 is the content type of the original repository layout.
const ContentTypeV1 = "application/vnd.x.restic.rest.v1"

// ContentTypeV2 is the content type of repository layout v2, which adds
// sizes to the List response.
const ContentTypeV2 = "application/vnd.x.restic.rest.v2"

// Open opens the REST backend with the given config.
func Open(_ context.Context, cfg Config, rt http.RoundTripper) (*Backend, error) {
	// normalize the URL to always carry a trailing slash
	s := strings.TrimRight(cfg.URL.String(), "/") + "/"

	u, err := url.Parse(s)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	be := &Backend{
		url:    u,
		cfg:    cfg,
		client: http.Client{Transport: rt},
	}

	return be, nil
}

// Create creates a new REST on server configured in config.
func Create(ctx context.Context, cfg Config, rt http.RoundTripper) (*Backend, error) {
	be, err := Open(ctx, cfg, rt)
	if err != nil {
		return nil, err
	}

	_, err = be.Stat(ctx, strata.Handle{Type: strata.ConfigFile})
	if err == nil {
		return nil, errors.New("config file already exists")
	}

	url := *be.url
	values := url.Query()
	values.Set("create", "true")
	url.RawQuery = values.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url.String(), strings.NewReader(""))
	if err != nil {
		return nil, errors.WithStack(err)
	}

	resp, err := be.client.Do(req)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	if err := drainAndClose(resp); err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &restError{strata.Handle{}, resp.StatusCode, resp.Status}
	}

	return be, nil
}

// Location returns this backend's location (the server's URL).
func (b *Backend) Location() string {
	return "rest:" + b.url.String()
}

// Connections returns the maximum number of concurrent backend operations.
func (b *Backend) Connections() uint {
	return b.cfg.Connections
}

// Hasher may return a hash function for calculating a content hash for the
// backend.
func (b *Backend) Hasher() hash.Hash {
	return nil
}

// HasAtomicReplace returns whether Save() can atomically replace files.
func (b *Backend) HasAtomicReplace() bool {
	return true
}

// Filename returns the path on the server for the file described by h.
func (b *Backend) Filename(h strata.Handle) string {
	p := string(h.Type)
	if h.Type == strata.ConfigFile {
		return path.Join(b.url.Path, p)
	}
	return path.Join(b.url.Path, p, h.Name)
}

func (b *Backend) urlFor(h strata.Handle) string {
	u := *b.url
	u.Path = b.Filename(h)
	return u.String()
}

// drainAndClose discards the remaining response body and closes it. For HTTP
// keep-alive, the whole body must be consumed before the connection can be
// reused.
func drainAndClose(resp *http.Response) error {
	_, err := io.Copy(io.Discard, resp.Body)
	cerr := resp.Body.Close()

	if err != nil {
		return errors.Wrap(err, "drain")
	}
	return cerr
}

// Save stores data in the backend at the handle.
func (b *Backend) Save(ctx context.Context, h strata.Handle, rd strata.RewindReader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.urlFor(h), rd)
	if err != nil {
		return errors.WithStack(err)
	}

	req.Header.Set("Content-Type", ContentTypeV2)
	req.Header.Set("Accept", ContentTypeV2)

	// explicitly set the content length, this prevents chunked encoding and
	// let's the server know what's coming.
	req.ContentLength = rd.Length()
	req.GetBody = func() (io.ReadCloser, error) {
		if err := rd.Rewind(); err != nil {
			return nil, err
		}
		return io.NopCloser(rd), nil
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return errors.WithStack(err)
	}

	if err := drainAndClose(resp); err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		return &restError{h, resp.StatusCode, resp.Status}
	}

	return nil
}

// Load runs fn with a reader that yields the contents of the file at h at the
// given offset.
func (b *Backend) Load(ctx context.Context, h strata.Handle, length int, offset int64, fn func(rd io.Reader) error) error {
	return util.DefaultLoad(ctx, h, length, offset, b.openReader, fn)
}

func (b *Backend) openReader(ctx context.Context, h strata.Handle, length int, offset int64) (io.ReadCloser, error) {
	debug.Log("Load %v, length %v, offset %v", h, length, offset)
	if offset < 0 {
		return nil, errors.New("offset is negative")
	}

	if length < 0 {
		return nil, errors.Errorf("invalid length %d", length)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.urlFor(h), nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	byteRange := fmt.Sprintf("bytes=%d-", offset)
	if length > 0 {
		byteRange = fmt.Sprintf("bytes=%d-%d", offset, offset+int64(length)-1)
	}
	req.Header.Set("Range", byteRange)
	req.Header.Set("Accept", ContentTypeV2)
	debug.Log("Load(%v) send range %v", h, byteRange)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	if resp.StatusCode != http.StatusPartialContent && !(resp.StatusCode == http.StatusOK && offset == 0 && length == 0) {
		_ = drainAndClose(resp)
		return nil, &restError{h, resp.StatusCode, resp.Status}
	}

	if length > 0 && resp.ContentLength != int64(length) {
		_ = drainAndClose(resp)
		return nil, &restError{h, http.StatusRequestedRangeNotSatisfiable, "partial out of bounds read"}
	}

	return resp.Body, nil
}

// Stat returns information about a blob.
func (b *Backend) Stat(ctx context.Context, h strata.Handle) (strata.FileInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, b.urlFor(h), nil)
	if err != nil {
		return strata.FileInfo{}, errors.WithStack(err)
	}

	req.Header.Set("Accept", ContentTypeV2)

	resp, err := b.client.Do(req)
	if err != nil {
		return strata.FileInfo{}, errors.WithStack(err)
	}

	if err = drainAndClose(resp); err != nil {
		return strata.FileInfo{}, err
	}

	if resp.StatusCode != http.StatusOK {
		return strata.FileInfo{}, &restError{h, resp.StatusCode, resp.Status}
	}

	if resp.ContentLength < 0 {
		return strata.FileInfo{}, errors.New("negative content length")
	}

	bi := strata.FileInfo{
		Size: resp.ContentLength,
		Name: h.Name,
	}

	return bi, nil
}

// Remove removes the blob with the given name and type.
func (b *Backend) Remove(ctx context.Context, h strata.Handle) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, b.urlFor(h), nil)
	if err != nil {
		return errors.WithStack(err)
	}

	req.Header.Set("Accept", ContentTypeV2)

	resp, err := b.client.Do(req)
	if err != nil {
		return errors.WithStack(err)
	}

	if err = drainAndClose(resp); err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		return &restError{h, resp.StatusCode, resp.Status}
	}

	return nil
}

// List runs fn for each file in the backend which has the type t.
func (b *Backend) List(ctx context.Context, t strata.FileType, fn func(strata.FileInfo) error) error {
	url := b.Dirname(strata.Handle{Type: t})
	if !strings.HasSuffix(url, "/") {
		url += "/"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.WithStack(err)
	}

	req.Header.Set("Accept", ContentTypeV2)

	resp, err := b.client.Do(req)
	if err != nil {
		return errors.WithStack(err)
	}

	if resp.StatusCode == http.StatusNotFound {
		// ignore missing directories
		return drainAndClose(resp)
	}

	if resp.StatusCode != http.StatusOK {
		_ = drainAndClose(resp)
		return &restError{strata.Handle{Type: t}, resp.StatusCode, resp.Status}
	}

	if resp.Header.Get("Content-Type") == ContentTypeV2 {
		err = b.listv2(ctx, resp, fn)
	} else {
		err = b.listv1(ctx, t, resp, fn)
	}

	if cerr := drainAndClose(resp); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// listv1 uses the REST protocol v1, where a list HTTP request (e.g. `GET
// /data/`) only returns the names of the files, so we need to issue an HTTP
// request per file.
func (b *Backend) listv1(ctx context.Context, t strata.FileType, resp *http.Response, fn func(strata.FileInfo) error) error {
	debug.Log("parsing API v1 response")
	dec := json.NewDecoder(resp.Body)
	var list []string
	if err := dec.Decode(&list); err != nil {
		return errors.Wrap(err, "Decode")
	}

	for _, m := range list {
		fi, err := b.Stat(ctx, strata.Handle{Name: m, Type: t})
		if err != nil {
			return err
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		fi.Name = m
		err = fn(fi)
		if err != nil {
			return err
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return ctx.Err()
}

// listv2 uses the REST protocol v2, where a list HTTP request returns the
// names and sizes of all files.
func (b *Backend) listv2(ctx context.Context, resp *http.Response, fn func(strata.FileInfo) error) error {
	debug.Log("parsing API v2 response")
	dec := json.NewDecoder(resp.Body)

	var list []struct {
		Name string `json:"name"`
		Size int64  `json:"size"`
	}
	if err := dec.Decode(&list); err != nil {
		return errors.Wrap(err, "Decode")
	}

	for _, item := range list {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		fi := strata.FileInfo{
			Name: item.Name,
			Size: item.Size,
		}

		err := fn(fi)
		if err != nil {
			return err
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return ctx.Err()
}

// Dirname returns the directory name on the server for the given type.
func (b *Backend) Dirname(h strata.Handle) string {
	u := *b.url
	u.Path = path.Join(b.url.Path, string(h.Type))
	return u.String()
}

// Close closes all open files.
func (b *Backend) Close() error {
	// this does not need to do anything, all open files are closed within the
	// same function.
	return nil
}

// Delete removes all data in the backend.
func (b *Backend) Delete(ctx context.Context) error {
	return util.DefaultDelete(ctx, b)
}
