package offline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// Fetcher is the network: it retrieves a response for req from the origin.
// An error means the origin could not be reached; HTTP error statuses are
// returned as responses.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// HTTPFetcher forwards requests to an origin server.
type HTTPFetcher struct {
	Client *http.Client
	Origin *url.URL
}

// NewHTTPFetcher returns an HTTPFetcher for origin. Redirects leaving the
// origin are not followed, so every 200 it returns is same-origin.
func NewHTTPFetcher(origin *url.URL, timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		Origin: origin,
		Client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return errors.New("stopped after 10 redirects")
				}
				if req.URL.Host != origin.Host {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
	}
}

// Fetch sends req to the origin, keeping its method, path, query, headers and body.
func (f *HTTPFetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	out := req.Clone(ctx)
	out.RequestURI = ""
	out.URL = f.Origin.ResolveReference(&url.URL{
		Path:     path.Join(f.Origin.Path, req.URL.Path) + trailingSlash(req.URL.Path),
		RawQuery: req.URL.RawQuery,
	})
	out.Host = f.Origin.Host

	resp, err := f.Client.Do(out)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", out.URL, err)
	}
	return resp, nil
}

func trailingSlash(p string) string {
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		return "/"
	}
	return ""
}

// DirFetcher serves GET and HEAD requests from files, as a static origin
// would. Directories resolve to their index.html.
type DirFetcher struct {
	Fs afero.Fs
}

// Fetch reads the file named by req's path.
func (f DirFetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Method != "" && req.Method != http.MethodGet && req.Method != http.MethodHead {
		return textResponse(req, http.StatusMethodNotAllowed), nil
	}

	name := path.Clean("/" + req.URL.Path)
	if info, err := f.Fs.Stat(name); err == nil && info.IsDir() {
		name = path.Join(name, "index.html")
	}
	body, err := afero.ReadFile(f.Fs, name)
	if os.IsNotExist(err) {
		return textResponse(req, http.StatusNotFound), nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}

	ctype := mime.TypeByExtension(path.Ext(name))
	if ctype == "" {
		ctype = http.DetectContentType(body)
	}
	resp := &http.Response{
		Status:        "200 OK",
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {ctype}, "Content-Length": {strconv.Itoa(len(body))}},
		ContentLength: int64(len(body)),
		Body:          io.NopCloser(bytes.NewReader(body)),
		Request:       req,
	}
	if req.Method == http.MethodHead {
		resp.Body = http.NoBody
	}
	return resp, nil
}

func textResponse(req *http.Request, code int) *http.Response {
	body := http.StatusText(code) + "\n"
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", code, http.StatusText(code)),
		StatusCode:    code,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		ContentLength: int64(len(body)),
		Body:          io.NopCloser(strings.NewReader(body)),
		Request:       req,
	}
}
