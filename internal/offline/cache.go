package offline

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

// ErrBucketName is returned for bucket names that cannot be stored.
var ErrBucketName = errors.New("invalid cache bucket name")

const entryExt = ".http"

// CacheStorage is the set of named cache buckets kept on an afero.Fs,
// one directory per bucket at the root of the filesystem.
type CacheStorage struct {
	fs afero.Fs
}

// NewCacheStorage returns a CacheStorage over fs.
func NewCacheStorage(fs afero.Fs) *CacheStorage {
	return &CacheStorage{fs: fs}
}

func bucketDir(name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrBucketName, name)
	}
	return "/" + name, nil
}

// Open returns the named bucket, creating it if needed.
func (c *CacheStorage) Open(name string) (*Bucket, error) {
	dir, err := bucketDir(name)
	if err != nil {
		return nil, err
	}
	if err := c.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to open cache %s: %w", name, err)
	}
	return &Bucket{name: name, dir: dir, fs: c.fs}, nil
}

// Has reports whether the named bucket exists.
func (c *CacheStorage) Has(name string) (bool, error) {
	dir, err := bucketDir(name)
	if err != nil {
		return false, err
	}
	return afero.DirExists(c.fs, dir)
}

// Keys lists bucket names in sorted order.
func (c *CacheStorage) Keys() ([]string, error) {
	infos, err := afero.ReadDir(c.fs, "/")
	if err != nil {
		return nil, fmt.Errorf("failed to list caches: %w", err)
	}
	var names []string
	for _, info := range infos {
		if info.IsDir() {
			names = append(names, info.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes the named bucket and everything in it. It reports whether
// the bucket existed.
func (c *CacheStorage) Delete(name string) (bool, error) {
	ok, err := c.Has(name)
	if err != nil || !ok {
		return false, err
	}
	dir, _ := bucketDir(name)
	if err := c.fs.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("failed to delete cache %s: %w", name, err)
	}
	return true, nil
}

// Match looks req up in every bucket, in name order.
func (c *CacheStorage) Match(req *http.Request) (*http.Response, error) {
	names, err := c.Keys()
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		resp, err := (&Bucket{name: name, dir: "/" + name, fs: c.fs}).Match(req)
		if err != nil || resp != nil {
			return resp, err
		}
	}
	return nil, nil
}

// Bucket is one named cache mapping request keys to stored responses.
type Bucket struct {
	name string
	dir  string
	fs   afero.Fs
}

// Name returns the bucket name.
func (b *Bucket) Name() string { return b.name }

func (b *Bucket) entryPath(key string) string {
	return path.Join(b.dir, fmt.Sprintf("%x", sha256.Sum256([]byte(key)))+entryExt)
}

// Match returns the response stored for req, or (nil, nil) on a miss.
// Only GET requests ever match.
func (b *Bucket) Match(req *http.Request) (*http.Response, error) {
	if req.Method != "" && req.Method != http.MethodGet {
		return nil, nil
	}
	return b.matchKey(RequestKey(req.URL), req)
}

func (b *Bucket) matchKey(key string, req *http.Request) (*http.Response, error) {
	f, err := b.fs.Open(b.entryPath(key))
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to open cache entry %s in %s: %w", key, b.name, err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	if _, err := br.ReadString('\n'); err != nil {
		return nil, fmt.Errorf("failed to read cache entry %s in %s: %w", key, b.name, err)
	}
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, fmt.Errorf("failed to decode cache entry %s in %s: %w", key, b.name, err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read cached body %s in %s: %w", key, b.name, err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp, nil
}

// Put stores resp under req's key, replacing any previous entry. It
// consumes resp.Body and replaces it with an identical reader, so the
// caller may still return resp.
func (b *Bucket) Put(req *http.Request, resp *http.Response) error {
	if req.Method != "" && req.Method != http.MethodGet {
		return fmt.Errorf("cannot cache %s request for %s", req.Method, req.URL)
	}
	key := RequestKey(req.URL)

	var body []byte
	if resp.Body != nil {
		var err error
		body, err = io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("failed to read response body for %s: %w", key, err)
		}
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	stored := &http.Response{
		Status:        resp.Status,
		StatusCode:    resp.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        resp.Header.Clone(),
		ContentLength: int64(len(body)),
		Body:          io.NopCloser(bytes.NewReader(body)),
	}
	if stored.Header == nil {
		stored.Header = http.Header{}
	}
	stored.Header.Del("Transfer-Encoding")
	stored.Header.Set("Content-Length", strconv.Itoa(len(body)))

	// Each writer gets its own temp file so concurrent puts of one key
	// race only on the final rename.
	f, err := afero.TempFile(b.fs, b.dir, "entry-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create cache entry %s in %s: %w", key, b.name, err)
	}
	tmp := path.Join(b.dir, path.Base(f.Name()))
	if _, err = io.WriteString(f, key+"\n"); err == nil {
		err = stored.Write(f)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = b.fs.Rename(tmp, b.entryPath(key))
	}
	if err != nil {
		b.fs.Remove(tmp)
		return fmt.Errorf("failed to write cache entry %s in %s: %w", key, b.name, err)
	}
	return nil
}

// Add fetches rawURL through f and stores the response. Anything but a
// 200 response is an error. It returns the number of body bytes stored.
func (b *Bucket) Add(ctx context.Context, f Fetcher, rawURL string) (int64, error) {
	u, err := url.Parse(PathKey(rawURL))
	if err != nil {
		return 0, fmt.Errorf("invalid asset URL %q: %w", rawURL, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, fmt.Errorf("invalid asset URL %q: %w", rawURL, err)
	}
	resp, err := f.Fetch(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch %s: %w", rawURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return 0, fmt.Errorf("failed to fetch %s: status %s", rawURL, resp.Status)
	}
	if err := b.Put(req, resp); err != nil {
		return 0, err
	}
	size, _ := io.Copy(io.Discard, resp.Body)
	return size, nil
}

// Delete removes the entry for req and reports whether it existed.
func (b *Bucket) Delete(req *http.Request) (bool, error) {
	p := b.entryPath(RequestKey(req.URL))
	if _, err := b.fs.Stat(p); os.IsNotExist(err) {
		return false, nil
	}
	if err := b.fs.Remove(p); err != nil {
		return false, fmt.Errorf("failed to delete cache entry in %s: %w", b.name, err)
	}
	return true, nil
}

// Keys lists the request keys stored in the bucket, sorted.
func (b *Bucket) Keys() ([]string, error) {
	infos, err := afero.ReadDir(b.fs, b.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache %s: %w", b.name, err)
	}
	var keys []string
	for _, info := range infos {
		if info.IsDir() || !strings.HasSuffix(info.Name(), entryExt) {
			continue
		}
		key, err := b.readKey(path.Join(b.dir, info.Name()))
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *Bucket) readKey(p string) (string, error) {
	f, err := b.fs.Open(p)
	if err != nil {
		return "", fmt.Errorf("failed to open cache entry %s: %w", p, err)
	}
	defer f.Close()
	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read cache entry %s: %w", p, err)
	}
	return strings.TrimSuffix(line, "\n"), nil
}
