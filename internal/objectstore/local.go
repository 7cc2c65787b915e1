package objectstore

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// LocalGateway keeps objects on the local filesystem. Presigned URLs point at
// Handler, mounted by the API under /files.
type LocalGateway struct {
	baseDir string
	baseURL string
	signer  *Signer
}

// NewLocalGateway stores objects under baseDir and issues URLs rooted at publicURL.
func NewLocalGateway(baseDir, publicURL, secret string) (*LocalGateway, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", baseDir, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", abs, err)
	}
	if secret == "" {
		return nil, errors.New("storage.signing_secret is required for the local driver")
	}
	return &LocalGateway{
		baseDir: abs,
		baseURL: strings.TrimRight(publicURL, "/") + "/files/",
		signer:  NewSigner(secret),
	}, nil
}

func (g *LocalGateway) path(key string) (string, error) {
	k, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(g.baseDir, filepath.FromSlash(k)), nil
}

func (g *LocalGateway) Put(_ context.Context, key, localPath, _ string) error {
	dest, err := g.path(key)
	if err != nil {
		return err
	}
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer src.Close()
	return writeFile(dest, src)
}

func (g *LocalGateway) Get(_ context.Context, key, destPath string) error {
	p, err := g.path(key)
	if err != nil {
		return err
	}
	src, err := os.Open(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return fmt.Errorf("open %s: %w", key, err)
	}
	defer src.Close()
	return writeFile(destPath, src)
}

func (g *LocalGateway) Head(_ context.Context, key string) (int64, error) {
	p, err := g.path(key)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return 0, fmt.Errorf("stat %s: %w", key, err)
	}
	return info.Size(), nil
}

func (g *LocalGateway) Presign(_ context.Context, key string, op Operation, ttl time.Duration, opts PresignOptions) (string, error) {
	if _, err := cleanKey(key); err != nil {
		return "", err
	}
	if op != OpGet && op != OpPut {
		return "", fmt.Errorf("unsupported presign operation %q", op)
	}
	token := g.signer.Sign(Claims{
		Key:         key,
		Op:          op,
		Filename:    opts.Filename,
		ContentType: opts.ContentType,
		Expiry:      g.signer.now().Add(ttl),
	})
	return g.baseURL + token, nil
}

func (g *LocalGateway) Delete(_ context.Context, key string) error {
	p, err := g.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Handler serves GET (download) and PUT (upload) on /{token}.
func (g *LocalGateway) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/{token}", g.serveGet)
	r.Put("/{token}", g.servePut)
	return r
}

func (g *LocalGateway) claims(w http.ResponseWriter, r *http.Request, op Operation) (Claims, string, bool) {
	c, err := g.signer.Verify(chi.URLParam(r, "token"))
	if err != nil || c.Op != op {
		log.Debug().Err(err).Str("path", r.URL.Path).Msg("rejected file token")
		http.Error(w, "invalid or expired link", http.StatusForbidden)
		return Claims{}, "", false
	}
	p, err := g.path(c.Key)
	if err != nil {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return Claims{}, "", false
	}
	return c, p, true
}

func (g *LocalGateway) serveGet(w http.ResponseWriter, r *http.Request) {
	c, p, ok := g.claims(w, r, OpGet)
	if !ok {
		return
	}
	f, err := os.Open(p)
	if err != nil {
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}
	if c.Filename != "" {
		w.Header().Set("Content-Disposition", attachment(c.Filename))
	}
	http.ServeContent(w, r, filepath.Base(p), info.ModTime(), f)
}

func (g *LocalGateway) servePut(w http.ResponseWriter, r *http.Request) {
	c, p, ok := g.claims(w, r, OpPut)
	if !ok {
		return
	}
	if c.ContentType != "" && !sameMediaType(r.Header.Get("Content-Type"), c.ContentType) {
		http.Error(w, "content type does not match upload link", http.StatusForbidden)
		return
	}
	defer r.Body.Close()
	if err := writeFile(p, r.Body); err != nil {
		log.Warn().Err(err).Str("key", c.Key).Msg("local upload failed")
		http.Error(w, "upload failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func sameMediaType(got, want string) bool {
	g, _, err := mime.ParseMediaType(got)
	if err != nil {
		return false
	}
	w, _, err := mime.ParseMediaType(want)
	if err != nil {
		return strings.EqualFold(got, want)
	}
	return g == w
}
