package objectstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-chi/chi/v5"
)

func newLocal(t *testing.T) (*LocalGateway, *httptest.Server) {
	t.Helper()
	r := chi.NewRouter()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	g, err := NewLocalGateway(t.TempDir(), srv.URL, "test-secret")
	if err != nil {
		t.Fatalf("NewLocalGateway: %v", err)
	}
	r.Mount("/files", g.Handler())
	return g, srv
}

func TestLocalGatewayRoundTrip(t *testing.T) {
	ctx := context.Background()
	g, _ := newLocal(t)

	src := filepath.Join(t.TempDir(), "in.wav")
	if err := os.WriteFile(src, []byte("RIFFdata"), 0o644); err != nil {
		t.Fatalf("write src: %v", err)
	}
	if err := g.Put(ctx, "outputs/job_mastered.wav", src, "audio/wav"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	size, err := g.Head(ctx, "outputs/job_mastered.wav")
	if err != nil || size != 8 {
		t.Fatalf("Head = %d, %v; want 8", size, err)
	}

	dest := filepath.Join(t.TempDir(), "nested", "out.wav")
	if err := g.Get(ctx, "outputs/job_mastered.wav", dest); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if data, _ := os.ReadFile(dest); string(data) != "RIFFdata" {
		t.Fatalf("Get wrote %q", data)
	}

	if err := g.Delete(ctx, "outputs/job_mastered.wav"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := g.Delete(ctx, "outputs/job_mastered.wav"); err != nil {
		t.Fatalf("second Delete should be a no-op, got %v", err)
	}
	if _, err := g.Head(ctx, "outputs/job_mastered.wav"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Head after delete err = %v, want ErrNotFound", err)
	}
	if err := g.Get(ctx, "missing", dest); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing err = %v, want ErrNotFound", err)
	}
}

func TestLocalGatewayPresignedURLs(t *testing.T) {
	ctx := context.Background()
	g, _ := newLocal(t)

	putURL, err := g.Presign(ctx, "uploads/f1.wav", OpPut, time.Hour, PresignOptions{ContentType: "audio/wav"})
	if err != nil {
		t.Fatalf("Presign put: %v", err)
	}
	req, _ := http.NewRequest(http.MethodPut, putURL, bytes.NewReader([]byte("hello audio")))
	req.Header.Set("Content-Type", "audio/wav")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT status = %d", resp.StatusCode)
	}
	if size, err := g.Head(ctx, "uploads/f1.wav"); err != nil || size != int64(len("hello audio")) {
		t.Fatalf("Head after upload = %d, %v", size, err)
	}

	getURL, err := g.Presign(ctx, "uploads/f1.wav", OpGet, time.Hour, PresignOptions{Filename: "mastered_podcast.wav"})
	if err != nil {
		t.Fatalf("Presign get: %v", err)
	}
	resp, err = http.Get(getURL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "hello audio" {
		t.Fatalf("GET body = %q", body)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "mastered_podcast.wav") {
		t.Fatalf("Content-Disposition = %q", cd)
	}

	// A get token must not authorize an upload.
	req, _ = http.NewRequest(http.MethodPut, getURL, strings.NewReader("overwrite"))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT with get token: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("PUT with get token status = %d, want 403", resp.StatusCode)
	}
}

func TestLocalGatewayUploadContentType(t *testing.T) {
	ctx := context.Background()
	g, _ := newLocal(t)

	cases := []struct {
		name   string
		signed string
		sent   string
		want   int
	}{
		{name: "matching", signed: "audio/wav", sent: "audio/wav", want: http.StatusOK},
		{name: "parameters ignored", signed: "audio/mpeg", sent: "audio/mpeg; charset=binary", want: http.StatusOK},
		{name: "pipe in content type", signed: "audio/wav|x", sent: "audio/wav|x", want: http.StatusOK},
		{name: "mismatch", signed: "audio/wav", sent: "video/mp4", want: http.StatusForbidden},
		{name: "missing header", signed: "audio/wav", sent: "", want: http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			putURL, err := g.Presign(ctx, "uploads/ct.wav", OpPut, time.Hour, PresignOptions{ContentType: tc.signed})
			if err != nil {
				t.Fatalf("Presign: %v", err)
			}
			req, _ := http.NewRequest(http.MethodPut, putURL, strings.NewReader("audio"))
			if tc.sent != "" {
				req.Header.Set("Content-Type", tc.sent)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("PUT: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Fatalf("PUT status = %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

func TestSignerKeepsClaimsWithSeparators(t *testing.T) {
	s := NewSigner("secret")
	want := Claims{Key: "uploads/a|b.wav", Op: OpPut, Filename: "x|y.wav", ContentType: "audio/wav|x", Expiry: time.Now().Add(time.Hour).Truncate(time.Second)}
	got, err := s.Verify(s.Sign(want))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got.Key != want.Key || got.Filename != want.Filename || got.ContentType != want.ContentType || !got.Expiry.Equal(want.Expiry) {
		t.Fatalf("claims = %+v, want %+v", got, want)
	}
}

func TestSignerRejectsTamperedAndExpired(t *testing.T) {
	s := NewSigner("secret")
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }

	token := s.Sign(Claims{Key: "uploads/a.wav", Op: OpGet, Expiry: now.Add(time.Minute)})
	c, err := s.Verify(token)
	if err != nil || c.Key != "uploads/a.wav" || c.Op != OpGet {
		t.Fatalf("Verify = %+v, %v", c, err)
	}

	if _, err := NewSigner("other").Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("foreign secret err = %v, want ErrInvalidToken", err)
	}
	if _, err := s.Verify(token + "x"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("tampered err = %v, want ErrInvalidToken", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := s.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired err = %v, want ErrInvalidToken", err)
	}
}

func TestCleanKeyRejectsTraversal(t *testing.T) {
	for _, key := range []string{"", "/", "..", "../etc/passwd", "uploads/../../x", "/uploads/../uploads/a.wav"} {
		if _, err := cleanKey(key); err == nil {
			t.Fatalf("cleanKey(%q) expected error", key)
		}
	}
	if k, err := cleanKey("/uploads//./a.wav"); err != nil || k != "uploads/a.wav" {
		t.Fatalf("cleanKey normalized to %q, %v", k, err)
	}
}

func TestS3PresignGet(t *testing.T) {
	client := s3.New(s3.Options{
		Region:       "auto",
		Credentials:  credentials.NewStaticCredentialsProvider("AKID", "SECRET", ""),
		BaseEndpoint: aws.String("https://account.r2.cloudflarestorage.com"),
		UsePathStyle: true,
	})
	g := NewS3GatewayFromClient(client, "media")

	raw, err := g.Presign(context.Background(), MasteredKey("job-1"), OpGet, time.Hour, PresignOptions{Filename: "mastered_podcast.wav"})
	if err != nil {
		t.Fatalf("Presign: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	if !strings.HasSuffix(u.Path, "/media/outputs/job-1_mastered.wav") {
		t.Fatalf("presigned path = %q", u.Path)
	}
	q := u.Query()
	if q.Get("X-Amz-Expires") != "3600" {
		t.Fatalf("X-Amz-Expires = %q, want 3600", q.Get("X-Amz-Expires"))
	}
	if !strings.Contains(q.Get("response-content-disposition"), "mastered_podcast.wav") {
		t.Fatalf("missing content disposition in %q", raw)
	}
}

func TestKeyLayout(t *testing.T) {
	if got := UploadKey("abc", ".WAV"); got != "uploads/abc.wav" {
		t.Fatalf("UploadKey = %q", got)
	}
	if got := VideoKey("j1"); got != "videos/video_j1.mp4" {
		t.Fatalf("VideoKey = %q", got)
	}
	if got := TranscriptKey("j1"); got != "outputs/j1_transcript.json" {
		t.Fatalf("TranscriptKey = %q", got)
	}
}
