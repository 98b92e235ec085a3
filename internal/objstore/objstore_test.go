package objstore

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPublicURL(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"cdn", Config{Bucket: "b", CDNURL: "https://cdn.example.com/"}, "https://cdn.example.com/papers/x.pdf"},
		{"virtual host", Config{Bucket: "b", Endpoint: "https://nyc3.digitaloceanspaces.com"}, "https://b.nyc3.digitaloceanspaces.com/papers/x.pdf"},
		{"path style", Config{Bucket: "b", Endpoint: "http://localhost:9000", PathStyle: true}, "http://localhost:9000/b/papers/x.pdf"},
		{"aws default", Config{Bucket: "b", Region: "eu-west-1"}, "https://b.s3.eu-west-1.amazonaws.com/papers/x.pdf"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &S3{cfg: tt.cfg}
			if got := s.PublicURL("papers/x.pdf"); got != tt.want {
				t.Errorf("PublicURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUpload(t *testing.T) {
	var gotPath, gotACL, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotACL = r.Header.Get("X-Amz-Acl")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("ETag", `"abc"`)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	s, err := NewS3(Config{
		AccessKey: "key", SecretKey: "secret", Bucket: "exams", Region: "us-east-1",
		Endpoint: srv.URL, PathStyle: true,
	})
	if err != nil {
		t.Fatalf("NewS3: %v", err)
	}
	url, err := s.Upload(context.Background(), "sheets/a.pdf", []byte("%PDF"), "application/pdf")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if gotPath != "/exams/sheets/a.pdf" {
		t.Errorf("path = %q", gotPath)
	}
	if gotACL != "public-read" {
		t.Errorf("acl = %q", gotACL)
	}
	if gotBody != "%PDF" {
		t.Errorf("body = %q", gotBody)
	}
	if url != srv.URL+"/exams/sheets/a.pdf" {
		t.Errorf("url = %q", url)
	}
}

func TestObjectKey(t *testing.T) {
	a := ObjectKey("papers", "Physics 2024.PDF")
	b := ObjectKey("papers", "Physics 2024.PDF")
	if a == b {
		t.Error("keys should be unique")
	}
	if !strings.HasPrefix(a, "papers/") || !strings.HasSuffix(a, ".pdf") {
		t.Errorf("ObjectKey() = %q", a)
	}
	if k := ObjectKey("sheets", "scan"); !strings.HasSuffix(k, ".pdf") {
		t.Errorf("ObjectKey without extension = %q", k)
	}
}

func TestConfigEnabled(t *testing.T) {
	if (Config{}).Enabled() {
		t.Error("empty config should be disabled")
	}
	if !(Config{Bucket: "b", AccessKey: "a", SecretKey: "s"}).Enabled() {
		t.Error("complete config should be enabled")
	}
}
