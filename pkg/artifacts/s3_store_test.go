package artifacts

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 is a path-style S3 endpoint holding one bucket in memory.
type fakeS3 struct {
	mu      sync.Mutex
	bucket  string
	objects map[string][]byte
	puts    []http.Header
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	prefix := "/" + f.bucket + "/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		writeS3Error(w, http.StatusNotFound, "NoSuchBucket")
		return
	}
	key := strings.TrimPrefix(r.URL.Path, prefix)

	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.Method {
	case http.MethodPut:
		f.puts = append(f.puts, r.Header.Clone())
		if _, ok := f.objects[key]; ok && r.Header.Get("If-None-Match") == "*" {
			writeS3Error(w, http.StatusPreconditionFailed, "PreconditionFailed")
			return
		}
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = body
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		body, ok := f.objects[key]
		if !ok {
			writeS3Error(w, http.StatusNotFound, "NoSuchKey")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	case http.MethodHead:
		if _, ok := f.objects[key]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeS3) object(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[key]
	return b, ok
}

func (f *fakeS3) putHeaders() []http.Header {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]http.Header(nil), f.puts...)
}

func writeS3Error(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>`+code+`</Code><Message>`+code+`</Message></Error>`)
}

func newTestS3Store(t *testing.T, prefix string) (*S3Store, *fakeS3) {
	t.Helper()
	fake := &fakeS3{bucket: "policies", objects: map[string][]byte{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client := s3.New(s3.Options{
		Region:                     "us-east-1",
		BaseEndpoint:               aws.String(srv.URL),
		UsePathStyle:               true,
		Credentials:                aws.AnonymousCredentials{},
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
		ResponseChecksumValidation: aws.ResponseChecksumValidationWhenRequired,
		RetryMaxAttempts:           1,
	})
	return NewS3StoreWithClient(client, "policies", prefix), fake
}

func TestS3Store_RoundTrip(t *testing.T) {
	s, fake := newTestS3Store(t, "capc/")
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "ir/abc.json", []byte(`{"x":1}`)))
	_, ok := fake.object("capc/ir/abc.json")
	assert.True(t, ok)

	got, err := s.Get(ctx, "ir/abc.json")
	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, string(got))

	ok, err = s.Exists(ctx, "ir/abc.json")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Delete(ctx, "ir/abc.json"))
	ok, err = s.Exists(ctx, "ir/abc.json")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestS3Store_PutIsConditional(t *testing.T) {
	s, fake := newTestS3Store(t, "")
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k", []byte("first")))
	require.ErrorIs(t, s.Put(ctx, "k", []byte("second")), ErrExists)
	got, _ := fake.object("k")
	assert.Equal(t, "first", string(got))

	puts := fake.putHeaders()
	require.NotEmpty(t, puts)
	assert.Equal(t, "*", puts[0].Get("If-None-Match"))
}

func TestS3Store_ReplaceIsUnconditional(t *testing.T) {
	s, fake := newTestS3Store(t, "")
	ctx := context.Background()

	require.NoError(t, s.Replace(ctx, "k", []byte("a")))
	require.NoError(t, s.Replace(ctx, "k", []byte("b")))
	got, _ := fake.object("k")
	assert.Equal(t, "b", string(got))
	for _, h := range fake.putHeaders() {
		assert.Empty(t, h.Get("If-None-Match"))
	}
}

func TestS3Store_GetNotFound(t *testing.T) {
	s, _ := newTestS3Store(t, "")

	_, err := s.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestS3Store_InvalidKey(t *testing.T) {
	s, fake := newTestS3Store(t, "")

	require.ErrorIs(t, s.Put(context.Background(), "../x", nil), ErrInvalidKey)
	assert.Empty(t, fake.putHeaders())
}
