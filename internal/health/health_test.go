package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHTTP(t *testing.T) {
	tgt, err := Parse("http://localhost:8080/healthz")
	require.NoError(t, err)
	assert.Equal(t, "http", tgt.Kind)
	assert.Equal(t, "http://localhost:8080/healthz", tgt.URL)
}

func TestParseTCP(t *testing.T) {
	tgt, err := Parse("tcp://127.0.0.1:5432")
	require.NoError(t, err)
	assert.Equal(t, "tcp", tgt.Kind)
	assert.Equal(t, "127.0.0.1", tgt.Host)
	assert.EqualValues(t, 5432, tgt.Port)
}

func TestParseTCPIPv6(t *testing.T) {
	tgt, err := Parse("tcp://[::1]:5432")
	require.NoError(t, err)
	assert.Equal(t, "::1", tgt.Host)
	assert.EqualValues(t, 5432, tgt.Port)
}

func TestParseInvalid(t *testing.T) {
	_, err := Parse("ftp://example.com")
	assert.Error(t, err)
}

func TestWaitSucceedsOnFirstHTTPProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tgt, err := Parse(srv.URL)
	require.NoError(t, err)
	p := NewProber(tgt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.True(t, p.Wait(ctx))
}

func TestWaitSucceedsOnTCPProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	tgt, err := Parse("tcp://" + ln.Addr().String())
	require.NoError(t, err)
	p := NewProber(tgt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.True(t, p.Wait(ctx))
}

func TestWaitFailsWhenContextCanceled(t *testing.T) {
	tgt, err := Parse("tcp://127.0.0.1:1") // nothing listens on port 1
	require.NoError(t, err)
	p := NewProber(tgt)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.False(t, p.Wait(ctx))
}
