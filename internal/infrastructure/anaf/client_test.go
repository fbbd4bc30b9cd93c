package anaf_test

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contazen/efactura-api/internal/domain/entity"
	"github.com/contazen/efactura-api/internal/infrastructure/anaf"
)

func newTestClient(baseURL string) *anaf.Client {
	return anaf.NewClient(baseURL, "12345678",
		anaf.StaticTokenSource("test-token"), 5*time.Second, tls.Certificate{})
}

func pipelineKind(t *testing.T, err error) entity.ErrorKind {
	t.Helper()
	var pe *entity.PipelineError
	require.True(t, errors.As(err, &pe), "expected a classified error, got %v", err)
	return pe.Kind
}

func TestUpload_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/upload", r.URL.Path)
		assert.Equal(t, "UBL", r.URL.Query().Get("standard"))
		assert.Equal(t, "12345678", r.URL.Query().Get("cif"))
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), "<Invoice")

		w.Write([]byte(`<header xmlns="mfp:anaf:dgti:spv:respUploadFisier:v1" ExecutionStatus="0" index_incarcare="5001234"/>`))
	}))
	defer srv.Close()

	idx, err := newTestClient(srv.URL).Upload(context.Background(), []byte("<Invoice/>"))
	require.NoError(t, err)
	assert.Equal(t, "5001234", idx)
}

func TestUpload_RefusedAtTheDoor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<header xmlns="mfp:anaf:dgti:spv:respUploadFisier:v1" ExecutionStatus="1">
			<Errors errorMessage="CIF invalid"/>
		</header>`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Upload(context.Background(), []byte("<Invoice/>"))
	require.Error(t, err)
	assert.Equal(t, entity.ErrKindRejected, pipelineKind(t, err))
	assert.Contains(t, err.Error(), "CIF invalid")
}

func TestClassification_ByStatusCode(t *testing.T) {
	cases := []struct {
		status int
		kind   entity.ErrorKind
	}{
		{http.StatusInternalServerError, entity.ErrKindTransient},
		{http.StatusBadGateway, entity.ErrKindTransient},
		{http.StatusTooManyRequests, entity.ErrKindRateLimited},
		{http.StatusUnauthorized, entity.ErrKindAuth},
		{http.StatusForbidden, entity.ErrKindAuth},
		{http.StatusBadRequest, entity.ErrKindRejected},
	}

	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		_, err := newTestClient(srv.URL).Upload(context.Background(), []byte("<Invoice/>"))
		srv.Close()

		require.Error(t, err, "status %d", tc.status)
		assert.Equal(t, tc.kind, pipelineKind(t, err), "status %d", tc.status)
	}
}

func TestUpload_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening anymore

	_, err := newTestClient(srv.URL).Upload(context.Background(), []byte("<Invoice/>"))
	require.Error(t, err)
	assert.Equal(t, entity.ErrKindTransient, pipelineKind(t, err))
}

// An expired bearer token is detected locally and never burns a gateway
// call.
func TestUpload_ExpiredTokenFailsBeforeCall(t *testing.T) {
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(-time.Hour).Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	var called bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	client := anaf.NewClient(srv.URL, "12345678",
		anaf.StaticTokenSource(expired), 5*time.Second, tls.Certificate{})
	_, err = client.Upload(context.Background(), []byte("<Invoice/>"))

	require.Error(t, err)
	assert.Equal(t, entity.ErrKindAuth, pipelineKind(t, err))
	assert.False(t, called, "gateway must not be called with an expired token")
}

func TestUpload_MissingTokenIsAuthError(t *testing.T) {
	client := anaf.NewClient("http://localhost:0", "12345678",
		anaf.StaticTokenSource(""), 5*time.Second, tls.Certificate{})
	_, err := client.Upload(context.Background(), []byte("<Invoice/>"))
	require.Error(t, err)
	assert.Equal(t, entity.ErrKindAuth, pipelineKind(t, err))
}

func TestCheckStatus_ReturnsRawBody(t *testing.T) {
	const body = `<header xmlns="mfp:anaf:dgti:efactura:stareMesajFactura:v1" stare="in prelucrare"/>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/stareMesaj", r.URL.Path)
		assert.Equal(t, "5001234", r.URL.Query().Get("id_incarcare"))
		w.Write([]byte(body))
	}))
	defer srv.Close()

	raw, err := newTestClient(srv.URL).CheckStatus(context.Background(), "5001234")
	require.NoError(t, err)
	assert.Equal(t, body, string(raw))
}

func TestBaseURLFor(t *testing.T) {
	prod, err := anaf.BaseURLFor("prod", "")
	require.NoError(t, err)
	assert.Equal(t, "https://api.anaf.ro/prod/FCTEL/rest", prod)

	test, err := anaf.BaseURLFor("test", "")
	require.NoError(t, err)
	assert.Equal(t, "https://api.anaf.ro/test/FCTEL/rest", test)

	override, err := anaf.BaseURLFor("prod", "http://localhost:9999/")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9999", override)

	_, err = anaf.BaseURLFor("dev", "")
	assert.Error(t, err)
}
