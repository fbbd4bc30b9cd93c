package anaf

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/contazen/efactura-api/internal/domain/entity"
)

// ── Environment constants ─────────────────────────────────────────────────────

const (
	// AppEnvTest targets the SPV sandbox.
	AppEnvTest = "test"
	// AppEnvProd targets the production SPV.
	AppEnvProd = "prod"
	// AppEnvDev never calls the real gateway; main wires the stub instead.
	AppEnvDev = "dev"

	baseURLTest = "https://api.anaf.ro/test/FCTEL/rest"
	baseURLProd = "https://api.anaf.ro/prod/FCTEL/rest"

	// Namespace of the upload response envelope.
	nsUploadResponse = "mfp:anaf:dgti:spv:respUploadFisier:v1"
)

// BaseURLFor resolves the SPV base for an environment; an explicit override
// wins.
func BaseURLFor(env, override string) (string, error) {
	if override != "" {
		return strings.TrimRight(override, "/"), nil
	}
	switch env {
	case AppEnvProd:
		return baseURLProd, nil
	case AppEnvTest:
		return baseURLTest, nil
	default:
		return "", fmt.Errorf("anaf: unknown environment %q (use 'test' or 'prod')", env)
	}
}

// ── Credentials ───────────────────────────────────────────────────────────────

// CredentialSource yields the current OAuth bearer token. Token refresh is
// someone else's job; the pipeline only consumes tokens.
type CredentialSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenSource wraps a fixed token, typically read from configuration.
type StaticTokenSource string

func (s StaticTokenSource) Token(context.Context) (string, error) {
	if s == "" {
		return "", entity.NewPipelineError(entity.ErrKindAuth, "no gateway token configured")
	}
	return string(s), nil
}

// ── Client ────────────────────────────────────────────────────────────────────

// Client is the thin, stateless adapter over the SPV REST endpoints. It
// never retries, never sleeps and never interprets business status beyond
// classification; retry policy belongs to the state machine above it.
type Client struct {
	httpClient *http.Client
	baseURL    string
	creds      CredentialSource
	cif        string
}

// NewClient builds the SPV client. The timeout is generous since the
// gateway regularly takes several seconds under load. A non-zero cert
// enables mutual TLS with the qualified certificate.
func NewClient(baseURL, cif string, creds CredentialSource, timeout time.Duration, cert tls.Certificate) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	transport := http.DefaultTransport
	if len(cert.Certificate) > 0 {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
		}
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		baseURL:    strings.TrimRight(baseURL, "/"),
		creds:      creds,
		cif:        cif,
	}
}

// ── Upload ────────────────────────────────────────────────────────────────────

type uploadResponse struct {
	XMLName         xml.Name      `xml:"header"`
	ExecutionStatus string        `xml:"ExecutionStatus,attr"`
	IndexIncarcare  string        `xml:"index_incarcare,attr"`
	Errors          []uploadError `xml:"Errors"`
}

type uploadError struct {
	ErrorMessage string `xml:"errorMessage,attr"`
}

// Upload POSTs the signed XML and returns the upload index the gateway
// assigned. Errors come back classified as PipelineErrors.
func (c *Client) Upload(ctx context.Context, xmlBytes []byte) (string, error) {
	token, err := c.bearer(ctx)
	if err != nil {
		return "", err
	}

	q := url.Values{}
	q.Set("standard", "UBL")
	q.Set("cif", c.cif)
	endpoint := c.baseURL + "/upload?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(xmlBytes))
	if err != nil {
		return "", entity.NewPipelineError(entity.ErrKindInternal, "build upload request: "+err.Error())
	}
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Authorization", "Bearer "+token)

	raw, err := c.do(req)
	if err != nil {
		return "", err
	}
	return parseUploadResponse(raw)
}

// parseUploadResponse unpacks the upload envelope. ExecutionStatus "0" means
// the gateway took custody of the document; anything else is a rejection at
// the door with verbatim messages.
func parseUploadResponse(raw []byte) (string, error) {
	var resp uploadResponse
	if err := xml.Unmarshal(raw, &resp); err != nil {
		return "", entity.NewPipelineError(entity.ErrKindTransient,
			"unparseable upload response: "+truncate(raw))
	}
	if resp.ExecutionStatus != "0" {
		msgs := make([]string, 0, len(resp.Errors))
		for _, e := range resp.Errors {
			if e.ErrorMessage != "" {
				msgs = append(msgs, e.ErrorMessage)
			}
		}
		return "", entity.NewPipelineError(entity.ErrKindRejected, "upload refused by gateway", msgs...)
	}
	if resp.IndexIncarcare == "" {
		return "", entity.NewPipelineError(entity.ErrKindTransient,
			"upload accepted without an upload index")
	}
	return resp.IndexIncarcare, nil
}

// ── Status ────────────────────────────────────────────────────────────────────

// CheckStatus GETs the processing status for an upload index and returns
// the raw body; decoding belongs to the document codec.
func (c *Client) CheckStatus(ctx context.Context, uploadIndex string) ([]byte, error) {
	token, err := c.bearer(ctx)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("id_incarcare", uploadIndex)
	endpoint := c.baseURL + "/stareMesaj?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, entity.NewPipelineError(entity.ErrKindInternal, "build status request: "+err.Error())
	}
	req.Header.Set("Authorization", "Bearer "+token)

	return c.do(req)
}

// ── Shared plumbing ───────────────────────────────────────────────────────────

// bearer fetches the token and fails fast with an AUTH error when its exp
// claim has already passed, without burning a gateway call.
func (c *Client) bearer(ctx context.Context) (string, error) {
	token, err := c.creds.Token(ctx)
	if err != nil {
		return "", entity.Classify(err)
	}
	if exp, ok := tokenExpiry(token); ok && time.Now().After(exp) {
		return "", entity.NewPipelineError(entity.ErrKindAuth,
			fmt.Sprintf("gateway token expired at %s", exp.UTC().Format(time.RFC3339)))
	}
	return token, nil
}

// tokenExpiry reads the exp claim without verifying the signature. The
// gateway verifies for real; this is only an early exit.
func tokenExpiry(token string) (time.Time, bool) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// do executes the request and classifies transport and HTTP-level failures.
func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return nil, entity.NewPipelineError(entity.ErrKindTransient,
				"gateway call cancelled or timed out: "+req.Context().Err().Error())
		}
		return nil, entity.NewPipelineError(entity.ErrKindTransient, "gateway call failed: "+err.Error())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // max 1 MB
	if err != nil {
		return nil, entity.NewPipelineError(entity.ErrKindTransient, "read gateway response: "+err.Error())
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return raw, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, entity.NewPipelineError(entity.ErrKindRateLimited,
			"gateway rate limit: "+truncate(raw))
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, entity.NewPipelineError(entity.ErrKindAuth,
			fmt.Sprintf("gateway auth failed (%d): %s", resp.StatusCode, truncate(raw)))
	case resp.StatusCode >= 500:
		return nil, entity.NewPipelineError(entity.ErrKindTransient,
			fmt.Sprintf("gateway unavailable (%d): %s", resp.StatusCode, truncate(raw)))
	default:
		return nil, entity.NewPipelineError(entity.ErrKindRejected,
			fmt.Sprintf("gateway refused request (%d): %s", resp.StatusCode, truncate(raw)))
	}
}

func truncate(raw []byte) string {
	const max = 512
	s := strings.TrimSpace(string(raw))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
