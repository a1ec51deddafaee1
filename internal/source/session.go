package source

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// SessionResolver implements the dfs/dfs2-style resolver from spec §9:
// a session must be established with a challenge-response handshake
// before any chunk URL can be resolved, because the session ID is part
// of every subsequent chunk request. The challenge-response step
// supports all three methods the source's handshake protocol names
// ("md5", "sha256", "web"); "web" requires no hashing, the challenge
// nonce is echoed back verbatim, matching a browser-redirect style
// handshake that has no client-side secret to hash.
type SessionResolver struct {
	HTTP         *http.Client
	ManifestName string
	// Secret is mixed into the md5/sha256 challenge response. Left empty
	// for sources whose handshake only ever uses the "web" method.
	Secret string
}

type sessionChallenge struct {
	Method string `json:"method"`
	Nonce  string `json:"nonce"`
}

type sessionCreateResponse struct {
	SessionID string           `json:"session_id"`
	Challenge sessionChallenge `json:"challenge"`
}

type sessionVerifyRequest struct {
	Nonce    string `json:"nonce"`
	Response string `json:"response"`
}

func (s *SessionResolver) httpClient() *http.Client {
	if s.HTTP != nil {
		return s.HTTP
	}
	return http.DefaultClient
}

func (s *SessionResolver) manifestName() string {
	if s.ManifestName != "" {
		return s.ManifestName
	}
	return "metadata.json"
}

func (s *SessionResolver) ResolveMetadata(ctx context.Context, id string) (Metadata, error) {
	base, err := normalizeBase(id)
	if err != nil {
		return Metadata{}, err
	}
	manifestURL, err := url.JoinPath(base, s.manifestName())
	if err != nil {
		return Metadata{}, err
	}
	return Metadata{ManifestURL: manifestURL, BaseURL: base}, nil
}

// CreateSession performs the two-step handshake: fetch a challenge, then
// post back the response the challenge's method demands.
func (s *SessionResolver) CreateSession(ctx context.Context, meta Metadata) (*Session, error) {
	createURL, err := url.JoinPath(meta.BaseURL, "session", "create")
	if err != nil {
		return nil, err
	}
	var created sessionCreateResponse
	if err := postJSON(ctx, s.httpClient(), createURL, nil, &created); err != nil {
		return nil, fmt.Errorf("source: creating session: %w", err)
	}

	response, err := solveChallenge(created.Challenge, s.Secret)
	if err != nil {
		return nil, err
	}

	verifyURL, err := url.JoinPath(meta.BaseURL, "session", created.SessionID, "verify")
	if err != nil {
		return nil, err
	}
	req := sessionVerifyRequest{Nonce: created.Challenge.Nonce, Response: response}
	if err := postJSON(ctx, s.httpClient(), verifyURL, req, nil); err != nil {
		return nil, fmt.Errorf("source: verifying session challenge: %w", err)
	}

	return &Session{ID: created.SessionID, Extra: map[string]string{"baseURL": meta.BaseURL}}, nil
}

func solveChallenge(ch sessionChallenge, secret string) (string, error) {
	switch ch.Method {
	case "md5":
		sum := md5.Sum([]byte(ch.Nonce + secret))
		return hex.EncodeToString(sum[:]), nil
	case "sha256":
		sum := sha256.Sum256([]byte(ch.Nonce + secret))
		return hex.EncodeToString(sum[:]), nil
	case "web":
		// No client secret: the nonce itself is the proof, as when the
		// handshake is actually completed out-of-band in a browser.
		return ch.Nonce, nil
	default:
		return "", fmt.Errorf("source: unsupported challenge method %q", ch.Method)
	}
}

func (s *SessionResolver) ResolveChunkURL(ctx context.Context, meta Metadata, sess *Session, name string) (string, error) {
	if sess == nil {
		return "", fmt.Errorf("source: session-based resolver requires a session")
	}
	chunkURL, err := url.JoinPath(meta.BaseURL, name)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(chunkURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("session", sess.ID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// EndSession tells the server the session is no longer needed. Errors
// are not fatal to the install run; the caller logs and continues.
func (s *SessionResolver) EndSession(ctx context.Context, sess *Session) error {
	if sess == nil {
		return nil
	}
	endURL, err := url.JoinPath(sess.Extra["baseURL"], "session", sess.ID, "end")
	if err != nil {
		return err
	}
	return postJSON(ctx, s.httpClient(), endURL, nil, nil)
}

func postJSON(ctx context.Context, client *http.Client, target string, body interface{}, out interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
