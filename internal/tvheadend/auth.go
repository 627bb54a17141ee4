package tvheadend

import (
	"io"
	"net/http"
	"strings"

	"github.com/icholy/digest"
)

// requestFactory builds a fresh request for each attempt so request bodies
// can be replayed.
type requestFactory func() (*http.Request, error)

// authStrategy performs a request using one authentication scheme. A
// returned response with status 401 means the scheme was rejected.
type authStrategy interface {
	Scheme() string
	Do(client *http.Client, newRequest requestFactory) (*http.Response, error)
}

// basicAuth sends the credentials up front using HTTP Basic.
type basicAuth struct {
	username string
	password string
}

func (b basicAuth) Scheme() string { return "basic" }

func (b basicAuth) Do(client *http.Client, newRequest requestFactory) (*http.Response, error) {
	req, err := newRequest()
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(b.username, b.password)
	return client.Do(req)
}

// digestAuth sends an unauthenticated request, answers the server's digest
// challenge and sends the request again. A 401 without a digest challenge is
// returned as-is so the next scheme gets its turn.
type digestAuth struct {
	username string
	password string
}

func (d digestAuth) Scheme() string { return "digest" }

func (d digestAuth) Do(client *http.Client, newRequest requestFactory) (*http.Response, error) {
	req, err := newRequest()
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	chal := findDigestChallenge(resp.Header)
	if chal == nil {
		return resp, nil
	}
	drainAndClose(resp)

	retry, err := newRequest()
	if err != nil {
		return nil, err
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   retry.Method,
		URI:      retry.URL.RequestURI(),
		GetBody:  retry.GetBody,
		Count:    1,
		Username: d.username,
		Password: d.password,
	})
	if err != nil {
		// An unusable challenge counts as a rejection of this scheme.
		return &http.Response{
			StatusCode: http.StatusUnauthorized,
			Status:     http.StatusText(http.StatusUnauthorized),
			Header:     make(http.Header),
			Body:       http.NoBody,
			Request:    retry,
		}, nil
	}
	retry.Header.Set("Authorization", cred.String())

	return client.Do(retry)
}

// findDigestChallenge returns the first parseable Digest challenge in the
// WWW-Authenticate headers, or nil.
func findDigestChallenge(h http.Header) *digest.Challenge {
	for _, value := range h.Values("WWW-Authenticate") {
		if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(value)), "digest") {
			continue
		}
		chal, err := digest.ParseChallenge(value)
		if err == nil {
			return chal
		}
	}
	return nil
}

func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
