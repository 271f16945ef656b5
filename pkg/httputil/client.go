package httputil

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/go-resty/resty/v2"
)

// UserAgent is sent on every request made through NewRestyClient.
const UserAgent = "servicechat/1.0"

// NewRestyClient returns a Resty client with the shared defaults: base URL,
// bearer token when present, JSON accept header and a finite timeout.
// Retries are left to callers.
func NewRestyClient(baseURL, token string, timeout time.Duration) *resty.Client {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", UserAgent)
	if token != "" {
		client.SetAuthToken(token)
	}
	return client
}

// IsTimeout reports whether err came from a request deadline rather than
// another transport failure.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
