package httpclient

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/quillworks/quill/pkg/version"
)

type userAgentTransport struct {
	agent string
	rt    http.RoundTripper
}

func (u *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r2 := req.Clone(req.Context())
	r2.Header.Set("User-Agent", u.agent)
	return u.rt.RoundTrip(r2)
}

func New() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &userAgentTransport{
			agent: fmt.Sprintf("Quill/%s (%s; %s)", version.Version, runtime.GOOS, runtime.GOARCH),
			rt:    http.DefaultTransport,
		},
	}
}
