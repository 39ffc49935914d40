package relay

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// SourceHeader carries the stream source across a forwarding hop.
const SourceHeader = "X-Testrelay-Source"

// ForwardPath is the coordinator route that accepts forwarded streams.
const ForwardPath = "/api/v1/forward/"

// RemoteForwarder is the agent-side proxy of a Forwarder exported by a
// coordinator. Each sink streams its bytes as the body of one HTTP request.
type RemoteForwarder struct {
	log    logrus.FieldLogger
	client *http.Client
	url    string
}

// Ensure interface compliance.
var _ Forwarder = (*RemoteForwarder)(nil)

// NewRemoteForwarder creates a forwarder for the capability token on the
// coordinator at baseURL. A nil client uses http.DefaultClient.
func NewRemoteForwarder(
	log logrus.FieldLogger,
	baseURL, token string,
	client *http.Client,
) (*RemoteForwarder, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing coordinator url: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("coordinator url %q must be http or https", baseURL)
	}

	if token == "" {
		return nil, fmt.Errorf("forwarder token is required")
	}

	if client == nil {
		client = http.DefaultClient
	}

	return &RemoteForwarder{
		log:    log.WithField("component", "remote-forwarder"),
		client: client,
		url:    ForwardURL(u.String(), token),
	}, nil
}

// ForwardURL returns the URL streams are posted to.
func ForwardURL(baseURL, token string) string {
	return strings.TrimRight(baseURL, "/") + ForwardPath + url.PathEscape(token)
}

// Connect starts the request and returns a sink feeding its body.
func (f *RemoteForwarder) Connect(ctx context.Context, source string) (io.WriteCloser, error) {
	pr, pw := io.Pipe()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, pr)
	if err != nil {
		return nil, fmt.Errorf("creating forward request: %w", err)
	}

	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(SourceHeader, source)

	f.log.WithField("source", source).Debug("Forwarding stream")

	done := make(chan error, 1)

	go func() {
		err := f.do(req)

		// Unblock the writer if the coordinator answered early.
		pr.CloseWithError(err)

		done <- err
	}()

	return &remoteSink{pw: pw, done: done}, nil
}

func (f *RemoteForwarder) do(req *http.Request) error {
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("forwarding stream: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("coordinator rejected stream: %s: %s",
			resp.Status, strings.TrimSpace(string(body)))
	}

	return nil
}

type remoteSink struct {
	pw   *io.PipeWriter
	done chan error

	once sync.Once
	err  error
}

func (s *remoteSink) Write(p []byte) (int, error) {
	return s.pw.Write(p)
}

// Close ends the request body and waits for the coordinator's answer.
func (s *remoteSink) Close() error {
	s.once.Do(func() {
		_ = s.pw.Close()
		s.err = <-s.done
	})

	return s.err
}
