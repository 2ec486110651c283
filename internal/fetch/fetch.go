// Package fetch is a sample bridge application: every chunk received is taken
// as a URL, and the response body is sent back to the peer.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrorReply is sent when a URL cannot be fetched or does not answer 200.
const ErrorReply = "Error requesting URL"

// Sender is the outbound half of a connection.
type Sender interface {
	Send(ctx context.Context, data []byte) error
}

// Fetcher resolves URLs and replies with their bodies.
type Fetcher struct {
	sender  Sender
	client  *http.Client
	logger  logrus.FieldLogger
	maxBody int64
}

// Option configures a Fetcher.
type Option func(*Fetcher)

func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) {
		f.client = c
	}
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

// WithMaxBody caps how many body bytes are relayed. Zero means no limit.
func WithMaxBody(n int64) Option {
	return func(f *Fetcher) {
		f.maxBody = n
	}
}

// New creates a Fetcher replying through sender.
func New(sender Sender, opts ...Option) *Fetcher {
	f := &Fetcher{
		sender: sender,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Handle fetches the URL in chunk and sends the reply. It has the shape of
// client.Handler. Only a failed send is returned as an error.
func (f *Fetcher) Handle(chunk []byte) error {
	url := strings.TrimSpace(string(chunk))
	log := f.logger.WithField("url", url)
	log.Info("received URL")

	body, err := f.get(url)
	if err != nil {
		log.WithError(err).Error("error requesting URL")
		body = []byte(ErrorReply)
	} else {
		log.WithField("bytes", len(body)).Info("sending content back")
	}

	return f.sender.Send(context.Background(), body)
}

func (f *Fetcher) get(url string) ([]byte, error) {
	if url == "" {
		return nil, fmt.Errorf("empty URL")
	}

	resp, err := f.client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var r io.Reader = resp.Body
	if f.maxBody > 0 {
		r = io.LimitReader(resp.Body, f.maxBody)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}
