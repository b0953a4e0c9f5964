// Package opencloud provides the outbound publish client for the external
// platform's topic messaging endpoint.
package opencloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/pulserelay/pulse/internal/config"
)

const (
	// RelayTopic is the fixed platform channel every relayed message is
	// published on. The application-level topic travels inside the payload.
	RelayTopic = "pulse"
	// ProbeTopic is used to validate a submitted credential before it is
	// accepted into the registry.
	ProbeTopic = "pulse_test"

	// maxTopicLength is the platform's topic name limit.
	maxTopicLength = 80
)

// ErrTopicTooLong is returned when a topic exceeds the platform limit.
var ErrTopicTooLong = errors.New("invalid topic - must be less than 80 characters")

// Result reports the outcome of a publish attempt that reached the platform.
type Result struct {
	// OK is true when the platform answered with a 2xx status.
	OK bool
	// StatusCode is the HTTP status the platform returned.
	StatusCode int
}

// Publisher performs the outbound topic-publish call on behalf of a universe.
type Publisher interface {
	Publish(ctx context.Context, cloudKey string, universeID int64, topic string, message any) (Result, error)
}

// Client is the HTTP Publisher for the platform messaging service.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a publish client from the given configuration.
//
// Precondition: cfg must have a non-empty BaseURL and positive Timeout;
// logger must be non-nil.
func NewClient(cfg config.OpenCloudConfig, logger *zap.Logger) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}
}

// Publish posts a message to the universe's topic.
//
// String messages pass through unchanged; any other payload is JSON-encoded
// into the message field. A non-2xx platform answer is not an error: it is
// reported through Result.OK so callers can decide how to surface it.
//
// Postcondition: Returns a non-nil error only when the request never
// completed (encode failure, network error, timeout).
func (c *Client) Publish(ctx context.Context, cloudKey string, universeID int64, topic string, message any) (Result, error) {
	if len(topic) > maxTopicLength {
		return Result{}, ErrTopicTooLong
	}

	text, err := encodeMessage(message)
	if err != nil {
		return Result{}, fmt.Errorf("encoding message: %w", err)
	}

	body, err := json.Marshal(map[string]string{"message": text})
	if err != nil {
		return Result{}, fmt.Errorf("encoding body: %w", err)
	}

	endpoint := fmt.Sprintf("%s/universes/%d/topics/%s", c.baseURL, universeID, url.PathEscape(topic))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", cloudKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("publishing to universe %d: %w", universeID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	result := Result{
		OK:         resp.StatusCode >= 200 && resp.StatusCode < 300,
		StatusCode: resp.StatusCode,
	}
	if !result.OK {
		c.logger.Warn("publish rejected by platform",
			zap.Int64("universe_id", universeID),
			zap.String("topic", topic),
			zap.Int("status", resp.StatusCode),
		)
	}
	return result, nil
}

// encodeMessage flattens the payload to the string form the platform expects.
func encodeMessage(message any) (string, error) {
	if s, ok := message.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(message)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
