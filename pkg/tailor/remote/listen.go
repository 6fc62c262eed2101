package remote

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hyperengineering/tailor/internal/types"
	"github.com/hyperengineering/tailor/pkg/tailor"
)

const maxEventBytes = 16 << 20

// ErrStreamClosed is reported when the server ends a listen stream
// without an error event.
var ErrStreamClosed = errors.New("listen stream closed by server")

// SubscribeOrderedCollection implements tailor.DocumentStore. It returns
// at once; connection failures are reported through onError.
func (c *Client) SubscribeOrderedCollection(ctx context.Context, path string, order tailor.OrderBy, onSnapshot func([]tailor.Document), onError func(error)) (tailor.Subscription, error) {
	if onSnapshot == nil || onError == nil {
		return nil, errors.New("snapshot and error callbacks are required")
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	log := logger().With("action", "listen", "path", path)

	go func() {
		defer close(done)
		err := c.listen(ctx, path, order, onSnapshot)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = ErrStreamClosed
		}
		log.Warn("listen stream ended", "error", err)
		onError(err)
	}()

	return tailor.SubscriptionFunc(func() {
		cancel()
		<-done
	}), nil
}

// listen reads one stream until it ends, ctx is cancelled or the server
// reports an error event.
func (c *Client) listen(ctx context.Context, path string, order tailor.OrderBy, onSnapshot func([]tailor.Document)) error {
	endpoint := c.baseURL + "/api/v1/listen/" + escapePath(path) + "?" + orderQuery(order).Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("open listen stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	return readEvents(resp.Body, func(event, data string) error {
		switch event {
		case "snapshot":
			var msg types.SnapshotMessage
			if err := json.Unmarshal([]byte(data), &msg); err != nil {
				return fmt.Errorf("decode snapshot: %w", err)
			}
			if ctx.Err() == nil {
				onSnapshot(toDocuments(msg.Documents))
			}
		case "error":
			var msg types.ErrorMessage
			if err := json.Unmarshal([]byte(data), &msg); err != nil {
				return fmt.Errorf("decode error event: %w", err)
			}
			return &APIError{Status: msg.Code, Detail: msg.Message}
		}
		return nil
	})
}

// readEvents parses a Server-Sent Events stream and calls fn for every
// complete event. Comment lines are skipped. It returns nil at EOF.
func readEvents(r io.Reader, fn func(event, data string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxEventBytes)

	var (
		event string
		data  []string
	)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				if event == "" {
					event = "message"
				}
				if err := fn(event, strings.Join(data, "\n")); err != nil {
					return err
				}
			}
			event, data = "", nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read listen stream: %w", err)
	}
	return nil
}
