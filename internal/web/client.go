package web

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/vadiminshakov/flashvault/internal/domain"
)

// Subscription describes a consumer of /events/stream.
type Subscription struct {
	// BaseURL of the monitoring server, e.g. http://localhost:8080.
	BaseURL string
	// Pair filters events; empty receives every vault.
	Pair string
	// After resumes the stream after this journal index.
	After uint64
}

// URL returns the stream endpoint for the subscription.
func (s Subscription) URL() (string, error) {
	u, err := url.Parse(strings.TrimRight(s.BaseURL, "/") + "/events/stream")
	if err != nil {
		return "", errors.Wrap(err, "parse base url")
	}
	q := u.Query()
	if s.Pair != "" {
		q.Set("pair", s.Pair)
	}
	if s.After > 0 {
		q.Set("last_event_id", strconv.FormatUint(s.After, 10))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Subscribe streams journal records to fn until ctx is cancelled, the server
// closes the stream or fn returns an error.
func Subscribe(ctx context.Context, client *http.Client, sub Subscription, fn func(domain.VaultEventRecord) error) error {
	if client == nil {
		client = http.DefaultClient
	}
	target, err := sub.URL()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "connect to event stream")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("event stream returned %s", resp.Status)
	}
	return ReadStream(resp.Body, fn)
}

// ReadStream decodes SSE frames written by the server. Heartbeat comments are
// skipped. A frame without an id is rejected.
func ReadStream(r io.Reader, fn func(domain.VaultEventRecord) error) error {
	reader := bufio.NewReader(r)

	var (
		id   string
		data strings.Builder
	)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			record, err := decodeFrame(id, data.String())
			if err != nil {
				return err
			}
			if err := fn(record); err != nil {
				return err
			}
			id = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id:"):
			id = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
}

func decodeFrame(id, data string) (domain.VaultEventRecord, error) {
	index, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return domain.VaultEventRecord{}, errors.Wrapf(err, "invalid event id %q", id)
	}
	var ev domain.VaultEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return domain.VaultEventRecord{}, errors.Wrapf(err, "decode event %d", index)
	}
	return domain.VaultEventRecord{Index: index, Event: ev}, nil
}
