package tdx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

type odataPage struct {
	Value          []json.RawMessage `json:"value"`
	NextLink       string            `json:"@odata.nextLink"`
	LegacyNextLink string            `json:"odata.nextLink"`
}

// FetchAll follows OData next links and returns every record as one JSON array.
func (c *Client) FetchAll(ctx context.Context, path string, params map[string]string) (json.RawMessage, error) {
	records := make([]json.RawMessage, 0)
	next, nextParams := path, params

	for page := 1; ; page++ {
		if page > c.cfg.MaxPages {
			return nil, &RequestError{Method: http.MethodGet, URL: path, Err: fmt.Errorf("%w: more than %d", ErrTooManyPages, c.cfg.MaxPages)}
		}

		body, err := c.FetchJSON(ctx, next, nextParams)
		if err != nil {
			return nil, err
		}

		trimmed := bytes.TrimSpace(body)
		if len(trimmed) == 0 {
			return nil, &RequestError{Method: http.MethodGet, URL: next, Err: ErrUnexpectedShape}
		}

		switch trimmed[0] {
		case '[':
			var items []json.RawMessage
			if err := json.Unmarshal(trimmed, &items); err != nil {
				return nil, &RequestError{Method: http.MethodGet, URL: next, Err: fmt.Errorf("decode array: %w", err)}
			}
			records = append(records, items...)
			return marshalRecords(records)
		case '{':
			var p odataPage
			if err := json.Unmarshal(trimmed, &p); err != nil {
				return nil, &RequestError{Method: http.MethodGet, URL: next, Err: fmt.Errorf("decode page: %w", err)}
			}
			if p.Value == nil {
				return nil, &RequestError{Method: http.MethodGet, URL: next, Err: fmt.Errorf("%w: object without value", ErrUnexpectedShape)}
			}
			records = append(records, p.Value...)
			link := p.NextLink
			if link == "" {
				link = p.LegacyNextLink
			}
			if link == "" {
				return marshalRecords(records)
			}
			c.log.Debug("tdx following next link", "page", page+1)
			// The next link already carries the full query.
			next, nextParams = link, nil
		default:
			return nil, &RequestError{Method: http.MethodGet, URL: next, Err: ErrUnexpectedShape}
		}
	}
}

func marshalRecords(records []json.RawMessage) (json.RawMessage, error) {
	out, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("encode records: %w", err)
	}
	return out, nil
}
