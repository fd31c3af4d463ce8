package binance

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/yanun0323/errors"

	"chimera/internal/depth"
	"chimera/internal/schema"
	"chimera/pkg/exception"
)

const (
	DefaultRESTURL       = "https://api.binance.com"
	defaultSnapshotLimit = 1000
)

var _ depth.SnapshotFetcher = (*SnapshotClient)(nil)

// SnapshotClient fetches order book snapshots from the REST depth endpoint.
type SnapshotClient struct {
	baseURL    string
	limit      int
	httpClient *http.Client
}

// NewSnapshotClient creates a client. The request deadline comes from the context.
func NewSnapshotClient(baseURL string, limit int) *SnapshotClient {
	if baseURL == "" {
		baseURL = DefaultRESTURL
	}
	if limit <= 0 {
		limit = defaultSnapshotLimit
	}
	return &SnapshotClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		limit:      limit,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type depthSnapshot struct {
	LastUpdateID uint64      `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"` // [0]price [1]quantity
	Asks         [][2]string `json:"asks"` // [0]price [1]quantity
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (c *SnapshotClient) FetchSnapshot(ctx context.Context, symbol string) (schema.Snapshot, error) {
	if symbol == "" {
		return schema.Snapshot{}, errors.Wrap(exception.ErrInvalidArgument, "empty symbol")
	}

	q := url.Values{}
	q.Set("symbol", strings.ToUpper(symbol))
	q.Set("limit", strconv.Itoa(c.limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v3/depth?"+q.Encode(), nil)
	if err != nil {
		return schema.Snapshot{}, errors.Wrap(err, "new depth request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return schema.Snapshot{}, ctx.Err()
		}
		return schema.Snapshot{}, errors.Wrap(err, "do depth request").With("symbol", symbol)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return schema.Snapshot{}, errors.Wrap(err, "read depth response").With("symbol", symbol)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot:
		// 418 means the IP is already banned for ignoring 429s
		return schema.Snapshot{}, depth.ErrRateLimited
	case resp.StatusCode != http.StatusOK:
		var apiErr apiError
		_ = json.Unmarshal(body, &apiErr)
		return schema.Snapshot{}, errors.Wrapf(exception.ErrInResponseError, "depth request status %d, code %d: %s", resp.StatusCode, apiErr.Code, apiErr.Msg)
	}

	var raw depthSnapshot
	if err := json.Unmarshal(body, &raw); err != nil {
		return schema.Snapshot{}, errors.Wrap(err, "unmarshal depth snapshot").With("symbol", symbol)
	}
	return raw.toSnapshot()
}

func (d depthSnapshot) toSnapshot() (schema.Snapshot, error) {
	bids, err := parseLevels(d.Bids)
	if err != nil {
		return schema.Snapshot{}, err
	}
	asks, err := parseLevels(d.Asks)
	if err != nil {
		return schema.Snapshot{}, err
	}
	return schema.Snapshot{LastUpdateID: d.LastUpdateID, Bids: bids, Asks: asks}, nil
}

func parseLevels(raw [][2]string) ([]schema.Level, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	levels := make([]schema.Level, len(raw))
	for i, l := range raw {
		price, err := strconv.ParseFloat(l[0], 64)
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("parse price %q", l[0]))
		}
		qty, err := strconv.ParseFloat(l[1], 64)
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("parse quantity %q", l[1]))
		}
		levels[i] = schema.Level{Price: price, Qty: qty}
	}
	return levels, nil
}
