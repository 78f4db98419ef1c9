package diesel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// HTTPBackend calls the sponsorship backend over HTTP.
type HTTPBackend struct {
	BaseURL string

	http *http.Client
	log  *logrus.Logger
}

func NewHTTPBackend(baseURL string, log *logrus.Logger) *HTTPBackend {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &HTTPBackend{
		BaseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		log:     log,
	}
}

func (b *HTTPBackend) EstimateDiesel(
	ctx context.Context,
	address, tokenAddress, toncoinAmount string,
	isW5, isStars bool,
) (*RawEstimate, error) {
	query := url.Values{
		"address":       {address},
		"tokenAddress":  {tokenAddress},
		"toncoinAmount": {toncoinAmount},
		"isW5":          {strconv.FormatBool(isW5)},
		"isStars":       {strconv.FormatBool(isStars)},
	}
	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, b.BaseURL+"/diesel/estimate?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("diesel estimate failed: %d %s", resp.StatusCode, string(data))
	}

	var raw RawEstimate
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode diesel estimate: %w", err)
	}
	return &raw, nil
}
