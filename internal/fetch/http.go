package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/tanq16/hlsplay/internal/hlserr"
	"github.com/tanq16/hlsplay/internal/utils"
)

type HTTPFetcher struct {
	client utils.HTTPDoer
}

func NewHTTPFetcher(client utils.HTTPDoer) *HTTPFetcher {
	return &HTTPFetcher{client: client}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, hlserr.New(hlserr.MalformedURLError, req.URL, "could not build request", err)
	}
	if req.Range != nil {
		httpReq.Header.Set("Range", req.Range.Header())
	}
	log.Debug().Str("op", "fetch/http").Str("range", httpReq.Header.Get("Range")).Msgf("GET %s", req.URL)

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, hlserr.DownloadFailed(req.URL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusPartialContent && req.Range != nil:
	default:
		return nil, hlserr.DownloadFailed(req.URL, fmt.Errorf("server returned status code %d", resp.StatusCode))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, hlserr.DownloadFailed(req.URL, err)
	}
	if req.Range != nil && resp.StatusCode == http.StatusOK {
		// server ignored the Range header
		if int64(len(data)) <= req.Range.End {
			return nil, hlserr.DownloadFailed(req.URL, fmt.Errorf("response of %d bytes does not cover %s", len(data), req.Range.Header()))
		}
		data = data[req.Range.Start : req.Range.End+1]
	}
	return data, nil
}
