package trigger

//Construct Triggerer for http/https URIs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
)

type HTTPTrigger struct {
	url    string
	client *http.Client
}

func (h *HTTPTrigger) Execute(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build HTTP request : %v", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed : %v", err)
	}
	//drain http body to wait until server is finished
	body := &bytes.Buffer{}
	if _, err := io.Copy(body, resp.Body); err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("failed to drain http response : %v", err)
	}
	if err := resp.Body.Close(); err != nil {
		return nil, fmt.Errorf("failed to close http response : %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return body.Bytes(), fmt.Errorf("victim replied with %v", resp.Status)
	}

	return body.Bytes(), nil
}

func NewHTTPTrigger(url string) Triggerer {
	return &HTTPTrigger{
		url:    url,
		client: http.DefaultClient,
	}
}
