package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// HTTPAdapter posts swap requests as JSON to a venue execution endpoint
type HTTPAdapter struct {
	name     string
	endpoint string
	client   *http.Client
}

type swapResponse struct {
	Signature    string          `json:"signature"`
	OutputAmount decimal.Decimal `json:"output_amount"`
	Venue        string          `json:"venue"`
	Error        string          `json:"error"`
	Code         ErrorKind       `json:"code"`
}

// NewHTTPAdapter creates an adapter for one venue endpoint
func NewHTTPAdapter(name, endpoint string, timeout time.Duration) *HTTPAdapter {
	return &HTTPAdapter{
		name:     name,
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (a *HTTPAdapter) Name() string {
	return a.name
}

func (a *HTTPAdapter) Swap(ctx context.Context, req SwapRequest) (*SwapResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode swap request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build swap request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		var netErr interface{ Timeout() bool }
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil, &SwapError{Kind: KindTimeout, Venue: a.name, Message: "request timed out", Err: err}
		}
		return nil, &SwapError{Kind: KindUnknown, Venue: a.name, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &SwapError{Kind: KindUnknown, Venue: a.name, Message: err.Error(), Err: err}
	}

	var out swapResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, NewSwapError(a.name, "", fmt.Sprintf("status %d: %s", resp.StatusCode, string(raw)))
	}
	if resp.StatusCode >= http.StatusBadRequest || out.Error != "" {
		msg := out.Error
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return nil, NewSwapError(a.name, out.Code, msg)
	}
	if out.Signature == "" {
		return nil, NewSwapError(a.name, KindRejected, "venue returned no signature")
	}

	venueUsed := out.Venue
	if venueUsed == "" {
		venueUsed = a.name
	}
	return &SwapResult{Signature: out.Signature, OutputAmount: out.OutputAmount, VenueUsed: venueUsed}, nil
}
