package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/seovimalraj/cnc-quote-backend/models"
	"github.com/shopspring/decimal"
)

// HTTPPricingEngine prices items against the external pricing service. One
// call per item; the caller owns timeouts and treats any error as an item
// failure.
type HTTPPricingEngine struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewHTTPPricingEngine(baseURL string) *HTTPPricingEngine {
	return &HTTPPricingEngine{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{},
	}
}

type priceRequest struct {
	QuoteItemId    string          `json:"quote_item_id"`
	QuoteId        string          `json:"quote_id"`
	Material       string          `json:"material"`
	Process        string          `json:"process"`
	MachineGroup   string          `json:"machine_group"`
	Config         json.RawMessage `json:"config,omitempty"`
	PricingVersion string          `json:"pricing_version"`
}

type priceResponse struct {
	Total    decimal.Decimal        `json:"total"`
	Snapshot map[string]interface{} `json:"snapshot"`
}

func (e *HTTPPricingEngine) CalculatePrice(ctx context.Context, item *models.QuoteItem, version string) (*PriceResult, error) {
	reqBody := priceRequest{
		QuoteItemId:    item.ID,
		QuoteId:        item.QuoteId,
		Material:       item.Material,
		Process:        item.Process,
		MachineGroup:   item.MachineGroup,
		PricingVersion: version,
	}
	if item.ConfigJSON != "" {
		reqBody.Config = json.RawMessage(item.ConfigJSON)
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.BaseURL+"/price", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := e.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pricing service returned %d: %s", resp.StatusCode, truncateForError(data))
	}

	var out priceResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode pricing response: %w", err)
	}
	return &PriceResult{Total: out.Total, Snapshot: out.Snapshot}, nil
}

func truncateForError(data []byte) string {
	const max = 256
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}
