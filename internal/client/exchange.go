package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/efreitasn/fundex/internal/domain"
)

// submissionNamespace seeds the deterministic X-Submission-Id of a pair, so
// a retried submission carries the same id and the exchange can dedupe it.
var submissionNamespace = uuid.MustParse("5b7c8a3e-2f4d-4c1b-9e6a-0d2f8b1c4a7e")

// ExchangeClient transmits matched pairs to the exchange submission
// service.
type ExchangeClient struct {
	baseURL string
	client  *http.Client
}

// NewExchangeClient creates an ExchangeClient for the service at baseURL.
// Callers bound each submission with a context deadline; timeout is only
// a backstop for callers that do not.
func NewExchangeClient(baseURL string, timeout time.Duration) *ExchangeClient {
	return &ExchangeClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type submitPairPayload struct {
	BuyOrderID  string `json:"buy_order_id"`
	SellOrderID string `json:"sell_order_id"`
	FundID      string `json:"fund_id,omitempty"`
	Quantity    string `json:"quantity"`
	Price       int64  `json:"price"`
	TotalValue  int64  `json:"total_value"`
}

type exchangeErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// SubmissionID returns the idempotency id sent with a pair.
func SubmissionID(key domain.PairKey) string {
	return uuid.NewSHA1(submissionNamespace, []byte(key.String())).String()
}

// Submit posts one pair to the exchange.
//
// A 2xx response is success and 409 means the exchange already holds the
// pair (domain.ErrAlreadySent). A timeout yields domain.ErrSubmissionTimeout
// since the exchange may or may not have received the pair; any other
// failure wraps domain.ErrSubmissionRejected with the exchange's reason.
func (c *ExchangeClient) Submit(ctx context.Context, pair domain.MatchedPair) error {
	body, err := json.Marshal(submitPairPayload{
		BuyOrderID:  pair.BuyOrderID,
		SellOrderID: pair.SellOrderID,
		FundID:      pair.FundID,
		Quantity:    pair.MatchedQuantity.String(),
		Price:       pair.MatchedPrice,
		TotalValue:  pair.Value(),
	})
	if err != nil {
		return fmt.Errorf("encode pair: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/pairs", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build submission request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Submission-Id", SubmissionID(pair.Key()))

	resp, err := c.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: %v", domain.ErrSubmissionTimeout, err)
		}
		return fmt.Errorf("%w: %v", domain.ErrSubmissionRejected, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		return domain.ErrAlreadySent
	}
	return fmt.Errorf("%w: %s", domain.ErrSubmissionRejected, rejectionReason(resp))
}

// isTimeout reports whether the request may have reached the exchange
// without an answer coming back.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func rejectionReason(resp *http.Response) string {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body exchangeErrorBody
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Message != "" {
			return fmt.Sprintf("%d %s", resp.StatusCode, body.Message)
		}
		if body.Error != "" {
			return fmt.Sprintf("%d %s", resp.StatusCode, body.Error)
		}
	}
	if text := strings.TrimSpace(string(raw)); text != "" {
		return fmt.Sprintf("%d %s", resp.StatusCode, text)
	}
	return fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
}
