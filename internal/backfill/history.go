package backfill

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/stratlab/optionflow/internal/models"
)

// HistoryClient fetches historical bars from the upstream ticker service.
type HistoryClient interface {
	FetchBars(ctx context.Context, instrumentToken int64, from, to time.Time, interval string) ([]models.HistoryBar, error)
}

// RestHistoryClient is the production client: resty with retries behind a
// circuit breaker and a request rate limiter. The upstream history API is
// the slowest dependency in the system; the breaker keeps a flapping
// upstream from stalling every backfill worker.
type RestHistoryClient struct {
	http    *resty.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// NewRestHistoryClient builds the client for baseURL with the given
// per-call timeout.
func NewRestHistoryClient(baseURL string, timeout time.Duration) *RestHistoryClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second)

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "history-api",
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("history breaker state change")
		},
	})

	return &RestHistoryClient{
		http:    client,
		breaker: breaker,
		limiter: rate.NewLimiter(rate.Limit(10), 20),
	}
}

type historyResponse struct {
	Status string              `json:"status"`
	Data   []models.HistoryBar `json:"data"`
}

// FetchBars retrieves bars for one instrument over [from, to].
func (c *RestHistoryClient) FetchBars(ctx context.Context, instrumentToken int64, from, to time.Time, interval string) ([]models.HistoryBar, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		var out historyResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"from":     from.UTC().Format(time.RFC3339),
				"to":       to.UTC().Format(time.RFC3339),
				"interval": interval,
			}).
			SetResult(&out).
			Get(fmt.Sprintf("/instruments/%d/history", instrumentToken))
		if err != nil {
			return nil, fmt.Errorf("history fetch failed: %w", err)
		}
		if resp.IsError() {
			return nil, fmt.Errorf("history fetch failed: status %d", resp.StatusCode())
		}
		return out.Data, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]models.HistoryBar), nil
}
