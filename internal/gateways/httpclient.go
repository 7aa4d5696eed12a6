package gateways

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"tokopay/internal/apperrors"
)

var errServerStatus = errors.New("provider server error")

// providerClient is a resty client whose calls pass through a circuit breaker.
type providerClient struct {
	name    string
	http    *resty.Client
	breaker *gobreaker.CircuitBreaker[*resty.Response]
	log     *zap.Logger
}

func newProviderClient(name, baseURL string, timeout time.Duration, log *zap.Logger) *providerClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("User-Agent", "tokopay/1.0")

	breaker := gobreaker.NewCircuitBreaker[*resty.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("gateway circuit breaker changed state",
				zap.String("gateway", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &providerClient{name: name, http: client, breaker: breaker, log: log}
}

// do runs one provider call. Network failures, timeouts, 5xx answers and an open breaker
// come back as ErrTransientProvider; anything else is left to the caller to interpret.
func (c *providerClient) do(ctx context.Context, op string, call func(*resty.Request) (*resty.Response, error)) (*resty.Response, error) {
	resp, err := c.breaker.Execute(func() (*resty.Response, error) {
		resp, err := call(c.http.R().SetContext(ctx))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode() >= 500 {
			return resp, fmt.Errorf("%w: status %d", errServerStatus, resp.StatusCode())
		}
		return resp, nil
	})
	if err != nil {
		c.log.Warn("gateway call failed",
			zap.String("gateway", c.name),
			zap.String("operation", op),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %s %s: %w", apperrors.ErrTransientProvider, c.name, op, err)
	}
	return resp, nil
}

func declined(gateway, op, code string) error {
	return fmt.Errorf("%w: %s %s returned %s", apperrors.ErrPaymentDeclined, gateway, op, code)
}
