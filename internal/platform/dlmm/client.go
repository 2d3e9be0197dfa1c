// Package dlmm talks to the pool query service that fronts the on-chain
// liquidity-bin program. Every request is rate limited and carries the
// caller's context so scheduler timeouts abort in-flight calls.
package dlmm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/rangewatch/internal/domain"
)

// DefaultRateLimitKey is the limiter bucket shared by all pool queries.
const DefaultRateLimitKey = "dlmm_rpc"

// Config configures the HTTP client.
type Config struct {
	BaseURL      string
	Timeout      time.Duration
	RetryCount   int
	RetryWait    time.Duration
	RateLimitKey string
}

// Client implements domain.PoolClient over HTTP.
type Client struct {
	http    *resty.Client
	limiter domain.RateLimiter
	rateKey string
	logger  *slog.Logger
}

// New creates a Client. limiter may be nil to disable rate limiting.
func New(cfg Config, limiter domain.RateLimiter, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = 500 * time.Millisecond
	}
	if cfg.RateLimitKey == "" {
		cfg.RateLimitKey = DefaultRateLimitKey
	}

	client := resty.New()
	client.SetBaseURL(cfg.BaseURL)
	client.SetTimeout(cfg.Timeout)
	client.SetRetryCount(cfg.RetryCount)
	client.SetRetryWaitTime(cfg.RetryWait)
	client.SetHeader("Accept", "application/json")

	return &Client{
		http:    client,
		limiter: limiter,
		rateKey: cfg.RateLimitKey,
		logger:  logger.With(slog.String("component", "dlmm")),
	}
}

type apiError struct {
	Error string `json:"error"`
}

type poolResponse struct {
	Address string `json:"address"`
}

type binResponse struct {
	BinID         int    `json:"binId"`
	PricePerToken string `json:"pricePerToken"`
}

type binsResponse struct {
	Bins []binResponse `json:"bins"`
}

type positionResponse struct {
	LowerBinID       int           `json:"lowerBinId"`
	UpperBinID       int           `json:"upperBinId"`
	TotalXAmount     domain.Amount `json:"totalXAmount"`
	TotalYAmount     domain.Amount `json:"totalYAmount"`
	FeeX             domain.Amount `json:"feeX"`
	FeeY             domain.Amount `json:"feeY"`
	TotalClaimedFeeX domain.Amount `json:"totalClaimedFeeX"`
	TotalClaimedFeeY domain.Amount `json:"totalClaimedFeeY"`
	RewardOne        domain.Amount `json:"rewardOne"`
	RewardTwo        domain.Amount `json:"rewardTwo"`
	LastUpdatedAt    json.Number   `json:"lastUpdatedAt"`
}

type positionsResponse struct {
	Positions []positionResponse `json:"positions"`
}

func (c *Client) get(ctx context.Context, path string, pathParams, query map[string]string, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, c.rateKey); err != nil {
			return fmt.Errorf("dlmm: rate limit: %w", err)
		}
	}

	var apiErr apiError
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParams(pathParams).
		SetQueryParams(query).
		SetResult(out).
		SetError(&apiErr).
		Get(path)
	if err != nil {
		return fmt.Errorf("dlmm: GET %s: %w", path, err)
	}
	if resp.IsError() {
		switch resp.StatusCode() {
		case http.StatusNotFound:
			return fmt.Errorf("dlmm: GET %s: %w: %s", path, domain.ErrNotFound, apiErr.Error)
		case http.StatusTooManyRequests:
			return fmt.Errorf("dlmm: GET %s: %w: retry after %q", path, domain.ErrRateLimited, resp.Header().Get("Retry-After"))
		}
		return fmt.Errorf("dlmm: GET %s: status %d: %s", path, resp.StatusCode(), apiErr.Error)
	}
	return nil
}

// Open resolves the pool at address.
func (c *Client) Open(ctx context.Context, address string) (domain.Pool, error) {
	var out poolResponse
	if err := c.get(ctx, "/pools/{address}", map[string]string{"address": address}, nil, &out); err != nil {
		return nil, err
	}
	return &pool{client: c, address: address}, nil
}

type pool struct {
	client  *Client
	address string
}

func (p *pool) Address() string { return p.address }

func (p *pool) params() map[string]string {
	return map[string]string{"address": p.address}
}

func (p *pool) ActiveBin(ctx context.Context) (domain.Bin, error) {
	var out binResponse
	if err := p.client.get(ctx, "/pools/{address}/active-bin", p.params(), nil, &out); err != nil {
		return domain.Bin{}, err
	}
	return toBin(out)
}

func (p *pool) BinsInRange(ctx context.Context, lower, upper int) ([]domain.Bin, error) {
	var out binsResponse
	query := map[string]string{
		"lower": strconv.Itoa(lower),
		"upper": strconv.Itoa(upper),
	}
	if err := p.client.get(ctx, "/pools/{address}/bins", p.params(), query, &out); err != nil {
		return nil, err
	}

	bins := make([]domain.Bin, 0, len(out.Bins))
	for _, b := range out.Bins {
		bin, err := toBin(b)
		if err != nil {
			return nil, err
		}
		bins = append(bins, bin)
	}
	return bins, nil
}

func (p *pool) UserPositions(ctx context.Context, wallet string) ([]domain.OnChainPosition, error) {
	var out positionsResponse
	query := map[string]string{"wallet": wallet}
	if err := p.client.get(ctx, "/pools/{address}/positions", p.params(), query, &out); err != nil {
		return nil, err
	}

	positions := make([]domain.OnChainPosition, 0, len(out.Positions))
	for _, r := range out.Positions {
		pos := domain.OnChainPosition{
			LowerBinID:       r.LowerBinID,
			UpperBinID:       r.UpperBinID,
			TotalXAmount:     r.TotalXAmount,
			TotalYAmount:     r.TotalYAmount,
			FeeX:             r.FeeX,
			FeeY:             r.FeeY,
			TotalClaimedFeeX: r.TotalClaimedFeeX,
			TotalClaimedFeeY: r.TotalClaimedFeeY,
			RewardOne:        r.RewardOne,
			RewardTwo:        r.RewardTwo,
		}
		if r.LastUpdatedAt != "" {
			secs, err := r.LastUpdatedAt.Int64()
			if err != nil {
				p.client.logger.WarnContext(ctx, "ignoring malformed lastUpdatedAt",
					slog.String("pool", p.address),
					slog.String("value", r.LastUpdatedAt.String()),
				)
			} else {
				t := time.Unix(secs, 0).UTC()
				pos.LastUpdatedAt = &t
			}
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

func toBin(b binResponse) (domain.Bin, error) {
	price, err := decimal.NewFromString(b.PricePerToken)
	if err != nil {
		return domain.Bin{}, fmt.Errorf("dlmm: bin %d: invalid price %q: %w", b.BinID, b.PricePerToken, err)
	}
	return domain.Bin{ID: b.BinID, PricePerToken: price}, nil
}

var _ domain.PoolClient = (*Client)(nil)
