// Package bitails implements chain.Adapter on top of the Bitails REST API,
// with WhatsOnChain as a second broadcast endpoint.
//
// Every request goes through the same envelope: a client side rate limit, a
// circuit breaker that only counts transport and 5xx failures, a per-attempt
// timeout and exponential backoff on transient errors. Definitive answers from
// the indexer (404, 4xx, broadcast rejections) are never retried.
package bitails

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sethvargo/go-retry"
	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/zzenonn/chainstore/internal/chain"
	"github.com/zzenonn/chainstore/internal/chain/bsv"
	"github.com/zzenonn/chainstore/internal/domain"
	apperrors "github.com/zzenonn/chainstore/internal/errors"
)

const (
	DefaultBaseURL     = "https://api.bitails.io"
	DefaultFallbackURL = "https://api.whatsonchain.com/v1/bsv/main"

	maxTxDownload = 64 << 20
)

type Config struct {
	BaseURL     string
	APIKey      string
	FallbackURL string // empty disables the broadcast fallback
	FeeRate     float64

	CallTimeout  time.Duration
	RetryBase    time.Duration
	MaxRetries   uint64
	RateLimit    float64 // requests per second, 0 disables
	RateBurst    int
	BreakerTrips uint32 // consecutive failures before the breaker opens
	BreakerCool  time.Duration

	HTTPClient *http.Client
}

func (c *Config) setDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	c.FallbackURL = strings.TrimRight(c.FallbackURL, "/")
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 200 * time.Millisecond
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	if c.BreakerTrips == 0 {
		c.BreakerTrips = 5
	}
	if c.BreakerCool <= 0 {
		c.BreakerCool = 30 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
}

type Client struct {
	cfg     Config
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

func New(cfg Config) *Client {
	cfg.setDefaults()

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	trips := cfg.BreakerTrips
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "bitails",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCool,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trips
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(log.Fields{"breaker": name, "from": from.String(), "to": to.String()}).Warn("circuit breaker state changed")
		},
	})

	return &Client{
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, cfg.RateBurst),
		breaker: breaker,
	}
}

var _ chain.Adapter = (*Client)(nil)

type balanceResponse struct {
	Address     string `json:"address"`
	Confirmed   int64  `json:"confirmed"`
	Unconfirmed int64  `json:"unconfirmed"`
	Summary     int64  `json:"summary"`
}

type unspentResponse struct {
	Address string `json:"address"`
	Unspent []struct {
		TxID     string `json:"txid"`
		Vout     uint32 `json:"vout"`
		Satoshis int64  `json:"satoshis"`
	} `json:"unspent"`
}

type broadcastResponse struct {
	TxID  string `json:"txid"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) Balance(ctx context.Context, address string) (int64, error) {
	var resp balanceResponse
	err := c.call(ctx, "balance", func(ctx context.Context) error {
		return c.getJSON(ctx, fmt.Sprintf("%s/address/%s/balance", c.cfg.BaseURL, address), &resp)
	})
	if errors.Is(err, chain.ErrTxNotFound) {
		// never-used addresses are unknown to the indexer
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return resp.Summary, nil
}

func (c *Client) Unspent(ctx context.Context, address string) ([]chain.UTXO, error) {
	var resp unspentResponse
	err := c.call(ctx, "unspent", func(ctx context.Context) error {
		return c.getJSON(ctx, fmt.Sprintf("%s/address/%s/unspent", c.cfg.BaseURL, address), &resp)
	})
	if errors.Is(err, chain.ErrTxNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	utxos := make([]chain.UTXO, 0, len(resp.Unspent))
	for _, u := range resp.Unspent {
		id, err := domain.ParseTxID(u.TxID)
		if err != nil {
			return nil, fmt.Errorf("unspent: %w: %v", apperrors.ErrIntegrity, err)
		}
		utxos = append(utxos, chain.UTXO{TxID: id, Vout: u.Vout, Satoshis: u.Satoshis})
	}
	return utxos, nil
}

// FetchTx downloads the raw bytes and checks they hash to id, so a
// misbehaving indexer cannot substitute another transaction.
func (c *Client) FetchTx(ctx context.Context, id domain.TxID) ([]byte, error) {
	var raw []byte
	err := c.call(ctx, "fetch tx", func(ctx context.Context) error {
		req, err := c.newRequest(ctx, http.MethodGet, fmt.Sprintf("%s/download/tx/%s", c.cfg.BaseURL, id), nil)
		if err != nil {
			return err
		}
		body, err := c.send(req)
		if err != nil {
			return err
		}
		raw = body
		return nil
	})
	if err != nil {
		return nil, err
	}
	if got := bsv.TxIDOf(raw); got != id {
		return nil, fmt.Errorf("fetch tx %s: %w: indexer returned tx %s", id, apperrors.ErrIntegrity, got)
	}
	return raw, nil
}

func (c *Client) FeeRate(context.Context) (float64, error) {
	return c.cfg.FeeRate, nil
}

// Broadcast submits raw to Bitails and, if that fails, to the fallback
// endpoint. The returned id is always the locally computed one.
func (c *Client) Broadcast(ctx context.Context, raw []byte) (domain.TxID, error) {
	id := bsv.TxIDOf(raw)
	rawHex := hex.EncodeToString(raw)

	primary := c.call(ctx, "broadcast", func(ctx context.Context) error {
		return c.broadcastBitails(ctx, id, rawHex)
	})
	if primary == nil {
		return id, nil
	}
	if c.cfg.FallbackURL == "" || ctx.Err() != nil {
		return domain.TxID{}, primary
	}

	log.WithField("txid", id).Warnf("Bitails broadcast failed, trying fallback: %v", primary)
	fallback := c.call(ctx, "fallback broadcast", func(ctx context.Context) error {
		return c.broadcastFallback(ctx, id, rawHex)
	})
	if fallback == nil {
		return id, nil
	}
	return domain.TxID{}, multierror.Append(primary, fallback)
}

func (c *Client) broadcastBitails(ctx context.Context, id domain.TxID, rawHex string) error {
	payload, _ := json.Marshal(map[string]string{"raw": rawHex})
	req, err := c.newRequest(ctx, http.MethodPost, c.cfg.BaseURL+"/tx/broadcast", payload)
	if err != nil {
		return err
	}
	body, err := c.send(req)
	if err != nil {
		if errors.Is(err, apperrors.ErrChainRejected) && alreadyKnown(err.Error()) {
			return nil
		}
		return err
	}

	var resp broadcastResponse
	if json.Unmarshal(body, &resp) == nil {
		if resp.Error != nil {
			if alreadyKnown(resp.Error.Message) {
				return nil
			}
			return chain.Rejected("broadcast", fmt.Sprintf("code %d: %s", resp.Error.Code, resp.Error.Message))
		}
		if resp.TxID != "" {
			return checkEcho(id, resp.TxID)
		}
	}
	return checkEcho(id, strings.Trim(strings.TrimSpace(string(body)), `"`))
}

func (c *Client) broadcastFallback(ctx context.Context, id domain.TxID, rawHex string) error {
	payload, _ := json.Marshal(map[string]string{"txhex": rawHex})
	req, err := c.newRequest(ctx, http.MethodPost, c.cfg.FallbackURL+"/tx/raw", payload)
	if err != nil {
		return err
	}
	// the fallback endpoint is public; never leak the Bitails key to it
	req.Header.Del("apikey")

	body, err := c.send(req)
	if err != nil {
		if errors.Is(err, apperrors.ErrChainRejected) && alreadyKnown(err.Error()) {
			return nil
		}
		return err
	}
	return checkEcho(id, strings.Trim(strings.TrimSpace(string(body)), `"`))
}

func checkEcho(want domain.TxID, echoed string) error {
	got, err := domain.ParseTxID(echoed)
	if err != nil {
		return chain.Rejected("broadcast", fmt.Sprintf("unexpected response %q", truncate(echoed, 200)))
	}
	if got != want {
		return fmt.Errorf("broadcast: %w: node reported txid %s, expected %s", apperrors.ErrIntegrity, got, want)
	}
	return nil
}

func alreadyKnown(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "already known") ||
		strings.Contains(msg, "txn-already-known") ||
		strings.Contains(msg, "already in the mempool")
}

// call runs fn under the rate limiter, circuit breaker, per-attempt timeout
// and retry policy.
func (c *Client) call(ctx context.Context, op string, fn func(context.Context) error) error {
	backoff := retry.WithMaxRetries(c.cfg.MaxRetries, retry.NewExponential(c.cfg.RetryBase))

	var permanent error
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		permanent = nil
		if err := c.limiter.Wait(ctx); err != nil {
			return chain.NetworkError(op, err)
		}

		_, err := c.breaker.Execute(func() (interface{}, error) {
			attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
			defer cancel()

			err := fn(attemptCtx)
			if err != nil && !apperrors.IsTransient(err) {
				// the remote answered; that is not a breaker failure
				permanent = err
				return nil, nil
			}
			return nil, err
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = chain.NetworkError(op, err)
		}
		if err != nil {
			log.WithField("op", op).Debugf("transient chain error, retrying: %v", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return permanent
}

func (c *Client) newRequest(ctx context.Context, method, url string, body []byte) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		return nil, apperrors.Validationf("failed to build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("apikey", c.cfg.APIKey)
	}
	return req, nil
}

// send performs req and maps the outcome onto the error taxonomy.
func (c *Client) send(req *http.Request) ([]byte, error) {
	op := req.Method + " " + req.URL.Path
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, chain.NetworkError(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTxDownload))
	if err != nil {
		return nil, chain.NetworkError(op, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", op, chain.ErrTxNotFound)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, chain.NetworkError(op, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(body), 200)))
	default:
		return nil, chain.Rejected(op, fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(string(body), 200)))
	}
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	body, err := c.send(req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w: %v", req.URL.Path, apperrors.ErrIntegrity, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
