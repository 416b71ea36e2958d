// Package gateway asks the chat platform's REST API how many shards a bot
// should run. [Client] implements cluster.ShardCountFetcher.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/codewandler/shardvisor/core/cache"
	"github.com/codewandler/shardvisor/core/sf"
)

const (
	DefaultBaseURL        = "https://discord.com/api/v10"
	DefaultGuildsPerShard = 1000
	DefaultTimeout        = 10 * time.Second
	DefaultCacheTTL       = time.Minute
)

var (
	ErrNoToken      = errors.New("gateway: no token")
	ErrUnauthorized = errors.New("gateway: unauthorized")
)

type Options struct {
	Token   string
	BaseURL string
	// GuildsPerShard scales the recommendation, which assumes 1000 guilds
	// per shard. Smaller values yield more shards.
	GuildsPerShard int
	HTTPClient     *http.Client
	// CacheTTL is how long a response is reused. Zero uses
	// DefaultCacheTTL, a negative value disables caching.
	CacheTTL time.Duration
	Log      *slog.Logger
}

// SessionStartLimit is the identify budget reported with the
// recommendation.
type SessionStartLimit struct {
	Total          int `json:"total"`
	Remaining      int `json:"remaining"`
	ResetAfter     int `json:"reset_after"`
	MaxConcurrency int `json:"max_concurrency"`
}

// Bot is the body of GET /gateway/bot.
type Bot struct {
	URL               string            `json:"url"`
	Shards            int               `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}

type Client struct {
	token          string
	baseURL        string
	guildsPerShard int
	hc             *http.Client
	log            *slog.Logger
	flight         sf.Group[Bot]
	cache          cache.TypedCache[Bot]
}

func New(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.GuildsPerShard <= 0 {
		opts.GuildsPerShard = DefaultGuildsPerShard
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.CacheTTL == 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	var store cache.Cache = cache.NewNop()
	if opts.CacheTTL > 0 {
		store = cache.NewLRU(cache.LRUOpts{Size: 1, DefaultTTL: opts.CacheTTL})
	}
	return &Client{
		token:          strings.TrimPrefix(opts.Token, "Bot "),
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		guildsPerShard: opts.GuildsPerShard,
		hc:             opts.HTTPClient,
		log:            opts.Log.With(slog.String("component", "gateway")),
		cache:          cache.NewTyped[Bot](store),
	}
}

// RecommendedShards returns the platform's shard recommendation scaled by
// GuildsPerShard. Concurrent callers share one request.
func (c *Client) RecommendedShards(ctx context.Context) (int, error) {
	bot, err := c.Bot(ctx)
	if err != nil {
		return 0, err
	}
	n := scale(bot.Shards, c.guildsPerShard)
	c.log.Debug("recommended shards", slog.Int("platform", bot.Shards), slog.Int("scaled", n))
	return n, nil
}

func scale(shards, guildsPerShard int) int {
	n := int(math.Ceil(float64(shards) * DefaultGuildsPerShard / float64(guildsPerShard)))
	return max(n, 1)
}

// Bot fetches GET /gateway/bot, reusing a recent response.
func (c *Client) Bot(ctx context.Context) (Bot, error) {
	if c.token == "" {
		return Bot{}, ErrNoToken
	}
	const key = "gateway/bot"
	return cache.Load(ctx, c.cache, key, func(ctx context.Context) (Bot, error) {
		return c.flight.Do(ctx, key, c.fetch)
	})
}

// Invalidate drops the cached response.
func (c *Client) Invalidate() {
	c.cache.Delete("gateway/bot")
}

func (c *Client) fetch(ctx context.Context) (Bot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/gateway/bot", nil)
	if err != nil {
		return Bot{}, err
	}
	req.Header.Set("Authorization", "Bot "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return Bot{}, fmt.Errorf("gateway: request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return Bot{}, ErrUnauthorized
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Bot{}, fmt.Errorf("gateway: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var bot Bot
	if err := json.NewDecoder(resp.Body).Decode(&bot); err != nil {
		return Bot{}, fmt.Errorf("gateway: decode response: %w", err)
	}
	if bot.Shards < 1 {
		return Bot{}, fmt.Errorf("gateway: invalid shard count %d", bot.Shards)
	}
	return bot, nil
}
