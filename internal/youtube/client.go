// Package youtube answers channel and live stream lookups from the YouTube
// Data API through the read-through cache. Responses are decoded by the API
// client and cached as its JSON encoding, so fields the client does not model
// are not kept. Callers receive the cached JSON as is.
package youtube

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/klpq/chat-auth-bridge/internal/cache"
	"github.com/klpq/chat-auth-bridge/internal/config"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"
)

const (
	ChannelsEndpoint = "channels"
	StreamsEndpoint  = "search"

	channelsTTL = 14 * 24 * time.Hour
	streamsTTL  = 15 * time.Minute
)

// Client looks up channels and live streams.
type Client struct {
	service  *yt.Service
	cache    *cache.ReadThrough
	channels cache.Policy
	streams  cache.Policy
}

// New creates a client. When httpClient is non-nil it carries all upstream
// requests; the API key is then attached by a wrapping transport, as the
// library ignores option.WithAPIKey for caller-supplied clients.
func New(ctx context.Context, cfg config.YoutubeConfig, readThrough *cache.ReadThrough, retryTTL time.Duration, httpClient *http.Client) (*Client, error) {
	opts := []option.ClientOption{}

	if httpClient != nil {
		keyed := *httpClient
		keyed.Transport = &apiKeyTransport{key: cfg.APIKey, wrapped: httpClient.Transport}
		opts = append(opts, option.WithHTTPClient(&keyed))
	} else {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}

	if cfg.BaseURL != "" {
		opts = append(opts, option.WithEndpoint(strings.TrimSuffix(cfg.BaseURL, "/")+"/"))
	}

	service, err := yt.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("youtube client could not be created: %w", err)
	}

	return &Client{
		service: service,
		cache:   readThrough,
		channels: cache.Policy{
			Endpoint:      ChannelsEndpoint,
			TTL:           channelsTTL,
			RetryTTL:      retryTTL,
			SurfaceErrors: true,
		},
		streams: cache.Policy{
			Endpoint: StreamsEndpoint,
			TTL:      streamsTTL,
			RetryTTL: retryTTL,
		},
	}, nil
}

// Channels resolves a channel name to the channels API response. Names
// starting with "@" are always looked up as handles. A nil result means
// nothing has ever been fetched for the name.
func (c *Client) Channels(ctx context.Context, name string, forHandle bool, ip string) (json.RawMessage, error) {
	if name == "" {
		return nil, nil
	}

	key := name
	if strings.HasPrefix(name, "@") {
		forHandle = true
	} else if forHandle {
		// handles resolve the same with or without the prefix
		key = "@" + name
	}

	return c.cache.Get(ctx, c.channels, key, ip, func(ctx context.Context) (json.RawMessage, error) {
		call := c.service.Channels.List([]string{"id"})
		if forHandle {
			call = call.ForHandle(key)
		} else {
			call = call.ForUsername(name)
		}

		resp, err := call.Context(ctx).Do()
		if err != nil {
			return nil, err
		}

		log.Ctx(ctx).Debug().Str("channel", key).Int("items", len(resp.Items)).Msg("youtube: channels fetched")

		return json.Marshal(resp)
	})
}

// Streams returns the live video search response for a channel id. Upstream
// failures are absorbed: the previous response, or nil, is returned.
func (c *Client) Streams(ctx context.Context, channelID string, ip string) (json.RawMessage, error) {
	if channelID == "" {
		return nil, nil
	}

	return c.cache.Get(ctx, c.streams, channelID, ip, func(ctx context.Context) (json.RawMessage, error) {
		resp, err := c.service.Search.List([]string{"snippet"}).
			ChannelId(channelID).
			Type("video").
			EventType("live").
			Context(ctx).
			Do()
		if err != nil {
			return nil, err
		}

		log.Ctx(ctx).Debug().Str("channelId", channelID).Int("items", len(resp.Items)).Msg("youtube: streams fetched")

		return json.Marshal(resp)
	})
}

type apiKeyTransport struct {
	key     string
	wrapped http.RoundTripper
}

func (t *apiKeyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	wrapped := t.wrapped
	if wrapped == nil {
		wrapped = http.DefaultTransport
	}

	if t.key == "" {
		return wrapped.RoundTrip(req)
	}

	// RoundTrippers must not modify the caller's request
	keyed := req.Clone(req.Context())
	q := keyed.URL.Query()
	q.Set("key", t.key)
	keyed.URL.RawQuery = q.Encode()

	return wrapped.RoundTrip(keyed)
}
