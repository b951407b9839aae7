package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const pingTimeout = 5 * time.Second

type Client struct {
	*redis.Client
}

func NewClient(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{client}, nil
}

func (c *Client) Close() error {
	return c.Client.Close()
}

// ActivationChannel is the pub/sub channel announcing that a session was
// activated.
func ActivationChannel(sessionID string) string {
	return fmt.Sprintf("pairing:activated:%s", sessionID)
}

// IssueRateLimitKey scopes the issue rate limit to one client.
func IssueRateLimitKey(clientIP string) string {
	return fmt.Sprintf("issue:%s", clientIP)
}
