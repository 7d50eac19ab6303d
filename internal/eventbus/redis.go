package eventbus

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient creates a Redis client from a redis:// or rediss:// URL.
// The literal value "inline" (or an empty URL) means no broker.
func NewRedisClient(rawURL string) (redis.UniversalClient, error) {
	if rawURL == "" || rawURL == "inline" {
		return nil, nil
	}

	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	var password, username string
	if parsedURL.User != nil {
		username = parsedURL.User.Username()
		if p, ok := parsedURL.User.Password(); ok {
			password = p
		}
	}

	db := 0
	if parsedURL.Path != "" && parsedURL.Path != "/" {
		if d, err := strconv.Atoi(parsedURL.Path[1:]); err == nil {
			db = d
		}
	}

	opts := &redis.Options{
		Addr:     parsedURL.Host,
		Username: username,
		Password: password,
		DB:       db,
	}
	return redis.NewClient(opts), nil
}
