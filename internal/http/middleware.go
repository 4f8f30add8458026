package http

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"hindsight/internal/config"
	"hindsight/internal/store"
)

// authMiddleware validates the Authorization: Bearer <key> header and
// attaches the resolved API key to the context as "apiKey".
func authMiddleware(cfg *config.Config, st *store.Store) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !cfg.Auth.Enabled {
			return c.Next()
		}

		rawAuth := c.Get("Authorization")
		if rawAuth == "" || !strings.HasPrefix(rawAuth, "Bearer ") {
			return c.Status(fiber.StatusUnauthorized).JSON(ErrorResponse{
				Success: false,
				Code:    "UNAUTHENTICATED",
				Error:   "Missing Authorization Bearer token",
			})
		}

		token := strings.TrimSpace(strings.TrimPrefix(rawAuth, "Bearer "))
		if token == "" || !strings.HasPrefix(token, "hs_") {
			return c.Status(fiber.StatusUnauthorized).JSON(ErrorResponse{
				Success: false,
				Code:    "UNAUTHENTICATED",
				Error:   "Invalid API key format",
			})
		}

		apiKey, err := st.GetAPIKeyByRawKey(c.Context(), token)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return c.Status(fiber.StatusUnauthorized).JSON(ErrorResponse{
					Success: false,
					Code:    "UNAUTHENTICATED",
					Error:   "Invalid or revoked API key",
				})
			}
			return internalError(c, fmt.Errorf("API key lookup failed: %w", err))
		}

		c.Locals("apiKey", apiKey)
		return c.Next()
	}
}

// rateLimitMiddleware enforces a per-minute fixed-window rate limit per API
// key using Redis.
func rateLimitMiddleware(cfg *config.Config, rdb *redis.Client) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !cfg.Auth.Enabled || cfg.RateLimit.DefaultPerMinute <= 0 {
			return c.Next()
		}

		apiKey, ok := c.Locals("apiKey").(*store.APIKey)
		if !ok {
			// Auth should have failed already when the key is missing.
			return c.Status(fiber.StatusUnauthorized).JSON(ErrorResponse{
				Success: false,
				Code:    "UNAUTHENTICATED",
				Error:   "API key not found in context",
			})
		}

		limit := cfg.RateLimit.DefaultPerMinute

		now := time.Now().UTC()
		window := now.Format("200601021504") // YYYYMMDDHHMM minute window
		key := fmt.Sprintf("hindsight:rl:%s:%s", apiKey.ID.String(), window)

		ctx := c.Context()
		count, err := rdb.Incr(ctx, key).Result()
		if err != nil {
			return internalError(c, fmt.Errorf("rate limit increment failed: %w", err))
		}
		if count == 1 {
			// First hit in this window; set TTL.
			_ = rdb.Expire(ctx, key, time.Minute)
		}

		if count > int64(limit) {
			return c.Status(fiber.StatusTooManyRequests).JSON(ErrorResponse{
				Success: false,
				Code:    "RATE_LIMIT_EXCEEDED",
				Error:   "Rate limit exceeded, try again later",
			})
		}

		return c.Next()
	}
}
