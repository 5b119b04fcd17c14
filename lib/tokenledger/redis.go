// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package tokenledger

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// burnScript decrements a balance only if it covers the amount.
// KEYS[1] = balances hash
// ARGV[1] = token symbol
// ARGV[2] = amount
var burnScript = redis.NewScript(`
local current = tonumber(redis.call("HGET", KEYS[1], ARGV[1]) or "0")
local amount = tonumber(ARGV[2])
if current < amount then
    return redis.error_reply("insufficient balance")
end
return redis.call("HINCRBYFLOAT", KEYS[1], ARGV[1], -amount)
`)

// Redis is a Ledger keeping balances in one Redis hash, field per
// symbol.
type Redis struct {
	client redis.UniversalClient
	key    string
}

// NewRedis returns a Ledger on the hash at key.
func NewRedis(client redis.UniversalClient, key string) *Redis {
	return &Redis{client: client, key: key}
}

// RedisOptions connects a standalone Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// DialRedis returns a Redis ledger with its own client. Close the
// client through Close.
func DialRedis(options RedisOptions) *Redis {
	key := options.Key
	if key == "" {
		key = "lynxify:balances"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     options.Addr,
		Password: options.Password,
		DB:       options.DB,
	})
	return NewRedis(client, key)
}

// Ping checks the connection.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("tokenledger: ping redis: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Balances(ctx context.Context) (map[string]float64, error) {
	fields, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("tokenledger: balances: %w", err)
	}
	balances := make(map[string]float64, len(fields))
	for symbol, value := range fields {
		amount, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("tokenledger: balances: %s has non-numeric balance %q", symbol, value)
		}
		balances[symbol] = amount
	}
	return balances, nil
}

func (r *Redis) Mint(ctx context.Context, symbol string, amount float64) error {
	if err := checkAmount(symbol, amount); err != nil {
		return err
	}
	if err := r.client.HIncrByFloat(ctx, r.key, symbol, amount).Err(); err != nil {
		return fmt.Errorf("tokenledger: mint %v %s: %w", amount, symbol, err)
	}
	return nil
}

func (r *Redis) Burn(ctx context.Context, symbol string, amount float64) error {
	if err := checkAmount(symbol, amount); err != nil {
		return err
	}
	err := burnScript.Run(ctx, r.client, []string{r.key}, symbol, amount).Err()
	if err != nil {
		if strings.Contains(err.Error(), "insufficient balance") {
			return fmt.Errorf("tokenledger: burn %v %s: %w", amount, symbol, ErrInsufficientBalance)
		}
		return fmt.Errorf("tokenledger: burn %v %s: %w", amount, symbol, err)
	}
	return nil
}

// Set overwrites balances, for seeding a deployment.
func (r *Redis) Set(ctx context.Context, balances map[string]float64) error {
	if len(balances) == 0 {
		return nil
	}
	values := make([]any, 0, 2*len(balances))
	for symbol, amount := range balances {
		values = append(values, symbol, amount)
	}
	if err := r.client.HSet(ctx, r.key, values...).Err(); err != nil {
		return fmt.Errorf("tokenledger: set balances: %w", err)
	}
	return nil
}
