package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/qrpair/pairing-server/internal/model"
)

const (
	redisSessionPrefix = "pairing:session:"
	redisIssuerPrefix  = "pairing:issuer:"
	redisCASRetries    = 8
	redisScanBatch     = 200
)

// redisSessionRecord is the stored JSON form. Unlike the model's API
// encoding it keeps the token hash and issuer.
type redisSessionRecord struct {
	ID          string               `json:"id"`
	TokenHash   string               `json:"tokenHash"`
	Kind        model.Kind           `json:"kind"`
	Context     model.SessionContext `json:"context"`
	Issuer      string               `json:"issuer"`
	Status      model.Status         `json:"status"`
	Subject     *model.Subject       `json:"subject,omitempty"`
	CreatedAt   time.Time            `json:"createdAt"`
	ExpiresAt   time.Time            `json:"expiresAt"`
	ActivatedAt *time.Time           `json:"activatedAt,omitempty"`
	ConsumedAt  *time.Time           `json:"consumedAt,omitempty"`
}

func encodeRedisSession(s *model.PairingSession) ([]byte, error) {
	return json.Marshal(redisSessionRecord{
		ID:          s.ID,
		TokenHash:   s.TokenHash,
		Kind:        s.Kind,
		Context:     s.Context,
		Issuer:      s.Issuer,
		Status:      s.Status,
		Subject:     s.Subject,
		CreatedAt:   s.CreatedAt,
		ExpiresAt:   s.ExpiresAt,
		ActivatedAt: s.ActivatedAt,
		ConsumedAt:  s.ConsumedAt,
	})
}

func decodeRedisSession(data []byte) (*model.PairingSession, error) {
	var rec redisSessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &model.PairingSession{
		ID:          rec.ID,
		TokenHash:   rec.TokenHash,
		Kind:        rec.Kind,
		Context:     rec.Context,
		Issuer:      rec.Issuer,
		Status:      rec.Status,
		Subject:     rec.Subject,
		CreatedAt:   rec.CreatedAt,
		ExpiresAt:   rec.ExpiresAt,
		ActivatedAt: rec.ActivatedAt,
		ConsumedAt:  rec.ConsumedAt,
	}, nil
}

func redisSessionKey(id string) string {
	return redisSessionPrefix + id
}

func redisIssuerKey(issuer string) string {
	return redisIssuerPrefix + issuer
}

type redisPairingRepo struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedisPairingRepository stores each session as one JSON value whose key
// lives until ExpiresAt+retention. Status swaps use WATCH/MULTI/EXEC, so a
// concurrent writer aborts the transaction instead of being overwritten.
func NewRedisPairingRepository(client *redis.Client, retention time.Duration) PairingSessionRepository {
	return &redisPairingRepo{client: client, retention: retention}
}

func (r *redisPairingRepo) keyTTL(s *model.PairingSession) time.Duration {
	ttl := time.Until(s.ExpiresAt) + r.retention
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

// putScript writes the session and its issuer index entry together. The
// index is written first so a failing ZADD leaves nothing behind; scripts
// are not rolled back on error.
//
// KEYS[1] = session key, KEYS[2] = issuer index key
// ARGV[1] = payload, ARGV[2] = ttl in ms, ARGV[3] = "1" to index,
// ARGV[4] = expiresAt in ms, ARGV[5] = session id
var putScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
if ARGV[3] == '1' then
	redis.call('ZADD', KEYS[2], ARGV[4], ARGV[5])
	redis.call('PEXPIRE', KEYS[2], ARGV[2])
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

func (r *redisPairingRepo) Put(ctx context.Context, session *model.PairingSession) error {
	data, err := encodeRedisSession(session)
	if err != nil {
		return err
	}

	index := "0"
	if session.Status == model.StatusPending && session.Issuer != "" {
		index = "1"
	}

	created, err := putScript.Run(ctx, r.client,
		[]string{redisSessionKey(session.ID), redisIssuerKey(session.Issuer)},
		data,
		r.keyTTL(session).Milliseconds(),
		index,
		session.ExpiresAt.UnixMilli(),
		session.ID,
	).Int()
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	if created == 0 {
		return ErrDuplicateSession
	}
	return nil
}

func (r *redisPairingRepo) Get(ctx context.Context, id string) (*model.PairingSession, error) {
	data, err := r.client.Get(ctx, redisSessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeRedisSession(data)
}

func (r *redisPairingRepo) CompareAndSwapStatus(
	ctx context.Context,
	id string,
	expected, next model.Status,
	mutate SessionMutator,
) (*model.PairingSession, error) {
	if err := checkTransition(expected, next); err != nil {
		return nil, err
	}

	key := redisSessionKey(id)
	var updated *model.PairingSession

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrSessionNotFound
		}
		if err != nil {
			return err
		}

		current, err := decodeRedisSession(data)
		if err != nil {
			return err
		}
		if current.Status != expected {
			return ErrStatusConflict
		}

		candidate := applyTransition(current, next, mutate)
		payload, err := encodeRedisSession(candidate)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SetArgs(ctx, key, payload, redis.SetArgs{KeepTTL: true})
			if expected == model.StatusPending && current.Issuer != "" {
				pipe.ZRem(ctx, redisIssuerKey(current.Issuer), id)
			}
			return nil
		})
		if err != nil {
			return err
		}
		updated = candidate
		return nil
	}

	// A failed EXEC means the key changed under us; re-read and re-check the
	// expected status instead of overwriting.
	for attempt := 0; attempt < redisCASRetries; attempt++ {
		err := r.client.Watch(ctx, txf, key)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, ErrStatusConflict
}

func (r *redisPairingRepo) CountPendingByIssuer(ctx context.Context, issuer string, now time.Time) (int, error) {
	n, err := r.client.ZCount(ctx, redisIssuerKey(issuer), strconv.FormatInt(now.UnixMilli(), 10), "+inf").Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// DeleteExpired prunes issuer indexes; the session keys themselves carry a
// TTL and are reclaimed by Redis.
func (r *redisPairingRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	var pruned int64
	max := "(" + strconv.FormatInt(before.UnixMilli(), 10)

	iter := r.client.Scan(ctx, 0, redisIssuerPrefix+"*", redisScanBatch).Iterator()
	for iter.Next(ctx) {
		n, err := r.client.ZRemRangeByScore(ctx, iter.Val(), "-inf", max).Result()
		if err != nil {
			return pruned, err
		}
		pruned += n
	}
	return pruned, iter.Err()
}

func (r *redisPairingRepo) CountByStatus(ctx context.Context) (map[model.Status]int, error) {
	counts := make(map[model.Status]int)

	var keys []string
	flush := func() error {
		if len(keys) == 0 {
			return nil
		}
		values, err := r.client.MGet(ctx, keys...).Result()
		if err != nil {
			return err
		}
		for i, v := range values {
			raw, ok := v.(string)
			if !ok {
				continue
			}
			s, err := decodeRedisSession([]byte(raw))
			if err != nil {
				log.Warn().Err(err).Str("key", keys[i]).Msg("skipping undecodable pairing session")
				continue
			}
			counts[s.Status]++
		}
		keys = keys[:0]
		return nil
	}

	iter := r.client.Scan(ctx, 0, redisSessionPrefix+"*", redisScanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) >= redisScanBatch {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return counts, nil
}
