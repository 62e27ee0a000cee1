package repository

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/amirk1998/classroom-access/internal/models"
	"github.com/amirk1998/classroom-access/pkg/errors"
)

const (
	sessionKeyPrefix     = "access:session:"
	userSessionKeyPrefix = "access:user_sessions:"
)

// RedisSessionStore keeps sessions in Redis hashes. Keys outlive ExpiresAt by
// retention so that a late lookup still reports the session as expired
// rather than unknown.
type RedisSessionStore struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedisSessionStore creates a session store backed by Redis hashes.
func NewRedisSessionStore(client *redis.Client, retention time.Duration) *RedisSessionStore {
	if retention <= 0 {
		retention = time.Hour
	}
	return &RedisSessionStore{client: client, retention: retention}
}

func (s *RedisSessionStore) Create(ctx context.Context, sess *models.Session) error {
	key := sessionKeyPrefix + sess.TokenHash
	userKey := userSessionKeyPrefix + sess.UserID
	expireAt := sess.ExpiresAt.Add(s.retention)

	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key,
			"user_id", sess.UserID,
			"issued_at", sess.IssuedAt.UnixNano(),
			"expires_at", sess.ExpiresAt.UnixNano(),
			"revoked", boolField(sess.Revoked),
		)
		p.ExpireAt(ctx, key, expireAt)
		p.SAdd(ctx, userKey, sess.TokenHash)
		p.ExpireAt(ctx, userKey, expireAt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *RedisSessionStore) Get(ctx context.Context, tokenHash string) (*models.Session, error) {
	data, err := s.client.HGetAll(ctx, sessionKeyPrefix+tokenHash).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.ErrRecordNotFound
	}

	issued, err := strconv.ParseInt(data["issued_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt session issued_at: %w", err)
	}
	expires, err := strconv.ParseInt(data["expires_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt session expires_at: %w", err)
	}

	return &models.Session{
		TokenHash: tokenHash,
		UserID:    data["user_id"],
		IssuedAt:  time.Unix(0, issued),
		ExpiresAt: time.Unix(0, expires),
		Revoked:   data["revoked"] == "1",
	}, nil
}

// Revoke marks a session revoked. Unknown sessions are ignored.
func (s *RedisSessionStore) Revoke(ctx context.Context, tokenHash string) error {
	key := sessionKeyPrefix + tokenHash

	// HSETXX semantics: only touch the hash when it still exists.
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil || n == 0 {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key, "revoked", "1")
			return nil
		})
		return err
	}, key)
	if err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}

// RevokeUser revokes all live sessions of userID except keepHash.
func (s *RedisSessionStore) RevokeUser(ctx context.Context, userID, keepHash string) (int, error) {
	hashes, err := s.client.SMembers(ctx, userSessionKeyPrefix+userID).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list user sessions: %w", err)
	}

	revoked := 0
	for _, h := range hashes {
		if h == keepHash {
			continue
		}
		sess, err := s.Get(ctx, h)
		if err == errors.ErrRecordNotFound {
			s.client.SRem(ctx, userSessionKeyPrefix+userID, h)
			continue
		}
		if err != nil {
			return revoked, err
		}
		if sess.Revoked {
			continue
		}
		if err := s.Revoke(ctx, h); err != nil {
			return revoked, err
		}
		revoked++
	}
	return revoked, nil
}

// DeleteExpired removes sessions whose expiry is at or before now. Redis
// expires keys on its own after the retention window; this makes the sweep
// observable at the same moment as the SQL store.
func (s *RedisSessionStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	deleted := 0
	iter := s.client.Scan(ctx, 0, sessionKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := s.client.HGet(ctx, key, "expires_at").Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return deleted, fmt.Errorf("failed to read session expiry: %w", err)
		}
		expires, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || expires > now.UnixNano() {
			continue
		}

		userID, _ := s.client.HGet(ctx, key, "user_id").Result()
		_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, key)
			if userID != "" {
				p.SRem(ctx, userSessionKeyPrefix+userID, key[len(sessionKeyPrefix):])
			}
			return nil
		})
		if err != nil {
			return deleted, fmt.Errorf("failed to delete expired session: %w", err)
		}
		deleted++
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("failed to scan sessions: %w", err)
	}
	return deleted, nil
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
