package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ReindexLock 基于 Redis SETNX 实现 (知识库, 文件) 粒度的重建互斥锁，
// 防止同一文件的重建任务并发执行。
type ReindexLock struct {
	redisClient *redis.Client
	ttl         time.Duration
}

// NewReindexLock 创建一个新的 ReindexLock 实例。
func NewReindexLock(redisClient *redis.Client) *ReindexLock {
	return &ReindexLock{redisClient: redisClient, ttl: 10 * time.Minute}
}

func lockKey(kbID, fileID uint) string {
	return fmt.Sprintf("reindex:lock:%d:%d", kbID, fileID)
}

// Acquire 尝试获取锁，返回是否成功。锁带 TTL，持有者崩溃后自动释放。
func (l *ReindexLock) Acquire(ctx context.Context, kbID, fileID uint) (bool, error) {
	ok, err := l.redisClient.SetNX(ctx, lockKey(kbID, fileID), 1, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire reindex lock: %w", err)
	}
	return ok, nil
}

// Release 释放锁。
func (l *ReindexLock) Release(ctx context.Context, kbID, fileID uint) error {
	return l.redisClient.Del(ctx, lockKey(kbID, fileID)).Err()
}
