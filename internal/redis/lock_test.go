package redisclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type fakeLockClient struct {
	held     bool
	setnxErr error

	setnxCalls   int
	releaseCalls int
}

func (f *fakeLockClient) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	f.setnxCalls++
	if f.setnxErr != nil {
		return redis.NewBoolResult(false, f.setnxErr)
	}
	return redis.NewBoolResult(!f.held, nil)
}

func (f *fakeLockClient) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	f.releaseCalls++
	return redis.NewCmdResult(int64(1), nil)
}

func (f *fakeLockClient) EvalSha(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	f.releaseCalls++
	return redis.NewCmdResult(int64(1), nil)
}

func (f *fakeLockClient) EvalRO(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	return redis.NewCmdResult(nil, errors.New("unexpected EvalRO"))
}

func (f *fakeLockClient) EvalShaRO(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	return redis.NewCmdResult(nil, errors.New("unexpected EvalShaRO"))
}

func (f *fakeLockClient) ScriptExists(ctx context.Context, hashes ...string) *redis.BoolSliceCmd {
	return redis.NewBoolSliceResult([]bool{true}, nil)
}

func (f *fakeLockClient) ScriptLoad(ctx context.Context, script string) *redis.StringCmd {
	return redis.NewStringResult("", nil)
}

func TestWithProviderLock_RunsAndReleases(t *testing.T) {
	client := &fakeLockClient{}
	locker := NewRedisProviderLocker(client, time.Second)

	ran := false
	err := locker.WithProviderLock(context.Background(), uuid.New(), func(ctx context.Context) error {
		ran = true
		if _, ok := ctx.Deadline(); !ok {
			t.Error("callback context has no deadline")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithProviderLock error: %v", err)
	}
	if !ran {
		t.Fatal("callback never ran")
	}
	if client.releaseCalls != 1 {
		t.Fatalf("release calls = %d, want 1", client.releaseCalls)
	}
}

func TestWithProviderLock_Contention(t *testing.T) {
	client := &fakeLockClient{held: true}
	locker := NewRedisProviderLocker(client, time.Second)

	err := locker.WithProviderLock(context.Background(), uuid.New(), func(ctx context.Context) error {
		t.Fatal("callback must not run while the lock is held")
		return nil
	})
	if !errors.Is(err, ErrLockNotAcquired) {
		t.Fatalf("err = %v, want ErrLockNotAcquired", err)
	}
}

func TestWithProviderLock_RedisDownStillRunsCallback(t *testing.T) {
	// Losing Redis loses only the fast-path; the database stays the
	// authority on overlaps, so the commit must go through.
	client := &fakeLockClient{setnxErr: errors.New("connection refused")}
	locker := NewRedisProviderLocker(client, time.Second)

	ran := false
	err := locker.WithProviderLock(context.Background(), uuid.New(), func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("WithProviderLock error: %v", err)
	}
	if !ran {
		t.Fatal("callback never ran")
	}
	if client.releaseCalls != 0 {
		t.Fatalf("released a lock that was never held (%d calls)", client.releaseCalls)
	}
}

func TestWithProviderLock_CallbackErrorPropagates(t *testing.T) {
	client := &fakeLockClient{}
	locker := NewRedisProviderLocker(client, time.Second)

	want := errors.New("insert failed")
	err := locker.WithProviderLock(context.Background(), uuid.New(), func(ctx context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("err = %v, want callback error", err)
	}
	if client.releaseCalls != 1 {
		t.Fatalf("release calls = %d, want 1", client.releaseCalls)
	}
}
