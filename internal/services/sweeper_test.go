package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSweepOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("RunsWhenLockAcquired", func(t *testing.T) {
		f := newFixture()
		f.repo.expireCount = 2
		sweeper := NewSweeper(f.svc, f.rdb, time.Hour)

		sweeper.SweepOnce(ctx)
		assert.Equal(t, 1, f.repo.expireCalls)
	})

	t.Run("SkipsWhenLockHeld", func(t *testing.T) {
		f := newFixture()
		f.rdb.setNXOK = false
		sweeper := NewSweeper(f.svc, f.rdb, time.Hour)

		sweeper.SweepOnce(ctx)
		assert.Equal(t, 0, f.repo.expireCalls)
	})

	t.Run("SweepsAnywayOnLockError", func(t *testing.T) {
		f := newFixture()
		f.rdb.setNXErr = fmt.Errorf("redis down")
		sweeper := NewSweeper(f.svc, f.rdb, time.Hour)

		sweeper.SweepOnce(ctx)
		assert.Equal(t, 1, f.repo.expireCalls)
	})
}
