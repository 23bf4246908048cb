package redis

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"time"

	rd "github.com/go-redis/redis/v9"
	"github.com/letsconnect/flowkit/logger"
	"github.com/letsconnect/flowkit/model"
	"github.com/letsconnect/flowkit/persistence"
	"github.com/letsconnect/flowkit/util"
	"go.uber.org/zap"
)

const RUN_KEY string = "RUN"
const WAKE_KEY string = "WAKE"
const CRON_KEY string = "CRON"

var _ persistence.Storage = new(redisStorage)

// redisStorage persists runs on a hash, pending wakes on a sorted set scored
// by wake time and cron marks on a hash. Mutations to one run are serialized
// by the engine's per-run lock; redis gives atomicity per command.
type redisStorage struct {
	*baseDao
	encoderDecoder util.EncoderDecoder[model.Run]
}

func NewRedisStorage(conf Config) *redisStorage {
	return &redisStorage{
		baseDao:        newBaseDao(conf),
		encoderDecoder: util.NewJsonEncoderDecoder[model.Run](),
	}
}

func (r *redisStorage) GetOrCreate(run *model.Run) (*model.Run, bool, error) {
	key := r.getNamespaceKey(RUN_KEY)
	ctx := context.Background()
	now := time.Now()
	run.CreatedAt = now
	run.UpdatedAt = now
	data, err := r.encoderDecoder.Encode(*run)
	if err != nil {
		return nil, false, err
	}
	created, err := r.redisClient.HSetNX(ctx, key, run.Id, string(data)).Result()
	if err != nil {
		logger.Error("error creating run", zap.String("runId", run.Id), zap.Error(err))
		return nil, false, persistence.StorageLayerError{Message: err.Error()}
	}
	if created {
		return run, true, nil
	}
	existing, err := r.Get(run.Id)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *redisStorage) Get(runId string) (*model.Run, error) {
	key := r.getNamespaceKey(RUN_KEY)
	ctx := context.Background()
	runStr, err := r.redisClient.HGet(ctx, key, runId).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, persistence.RunNotFoundError{RunId: runId}
		}
		logger.Error("error in getting run", zap.String("runId", runId), zap.Error(err))
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return r.encoderDecoder.Decode([]byte(runStr))
}

func (r *redisStorage) save(run *model.Run) error {
	key := r.getNamespaceKey(RUN_KEY)
	ctx := context.Background()
	run.UpdatedAt = time.Now()
	data, err := r.encoderDecoder.Encode(*run)
	if err != nil {
		return err
	}
	if err := r.redisClient.HSet(ctx, key, []string{run.Id, string(data)}).Err(); err != nil {
		logger.Error("error in saving run", zap.String("runId", run.Id), zap.Error(err))
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (r *redisStorage) RecordStepResult(runId string, memo model.StepMemo, cursor int) error {
	run, err := r.Get(runId)
	if err != nil {
		return err
	}
	if existing, ok := run.Memos[memo.StepName]; ok {
		if !sameMemo(existing, memo) {
			return persistence.StepAlreadyRecordedError{RunId: runId, StepName: memo.StepName}
		}
		return nil
	}
	memo.RecordedAt = time.Now()
	if run.Memos == nil {
		run.Memos = make(map[string]model.StepMemo)
	}
	run.Memos[memo.StepName] = memo
	if cursor > run.Cursor {
		run.Cursor = cursor
	}
	return r.save(run)
}

func sameMemo(a, b model.StepMemo) bool {
	if !bytes.Equal(a.Result, b.Result) {
		return false
	}
	if (a.WakeAt == nil) != (b.WakeAt == nil) {
		return false
	}
	if a.WakeAt != nil && !a.WakeAt.Equal(*b.WakeAt) {
		return false
	}
	return true
}

func (r *redisStorage) SetRunning(runId string) error {
	return r.transition(runId, func(run *model.Run) {
		run.Status = model.RUN_STATUS_RUNNING
		run.WakeAt = nil
	})
}

func (r *redisStorage) SetSleeping(runId string, wakeAt time.Time) error {
	return r.transition(runId, func(run *model.Run) {
		run.Status = model.RUN_STATUS_SLEEPING
		run.WakeAt = &wakeAt
	})
}

func (r *redisStorage) SetCompleted(runId string) error {
	return r.transition(runId, func(run *model.Run) {
		run.Status = model.RUN_STATUS_COMPLETED
		run.WakeAt = nil
	})
}

func (r *redisStorage) SetFailed(runId string, reason string) error {
	return r.transition(runId, func(run *model.Run) {
		run.Status = model.RUN_STATUS_FAILED
		run.Error = reason
		run.WakeAt = nil
	})
}

func (r *redisStorage) transition(runId string, fn func(*model.Run)) error {
	run, err := r.Get(runId)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}
	fn(run)
	return r.save(run)
}

func (r *redisStorage) Push(runId string, wakeAt time.Time) error {
	key := r.getNamespaceKey(WAKE_KEY)
	ctx := context.Background()
	member := rd.Z{
		Score:  float64(wakeAt.UnixMilli()),
		Member: runId,
	}
	err := r.redisClient.ZAdd(ctx, key, member).Err()
	if err != nil {
		logger.Error("error while push to wake queue", zap.String("runId", runId), zap.Error(err))
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (r *redisStorage) PollDue(now time.Time) ([]persistence.Wake, error) {
	key := r.getNamespaceKey(WAKE_KEY)
	ctx := context.Background()
	opt := &rd.ZRangeBy{
		Min: "0",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}
	res, err := r.redisClient.ZRangeByScoreWithScores(ctx, key, opt).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return []persistence.Wake{}, nil
		}
		logger.Error("error while polling wake queue", zap.Error(err))
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	wakes := make([]persistence.Wake, 0, len(res))
	for _, z := range res {
		runId, ok := z.Member.(string)
		if !ok {
			continue
		}
		wakes = append(wakes, persistence.Wake{RunId: runId, WakeAt: time.UnixMilli(int64(z.Score))})
	}
	return wakes, nil
}

func (r *redisStorage) Remove(wake persistence.Wake) error {
	key := r.getNamespaceKey(WAKE_KEY)
	ctx := context.Background()
	score, err := r.redisClient.ZScore(ctx, key, wake.RunId).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil
		}
		return persistence.StorageLayerError{Message: err.Error()}
	}
	// a newer wake for the same run has a different score; keep it
	if int64(score) != wake.WakeAt.UnixMilli() {
		return nil
	}
	if err := r.redisClient.ZRem(ctx, key, wake.RunId).Err(); err != nil {
		logger.Error("error removing delivered wake", zap.String("runId", wake.RunId), zap.Error(err))
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (r *redisStorage) GetMark(functionId string) (time.Time, bool, error) {
	key := r.getNamespaceKey(CRON_KEY)
	ctx := context.Background()
	markStr, err := r.redisClient.HGet(ctx, key, functionId).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, persistence.StorageLayerError{Message: err.Error()}
	}
	mark, err := time.Parse(time.RFC3339Nano, markStr)
	if err != nil {
		return time.Time{}, false, err
	}
	return mark, true, nil
}

func (r *redisStorage) SetMark(functionId string, t time.Time) error {
	key := r.getNamespaceKey(CRON_KEY)
	ctx := context.Background()
	err := r.redisClient.HSet(ctx, key, []string{functionId, t.Format(time.RFC3339Nano)}).Err()
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}
