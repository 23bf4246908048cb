package cache

import (
	"fmt"
	"time"

	"github.com/letsconnect/flowkit/model"
	c "github.com/patrickmn/go-cache"
)

// RunStateCache remembers recently observed run states so duplicate wake
// deliveries for terminal runs can be dropped without a storage read.
type RunStateCache struct {
	cache *c.Cache
}

func NewRunStateCache() *RunStateCache {
	return &RunStateCache{
		cache: c.New(1*time.Hour, 10*time.Minute),
	}
}

func (ch *RunStateCache) SaveRunState(runId string, status model.RunStatus) {
	ch.cache.Set(runId, string(status), c.DefaultExpiration)
}

func (ch *RunStateCache) GetRunState(runId string) (model.RunStatus, bool) {
	statusStr, found := ch.cache.Get(runId)
	if found {
		return model.RunStatus(fmt.Sprintf("%v", statusStr)), true
	}
	return model.RunStatus(""), false
}
