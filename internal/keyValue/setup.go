package keyValue

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type value struct {
	data    string
	expires time.Time
}

var mutex sync.RWMutex
var hashmap = make(map[string]value)

var sugar *zap.SugaredLogger
var redisClient *redis.Client
var redisCtx = context.Background()
var selfContained = true

func Setup(_sugar *zap.SugaredLogger, _redisClient *redis.Client, _selfContained bool) {
	sugar = _sugar
	redisClient = _redisClient
	selfContained = _selfContained

	if selfContained {
		go checkForLocalExpiredKeys()
	}
}

func checkForLocalExpiredKeys() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		mutex.Lock()
		for key, v := range hashmap {
			if !v.expires.IsZero() && v.expires.Before(time.Now()) {
				delete(hashmap, key)
			}
		}
		mutex.Unlock()
	}
}

func Get(key string) (string, error) {
	if selfContained {
		mutex.RLock()
		defer mutex.RUnlock()

		return hashmap[key].data, nil
	}

	data, err := redisClient.Get(redisCtx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	} else if err != nil {
		return "", err
	}

	return data, nil
}

// GetDel reads and removes a key in one step, the one-shot ticket
// pattern: a second reader always sees it gone.
func GetDel(key string) (string, error) {
	if selfContained {
		mutex.Lock()
		defer mutex.Unlock()

		data := hashmap[key].data
		delete(hashmap, key)

		return data, nil
	}

	data, err := redisClient.GetDel(redisCtx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	} else if err != nil {
		return "", err
	}

	return data, nil
}

func Set(key string, data string, expires time.Duration) error {
	sugar.Debugf("Setting key [%s]", key)

	if selfContained {
		mutex.Lock()
		defer mutex.Unlock()

		var deadline time.Time
		if expires > 0 {
			deadline = time.Now().Add(expires)
		}
		hashmap[key] = value{data, deadline}

		return nil
	}

	_, err := redisClient.Set(redisCtx, key, data, expires).Result()
	return err
}

// Incr bumps a numeric counter and returns the new count. Invite use
// counting goes through here so concurrent redemptions can't both win
// the last slot.
func Incr(key string) (int64, error) {
	if selfContained {
		mutex.Lock()
		defer mutex.Unlock()

		count, _ := strconv.ParseInt(hashmap[key].data, 10, 64)
		count++
		existing := hashmap[key]
		hashmap[key] = value{strconv.FormatInt(count, 10), existing.expires}

		return count, nil
	}

	return redisClient.Incr(redisCtx, key).Result()
}
