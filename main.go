package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"nexus-backend/internal/commands"
	"nexus-backend/internal/database"
	"nexus-backend/internal/fanout"
	"nexus-backend/internal/gateway"
	"nexus-backend/internal/handlers"
	"nexus-backend/internal/hub"
	"nexus-backend/internal/jwt"
	"nexus-backend/internal/keyValue"
	"nexus-backend/internal/models"
	"nexus-backend/internal/ratelimit"
	"nexus-backend/internal/snowflake"
	"nexus-backend/internal/state"
	"nexus-backend/internal/voice"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	_ "modernc.org/sqlite"
)

func setupLogger(cfg *models.ConfigFile) (*zap.SugaredLogger, error) {
	config := zap.NewProductionConfig()
	if cfg.LogToFile {
		config.OutputPaths = []string{"app.log", "stdout"}
	} else {
		config.OutputPaths = []string{"stdout"}
	}

	level := zapcore.InfoLevel
	if cfg.LogLevel != "" {
		parsed, err := zapcore.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		level = parsed
	}
	config.Level = zap.NewAtomicLevelAt(level)

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}

	return logger.Sugar(), nil
}

func readConfigFile() (*models.ConfigFile, error) {
	var cfg models.ConfigFile

	configFile, err := os.Open("config.json")
	if err != nil {
		return nil, err
	}
	defer configFile.Close()

	bytes, err := io.ReadAll(configFile)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(bytes, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setupRedis(cfg *models.ConfigFile) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddress,
		Password: cfg.RedisPassword,
		DB:       0,
	})

	err := rdb.Ping(context.Background()).Err()
	if err != nil {
		return nil, err
	}

	return rdb, nil
}

func rateRules(cfg *models.ConfigFile) map[string]ratelimit.Rule {
	rules := ratelimit.DefaultRules()
	if cfg.RateLimitSends > 0 && cfg.RateLimitWindow > 0 {
		rules[ratelimit.ActionSend] = ratelimit.Rule{
			Max:    cfg.RateLimitSends,
			Window: time.Duration(cfg.RateLimitWindow) * time.Second,
		}
	}
	return rules
}

func main() {
	fmt.Println("Reading config file...")
	cfg, err := readConfigFile()
	if err != nil {
		fmt.Println(err)
		return
	}

	fmt.Println("Setting up logger...")
	sugar, err := setupLogger(cfg)
	if err != nil {
		fmt.Println(err)
		return
	}

	fmt.Println("Connecting to database...")
	db, err := database.Setup(cfg, sugar)
	if err != nil {
		sugar.Fatal(err)
	}

	var redisClient *redis.Client
	if !cfg.SelfContained {
		fmt.Println("Connecting to redis...")
		redisClient, err = setupRedis(cfg)
		if err != nil {
			sugar.Fatal(err)
		}
	}

	err = snowflake.Setup(cfg.SnowflakeWorkerID)
	if err != nil {
		sugar.Fatal(err)
	}

	isHttps := (cfg.TlsCert != "" && cfg.TlsKey != "")

	jwt.Setup(cfg.JwtSecret, isHttps)
	keyValue.Setup(sugar, redisClient, cfg.SelfContained)
	hub.Setup(sugar, redisClient, cfg.SelfContained)

	fmt.Println("Hydrating state from database...")
	store := state.New(sugar)
	err = store.Hydrate(db)
	if err != nil {
		sugar.Fatal(err)
	}

	limiter := ratelimit.New(rateRules(cfg))
	limiter.StartSweeper(time.Minute, make(chan struct{}))

	dispatcher := commands.New(sugar, uint64(time.Now().UnixNano()))

	connected := func(sessionID int64) bool {
		_, ok := hub.GetClient(sessionID)
		return ok
	}
	coordinator := voice.New(sugar, gateway.Caster{}, connected)

	engine := fanout.New(sugar, store, limiter, dispatcher, db, gateway.Caster{})

	gw := gateway.New(sugar, cfg, store, db, engine, coordinator, limiter, dispatcher)
	gw.Register()

	var httpProtocol string
	if isHttps {
		httpProtocol = "https"
	} else {
		httpProtocol = "http"
	}

	fmt.Printf("Server is running on %s://%s:%s\n", httpProtocol, cfg.Address, cfg.Port)

	err = handlers.Setup(isHttps, cfg, sugar, db)
	if err != nil {
		sugar.Fatal(err)
	}
}
