package app

import (
	"context"
	"fmt"
	"log"

	"github.com/petervdpas/tutorcall/internal/config"
	"github.com/petervdpas/tutorcall/internal/store"
	"github.com/petervdpas/tutorcall/internal/store/mongostore"
	"github.com/petervdpas/tutorcall/internal/store/redisstore"
	"github.com/petervdpas/tutorcall/internal/store/sqlitestore"
	"github.com/petervdpas/tutorcall/internal/util"
)

// openStore connects the backend named by cfg.Store.Driver. Relative
// SQLite paths resolve against peerDir.
func openStore(ctx context.Context, peerDir string, cfg config.Config) (*store.Store, error) {
	var (
		b   store.Backend
		err error
	)
	switch cfg.Store.Driver {
	case "memory":
		b = store.NewMemory()
		log.Printf("STORE: in-memory (single process only)")
	case "sqlite":
		path := util.ResolvePath(peerDir, cfg.Store.SQLitePath)
		b, err = sqlitestore.Open(path)
		if err == nil {
			log.Printf("STORE: sqlite %s", path)
		}
	case "mongo":
		b, err = mongostore.Open(ctx, cfg.Store.MongoURI, cfg.Store.MongoDatabase, mongostore.Options{
			Grace: cfg.Call.EndedGrace(),
		})
		if err == nil {
			log.Printf("STORE: mongo database %s", cfg.Store.MongoDatabase)
		}
	case "redis":
		b, err = redisstore.Open(ctx, redisstore.Config{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
			Prefix:   cfg.Store.RedisPrefix,
			Grace:    cfg.Call.EndedGrace(),
		})
		if err == nil {
			log.Printf("STORE: redis %s (db %d)", cfg.Store.RedisAddr, cfg.Store.RedisDB)
		}
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	return store.New(b, store.WithPollInterval(cfg.Store.PollInterval())), nil
}
