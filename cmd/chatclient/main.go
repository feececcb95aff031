package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqui/chat-client/internal/binding"
	"github.com/loqui/chat-client/internal/chatlist"
	"github.com/loqui/chat-client/internal/config"
	"github.com/loqui/chat-client/internal/connection"
	"github.com/loqui/chat-client/internal/metrics"
	"github.com/loqui/chat-client/internal/notify"
	"github.com/loqui/chat-client/internal/store"
	"github.com/loqui/chat-client/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	log.Printf("Loqui chat sync core starting")
	log.Printf("  transport:        %s", cfg.Transport)
	log.Printf("  server_url:       %s", cfg.ServerURL)
	log.Printf("  nats_url:         %s", cfg.NATSURL)
	log.Printf("  redis_addr:       %s", cfg.RedisAddr)
	log.Printf("  metrics_addr:     %s", cfg.MetricsAddr)
	log.Printf("  reconnect:        %s x%d", cfg.ReconnectDelay, cfg.ReconnectAttempts)
	log.Printf("  settle_delay:     %s", cfg.SettleDelay)
	log.Printf("  typing_debounce:  %s", cfg.TypingDebounce)

	// --- Client state store ---
	var kv store.KV
	if cfg.RedisAddr != "" {
		redisKV, err := store.NewRedis(cfg.RedisAddr)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		kv = redisKV
	} else {
		log.Printf("no REDIS_ADDR set, using in-memory state store")
		kv = store.NewMemory()
	}

	// --- Transport ---
	factory := transportFactory(cfg, kv)

	// --- Metrics ---
	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Printf("metrics endpoint error: %v", err)
			}
		}()
	}

	adapter := binding.NewAdapter(kv, factory, binding.Options{
		Connection: connection.Config{
			ReconnectDelay:    cfg.ReconnectDelay,
			ReconnectAttempts: cfg.ReconnectAttempts,
			SettleDelay:       cfg.SettleDelay,
		},
		TypingDebounce: cfg.TypingDebounce,
	})

	adapter.SetCallbacks(binding.Callbacks{
		OnChats: func(chats []chatlist.Chat) {
			log.Printf("chat list updated: %d conversations", len(chats))
		},
		OnNotifications: func(items []notify.Notification) {
			unread := 0
			for _, n := range items {
				if !n.Read {
					unread++
				}
			}
			log.Printf("notifications updated: %d total, %d unread", len(items), unread)
		},
		OnState: func(s connection.State, err error) {
			if err != nil {
				log.Printf("connection state: %s (%v)", s, err)
				return
			}
			log.Printf("connection state: %s", s)
		},
		OnError: func(err error) {
			log.Printf("command failed: %v", err)
		},
	})

	adapter.Connect()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	adapter.Close()
	if err := kv.Close(); err != nil {
		log.Printf("state store close error: %v", err)
	}
}

// transportFactory builds one fresh transport per connection attempt.
func transportFactory(cfg config.Config, kv store.KV) connection.Factory {
	if cfg.Transport == config.TransportNATS {
		return func() transport.Transport {
			natsCfg := transport.DefaultNATSConfig()
			natsCfg.URL = cfg.NATSURL

			// The push subscription is per-user, so resolve the identity at
			// dial time; it may have changed since the last attempt.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			creds, _, _ := store.LoadCredentials(ctx, kv)
			cancel()
			natsCfg.UserID = creds.UserID

			return transport.NewNATS(natsCfg)
		}
	}
	return func() transport.Transport {
		return transport.NewWS(transport.WSConfig{
			URL:               cfg.ServerURL,
			DialTimeout:       cfg.DialTimeout,
			HeartbeatInterval: cfg.HeartbeatInterval,
		})
	}
}
