package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chatsupport/relay/internal/chat"
	"github.com/chatsupport/relay/internal/config"
	"github.com/chatsupport/relay/internal/db"
	"github.com/chatsupport/relay/internal/httpapi"
	"github.com/chatsupport/relay/internal/httpapi/handlers"
	"github.com/chatsupport/relay/internal/hub"
	"github.com/chatsupport/relay/internal/store/rabbitmq"
	"github.com/chatsupport/relay/internal/store/redisstore"
	"github.com/chatsupport/relay/internal/ws"
)

func main() {
	cfg := config.Load()

	gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	repo := chat.NewRepo(gdb)

	h := hub.New()
	relay := hub.NewRelay(h)
	responder := chat.NewAutoResponder(repo, relay, nil, cfg.AutoReplyDelay)

	// Queue probe. An unreachable broker at startup means direct synchronous
	// processing for the lifetime of the process, never a per-request retry.
	var queue chat.Queue
	var consumer *rabbitmq.Consumer
	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Printf("queue unavailable, falling back to direct processing err=%v", err)
	} else {
		consumer, err = rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitQueue, cfg.WorkerConcurrency, cfg.RabbitRetryMax)
		if err != nil {
			log.Printf("queue consumer setup failed, falling back to direct processing err=%v", err)
			_ = pub.Close()
		} else {
			queue = pub
		}
	}

	svc := chat.NewService(repo, relay, queue, responder)

	// Redis presence is best-effort; run without it when unreachable.
	var tracker *redisstore.Tracker
	if cfg.RedisAddr != "" {
		tr := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		pctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := tr.Ping(pctx); err != nil {
			log.Printf("redis unavailable, presence tracking disabled err=%v", err)
			_ = tr.Close()
		} else {
			tracker = tr
		}
		cancel()
	}

	var presence ws.Presence
	if tracker != nil {
		presence = tracker
	}
	realtime := ws.NewServer(h, repo, svc, presence, cfg.HistoryLimit, cfg.CORSOrigin)
	handler := handlers.NewHandler(gdb, repo, tracker)
	router := httpapi.NewRouter(cfg, handler, realtime)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	consumerDone := make(chan struct{})
	if consumer != nil {
		go func() {
			defer close(consumerDone)
			if err := consumer.Run(ctx, svc.Process); err != nil {
				log.Printf("queue consumer stopped err=%v", err)
			}
		}()
	} else {
		close(consumerDone)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Printf("server listening port=%s queued=%v", cfg.Port, svc.Queued())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutdown signal received")

	shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shCtx); err != nil {
		log.Printf("http shutdown err=%v", err)
	}

	<-consumerDone
	svc.Wait()

	if consumer != nil {
		_ = consumer.Close()
	}
	if pub != nil && queue != nil {
		_ = pub.Close()
	}
	if tracker != nil {
		_ = tracker.Close()
	}

	log.Printf("server stopped")
}
