package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/commercehub/checkout/internal/checkout"
	"github.com/commercehub/checkout/internal/config"
	"github.com/commercehub/checkout/internal/httpx"
	"github.com/commercehub/checkout/internal/inventory"
	kafkax "github.com/commercehub/checkout/internal/kafka"
	"github.com/commercehub/checkout/internal/orders"
	"github.com/commercehub/checkout/internal/postgres"
	"github.com/commercehub/checkout/internal/redisx"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka producer (notification sink)
	prod := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderCreated, 1024)
	prod.Start()

	// Service & handler
	svc := &checkout.Service{
		Products:    &inventory.Ledger{DB: db},
		Orders:      &orders.Store{DB: db},
		Producer:    prod,
		ServiceName: cfg.ServiceName,
	}
	router := httpx.NewRouter()
	oh := &httpx.OrdersHandler{Svc: svc, Redis: rdb}
	oh.Register(router)

	// HTTP server
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	// graceful shutdown
	go func() {
		log.Printf("HTTP listening at %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	// wait signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("shutting down...")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	prod.Close()      // tutup inbox -> flush & close writer
	prod.WaitClosed() // drain
}
