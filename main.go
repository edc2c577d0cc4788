package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/foresightd/foresight/activitypub"
	"github.com/foresightd/foresight/db"
	"github.com/foresightd/foresight/util"
	"github.com/foresightd/foresight/web"
)

func main() {

	conf, err := util.ReadConf()
	if err != nil {
		log.Fatalln(err)
	}

	fmt.Println("Configuration: ")
	fmt.Println(util.PrettyPrint(conf))

	database, err := db.Open(conf.Conf.DbPath)
	if err != nil {
		log.Fatalln(err)
	}
	defer database.Close()

	clock := activitypub.SystemClock
	policy := activitypub.SSRFPolicy{
		AllowPrivate: conf.Conf.AllowPrivateNets,
		AllowHosts:   conf.Conf.AllowHosts,
	}

	keys := activitypub.NewKeyManager(database, clock)
	fetcher := activitypub.NewFetcher(policy)
	resolver := activitypub.NewResolver(database, fetcher, clock)
	queue := activitypub.NewDeliveryQueue(database, keys, policy, clock)
	composer := activitypub.NewComposer(database, resolver, queue, keys, conf.BaseURL())
	inbox := activitypub.NewInboxProcessor(database, resolver, composer, clock)

	var worker *activitypub.DeliveryWorker
	if conf.Conf.WithFederation {
		// Make sure the signing key exists before the first delivery.
		if _, err := keys.EnsureServerKey(); err != nil {
			log.Fatalln(err)
		}
		worker = activitypub.StartDeliveryWorker(queue, 0)
	}

	server := web.NewServer(conf, database, composer, inbox)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", conf.Conf.Host, conf.Conf.HttpPort),
		Handler: server.Router(),
	}

	startServing(httpServer, worker, conf)
}

func startServing(httpServer *http.Server, worker *activitypub.DeliveryWorker, conf *util.AppConfig) {
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Starting HTTP server on %s:%d", conf.Conf.Host, conf.Conf.HttpPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalln(err)
		}
	}()

	<-done
	log.Println("Stopping HTTP server")

	if worker != nil {
		worker.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Fatalln(err)
	}
}
