package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/deemkeen/mammut/activitypub"
	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/keys"
	"github.com/deemkeen/mammut/util"
	"github.com/deemkeen/mammut/web"
)

const databaseFileName = "database.db"

func main() {

	conf, err := util.ReadConf()
	if err != nil {
		log.Fatalln(err)
	}

	fmt.Println("Configuration: ")
	fmt.Println(util.PrettyPrint(conf))

	log.Println("Running database migrations...")
	database, err := db.NewDB(util.ResolveFilePath(databaseFileName))
	if err != nil {
		log.Fatalln(err)
	}
	defer database.Close()
	log.Println("Database migrations complete")

	iri := activitypub.IRIBuilder{Domain: conf.Conf.SslDomain}
	resolver := activitypub.NewResolver(database, time.Duration(conf.Conf.ActorCacheTtlHours)*time.Hour)
	engine := activitypub.NewDeliveryEngine(database, conf)
	inbox := activitypub.NewInbox(database, resolver, engine, iri)
	paginator := activitypub.NewPaginator(database, iri)
	keyring := keys.NewService(database, resolver, iri)

	engine.Start()
	defer engine.Stop()

	server := web.NewServer(conf, database, inbox, paginator, keyring)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Run(); err != nil {
			log.Fatalln(err)
		}
	}()

	<-done
	log.Println("Stopping federation server")
}
