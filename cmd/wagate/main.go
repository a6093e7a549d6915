package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/talkincode/wagate/config"
	"github.com/talkincode/wagate/internal/adminapi"
	"github.com/talkincode/wagate/internal/app"
	"github.com/talkincode/wagate/internal/bridge"
	"github.com/talkincode/wagate/internal/instance"
	"github.com/talkincode/wagate/internal/messaging"
	"github.com/talkincode/wagate/internal/supervisor"
	"github.com/talkincode/wagate/internal/webhook"
	"github.com/talkincode/wagate/internal/webserver"
	"go.uber.org/zap"
)

var (
	h        = flag.Bool("h", false, "help usage")
	conffile = flag.String("c", "/etc/wagate.yml", "config file path")
	initdb   = flag.Bool("initdb", false, "initialize database and exit")
)

func printHelp() {
	if *h {
		fmt.Fprintln(os.Stderr, "wagate usage: wagate [options]\nOptions:")
		flag.PrintDefaults()
		os.Exit(0)
	}
}

func main() {
	flag.Parse()
	printHelp()

	cfg := config.LoadConfig(*conffile)
	application := app.NewApplication(cfg)
	application.Init(cfg)
	defer application.Release()

	if *initdb {
		application.InitDb()
		zap.L().Info("database initialized")
		return
	}

	// component wiring
	client := bridge.NewHTTPClient(cfg)
	registry := instance.NewRegistry(application.DB())
	quota := instance.NewQuotaManager(application.DB(), registry)
	store := messaging.NewStore(application.DB())
	dispatcher := messaging.NewDispatcher(registry, quota, store, client)
	retry := messaging.NewRetryScheduler(registry, store, dispatcher)
	ingestor := webhook.NewIngestor(application.DB(), registry, store)

	workers := application.GetSettingsInt64Value(app.ConfigScheduler, "MaxWorkers")
	sup := supervisor.New(registry, client, application.Bus(), int(workers))

	loc, err := time.LoadLocation(cfg.System.Location)
	if err != nil {
		loc = time.Local
	}
	scheduler := app.NewSchedulerService(loc, sup, retry, quota, ingestor)
	if err := scheduler.Start(); err != nil {
		zap.L().Fatal("scheduler start failed", zap.Error(err))
	}
	defer scheduler.Stop()

	server := webserver.NewWebServer(cfg)
	api := adminapi.NewWebApi(application, registry, quota, store, dispatcher, ingestor, client)
	api.Register(server.Root())

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		zap.L().Fatal("webserver failed", zap.Error(err))
	case sig := <-sigChan:
		zap.L().Info("shutting down", zap.String("signal", sig.String()))
	}
}
