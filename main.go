package main

import (
	"context"
	"runtime/debug"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/massmux/SatsSettle/internal"
	"github.com/massmux/SatsSettle/internal/api"
	"github.com/massmux/SatsSettle/internal/dispatch"
	"github.com/massmux/SatsSettle/internal/network"
	"github.com/massmux/SatsSettle/internal/payments"
	"github.com/massmux/SatsSettle/internal/reconciler"
	"github.com/massmux/SatsSettle/internal/storage"
	"github.com/massmux/SatsSettle/internal/wallets"
	"github.com/massmux/SatsSettle/internal/wallets/lnbits"
	"github.com/massmux/SatsSettle/internal/wallets/lnpay"
)

// setLogger will initialize the log format
func setLogger() {
	log.SetLevel(log.DebugLevel)
	customFormatter := new(log.TextFormatter)
	customFormatter.TimestampFormat = "2006-01-02 15:04:05"
	customFormatter.FullTimestamp = true
	log.SetFormatter(customFormatter)
}

func main() {
	setLogger()
	defer withRecovery()

	cfg := internal.Configuration
	backends := buildWallets()

	bunt := storage.NewBunt(cfg.Database.BuntDbPath)
	store := payments.NewStore(bunt)

	orm, err := gorm.Open(sqlite.Open(cfg.Database.DbPath), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		panic("Initialize orm failed.")
	}
	dispatcher, err := dispatch.New(orm, network.NewClient(dispatch.DeliveryTimeout, cfg.Settle.SocksProxy))
	if err != nil {
		panic(err)
	}

	service := payments.NewService(store, backends)
	rec := reconciler.New(
		store,
		backends,
		dispatcher,
		time.Duration(cfg.Settle.PollIntervalSeconds)*time.Second,
		time.Duration(cfg.Settle.InvoiceTTLSeconds)*time.Second,
	)
	rec.Start(context.Background())

	api.NewServer(cfg.Settle.Listen, api.Service{
		Payments:      service,
		Reconciler:    rec,
		Dispatcher:    dispatcher,
		Keys:          api.Keys{AdminKey: cfg.Settle.AdminKey, InvoiceKey: cfg.Settle.InvoiceKey},
		DefaultWallet: cfg.Settle.DefaultWallet,
	})

	select {}
}

func buildWallets() map[string]wallets.Wallet {
	backends := make(map[string]wallets.Wallet)
	if internal.Configuration.Lnpay.Endpoint != "" {
		w, err := lnpay.New(internal.Configuration.Lnpay)
		if err != nil {
			panic(err)
		}
		backends[w.Name()] = w
		log.Infof("[main] wallet backend %s configured", w.Name())
	}
	if internal.Configuration.Lnbits.URL != "" {
		w, err := lnbits.New(internal.Configuration.Lnbits)
		if err != nil {
			panic(err)
		}
		backends[w.Name()] = w
		log.Infof("[main] wallet backend %s configured", w.Name())
	}
	return backends
}

func withRecovery() {
	if r := recover(); r != nil {
		log.Errorln("Recovered panic: ", r)
		debug.PrintStack()
	}
}
