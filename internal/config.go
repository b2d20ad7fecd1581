package internal

import (
	"fmt"

	"github.com/jinzhu/configor"
	log "github.com/sirupsen/logrus"

	"github.com/massmux/SatsSettle/internal/network"
	"github.com/massmux/SatsSettle/internal/wallets/lnbits"
	"github.com/massmux/SatsSettle/internal/wallets/lnpay"
)

var Configuration = struct {
	Settle   SettleConfiguration   `yaml:"settle"`
	Database DatabaseConfiguration `yaml:"database"`
	Lnpay    lnpay.Config          `yaml:"lnpay"`
	Lnbits   lnbits.Config         `yaml:"lnbits"`
}{}

type SettleConfiguration struct {
	Listen              string              `yaml:"listen"`
	DefaultWallet       string              `yaml:"default_wallet"`
	AdminKey            string              `yaml:"admin_key"`
	InvoiceKey          string              `yaml:"invoice_key"`
	PollIntervalSeconds int64               `yaml:"poll_interval_seconds"`
	InvoiceTTLSeconds   int64               `yaml:"invoice_ttl_seconds"`
	SocksProxy          *network.SocksProxy `yaml:"socks_proxy,omitempty"`
}

type DatabaseConfiguration struct {
	BuntDbPath string `yaml:"buntdb_path"`
	DbPath     string `yaml:"db_path"`
}

func init() {
	err := configor.Load(&Configuration, "config.yaml")
	if err != nil {
		panic(err)
	}
	checkConfiguration()
}

func checkConfiguration() {
	if Configuration.Settle.Listen == "" {
		Configuration.Settle.Listen = "0.0.0.0:5080"
	}
	if Configuration.Settle.AdminKey == "" || Configuration.Settle.InvoiceKey == "" {
		panic(fmt.Errorf("please configure admin and invoice api keys"))
	}
	if Configuration.Settle.PollIntervalSeconds <= 0 {
		Configuration.Settle.PollIntervalSeconds = 30
	}
	if Configuration.Settle.InvoiceTTLSeconds <= 0 {
		Configuration.Settle.InvoiceTTLSeconds = 86400
	}
	if Configuration.Database.BuntDbPath == "" {
		Configuration.Database.BuntDbPath = "data/payments.db"
	}
	if Configuration.Database.DbPath == "" {
		Configuration.Database.DbPath = "data/subscribers.db"
	}
	if Configuration.Lnpay.Endpoint == "" && Configuration.Lnbits.URL == "" {
		panic(fmt.Errorf("please configure at least one wallet backend"))
	}
	if Configuration.Settle.DefaultWallet == "" {
		if Configuration.Lnbits.URL != "" {
			Configuration.Settle.DefaultWallet = "lnbits"
		} else {
			Configuration.Settle.DefaultWallet = "lnpay"
		}
		log.Warnf("no default wallet configured, using %s", Configuration.Settle.DefaultWallet)
	}
}
