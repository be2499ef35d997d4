// marlin-instruments searches the venue's instrument reference data, for
// filling in watchlist UICs.
//
// Usage:
//
//	marlin-instruments -config config/marlin.yaml -keyword AAPL [-asset-type Stock]
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"

	"marlin/internal/broker"
	"marlin/internal/config"
	"marlin/internal/domain"
	"marlin/internal/util"
)

func main() {
	cfgPath := flag.String("config", defaultConfigPath(), "path to the YAML config file")
	keyword := flag.String("keyword", "", "search keyword (symbol or name)")
	assetType := flag.String("asset-type", "Stock", "asset type to search (Stock, FxSpot, FxCrypto)")
	flag.Parse()

	if *keyword == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	util.SetDefault(util.NewLogger("warn", cfg.Logging.Format))

	b := broker.NewSaxoClient(broker.SaxoOptions{
		BaseURL:        cfg.Broker.BaseURL,
		AccessToken:    cfg.Broker.AccessToken,
		AccountKey:     cfg.Broker.AccountKey,
		ClientKey:      cfg.Broker.ClientKey,
		RequestsPerMin: cfg.Broker.RequestsPerMin,
		RequestTimeout: cfg.Broker.RequestTimeout.Std(),
	})

	matches, err := b.SearchInstruments(context.Background(), *keyword, domain.AssetType(*assetType))
	if err != nil {
		log.Fatalf("search failed: %v", err)
	}
	if len(matches) == 0 {
		fmt.Printf("no instruments matching %q (%s)\n", *keyword, *assetType)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "UIC\tASSET TYPE\tSYMBOL\tDESCRIPTION")
	for _, m := range matches {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", m.ID.UIC, m.ID.AssetType, m.Symbol, m.Description)
	}
	w.Flush()
}

func defaultConfigPath() string {
	if p := os.Getenv("MARLIN_CONFIG"); p != "" {
		return p
	}
	return "config/marlin.yaml"
}
