package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/IntegralDefense/netskope-log-fetcher/pkg/platforms"
	"github.com/IntegralDefense/netskope-log-fetcher/pkg/platforms/netskope"
	"github.com/IntegralDefense/netskope-log-fetcher/pkg/whttp"
)

func main() {
	// Usage: go run *.go -tenant "acme" -token "your_api_token" -type Malware

	tenantFlag := flag.String("tenant", "", "Netskope tenant name")
	tokenFlag := flag.String("token", "", "Netskope REST API v1 token")
	typeFlag := flag.String("type", "Malware", "Event or alert type to fetch")
	sinceFlag := flag.Duration("since", time.Hour, "How far back to fetch")

	// Parse the command-line flags
	flag.Parse()

	if *tenantFlag == "" {
		fmt.Println("Tenant is required. Please provide the tenant using -tenant flag.")
		return
	}

	if *tokenFlag == "" {
		fmt.Println("Token is required. Please provide the token using -token flag.")
		return
	}

	only, err := netskope.SplitTypes([]string{*typeFlag})
	if err != nil {
		fmt.Println(err)
		return
	}
	baseURL, err := netskope.BaseURL("https", *tenantFlag, "eu.goskope.com")
	if err != nil {
		fmt.Println(err)
		return
	}

	now := time.Now().Unix()
	window, err := platforms.NewTimeWindow(now-int64(sinceFlag.Seconds()), now)
	if err != nil {
		fmt.Println(err)
		return
	}

	client, err := whttp.NewClient(whttp.ClientOptions{Retries: 3})
	if err != nil {
		fmt.Println(err)
		return
	}
	fetcher := netskope.NewFetcher(client, *tokenFlag)

	// Both categories work the same way
	for category, subtypes := range only {
		cfg, err := netskope.NewCategoryConfig(category, baseURL, subtypes)
		if err != nil {
			fmt.Println(err)
			return
		}
		results, err := netskope.NewClient(cfg, window, fetcher).FetchAll(context.Background())
		if err != nil {
			fmt.Println(err)
			return
		}
		for subtype, records := range results {
			for _, r := range records {
				fmt.Println(subtype, string(r))
			}
		}
	}
}
