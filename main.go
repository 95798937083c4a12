package main

import (
	"github.com/IntegralDefense/netskope-log-fetcher/cmd"
)

func main() {
	cmd.Execute()
}
