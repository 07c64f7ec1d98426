package main

import (
	"log"
	"os"

	cli "github.com/GerritForge/ghs-actions-executor/internal/cli"
)

func main() {
	if err := cli.NewApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
