package main

import (
	"log"

	"github.com/veridoc/veridoc-ops/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
