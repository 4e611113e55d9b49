package main

import (
	"log"

	"ticket-marketplace/cmd"
	_ "ticket-marketplace/migrations"
)

func main() {
	if err := cmd.Start(); err != nil {
		log.Fatal(err)
	}
}
