package main

import (
	"log"

	"saker-scm/core/appbootstrap"
)

func main() {
	if err := appbootstrap.Run(); err != nil {
		log.Fatalf("saker-scm: %v", err)
	}
}
