package main

import (
	"log"

	"github.com/joho/godotenv"

	"marlin/internal/app"
)

func main() {
	// Local dev convenience; missing .env is fine.
	_ = godotenv.Load()

	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
