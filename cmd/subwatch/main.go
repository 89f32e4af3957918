// Command subwatch is the operator CLI for the notification engine.
//
// Usage:
//
//	subwatch run
//	subwatch run --date 2025-04-10
//	subwatch decide --date 2025-04-10
//	subwatch migrate
//	subwatch import --file subscriptions.json
//	subwatch advance --from 2024-01-31 --cycle monthly --n 12
package main

import (
	"os"

	"github.com/joho/godotenv"
)

func main() {
	// Load .env if present
	_ = godotenv.Load(".env")

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
