package main

import (
	"github.com/joho/godotenv"

	"github.com/xyctruth/whatsApp-fleet/api/cmd/waflet"
)

func main() {
	_ = godotenv.Load()
	waflet.Execute()
}
