package main

import (
	"os"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load(".env") // ignore error if .env missing

	if err := NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
