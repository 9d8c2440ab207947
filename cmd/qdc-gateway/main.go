package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/quarterdeck-io/console/pkg/api"
)

func main() {
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("qdc-gateway version %s\n", api.Version)
		os.Exit(0)
	}

	// Local overrides live in .env; absence is fine
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded environment from .env")
	}

	fmt.Print(`
            _
  __ _  __| | ___
 / _` + "`" + ` |/ _` + "`" + ` |/ __|
| (_| | (_| | (__
 \__, |\__,_|\___|
    |_|
Quarterdeck Console - Cluster Gateway
`)

	server, err := api.NewServer(api.LoadConfigFromEnv())
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")
		if err := server.Shutdown(); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
