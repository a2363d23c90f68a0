package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/victornm/etrivia/internal/config"
	"github.com/victornm/etrivia/internal/server"
)

func main() {
	c, err := loadConfig()
	if err != nil {
		log.Fatalf("Load config failed: %v", err)
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGTERM, os.Interrupt)

	s, err := server.Init(c)
	if err != nil {
		log.Fatalf("Init server failed: %v", err)
	}

	go s.Start()

	<-shutdown
	s.Shutdown()
}

// loadConfig reads the file named by CONFIG_PATH on top of the defaults. Without CONFIG_PATH only the
// defaults and the environment apply.
func loadConfig() (server.Config, error) {
	c := server.DefaultConfig()

	if err := config.Load(os.Getenv("CONFIG_PATH"), &c); err != nil {
		return c, err
	}

	return c, nil
}
