package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"
)

func main() {
	path := flag.String("config", "settings.ini", "path to settings.ini")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Printf("failed to load .env: %v\n", err)
		return
	}

	cfg, err := ini.LooseLoad(*path)
	if err != nil {
		fmt.Printf("failed to load settings: %v\n", err)
		return
	}
	applyEnv(cfg, nil)

	settings, err := LoadSettings(cfg)
	if err != nil {
		fmt.Printf("failed to parse settings: %v\n", err)
		return
	}

	if err := initLogging(cfg); err != nil {
		fmt.Printf("failed to init logging: %v\n", err)
		return
	}
	defer closeLogging()
	coreLog.Infof("settings loaded: application %s, AI endpoint %s, max %d calls",
		settings.Application(), settings.AIURL(), settings.MaxConcurrentCalls())

	if err := startGateway(settings); err != nil {
		coreLog.Fatalf("gateway stopped: %v", err)
	}

	coreLog.Info("performing a graceful shutdown...")
}
