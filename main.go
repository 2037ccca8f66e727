package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ISE-TU-Berlin/hubsync/hubsync"
	log "github.com/sirupsen/logrus"
)

func main() {
	hs := hubsync.LoadHubSync()
	if hs.DeviceCount() == 0 {
		log.Warn("No devices configured; add them through POST /devices")
	} else {
		log.Infof("Tracking %d devices, polling every %s", hs.DeviceCount(), hs.PollInterval)
	}

	// register Ctrl+C handler to exit gracefully
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	fmt.Println("Exit using ^C")
	go func() {
		<-c
		log.Println("Exiting...")
		hs.Stop()
		os.Exit(0)
	}()

	hs.Start()
}
