package main

import (
	"os"
	"runtime"

	log "github.com/sirupsen/logrus"
)

// HighGUI windows must be driven from the main OS thread.
func init() {
	runtime.LockOSThread()
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Errorf("nightwatch: %v", err)
		os.Exit(1)
	}
}
