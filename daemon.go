package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"
)

type daemon struct {
	c   *context
	now func() int64
}

func nowUnix() int64 {
	return time.Now().Unix()
}

// start runs the periodic check loop until SIGINT/SIGTERM. Ticks are
// strictly sequential; a tick in flight always finishes before shutdown or
// the next tick.
func (d *daemon) start() {
	log.Print("spindownd started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(time.Duration(d.c.interval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sig:
			log.Print("spindownd shutting down")
			return
		case <-ticker.C:
			d.tick(d.now())
		}
	}
}

// tick checks every device in the order they were configured, then lets the
// suspend coordinator look at the result.
func (d *daemon) tick(now int64) {
	if d.c.debug {
		log.Print("checking devices")
	}
	for _, dev := range d.c.devices {
		dev.tick(now, d.c.interval)
	}
	d.c.suspend.observe(d.c.devices, now)
}
