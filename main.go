package main

import (
	"fmt"
	"os"
)

func main() {
	c, err := initContext(os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	switch c.action {
	case contextActionList:
		c.printListedDevices()
	case contextActionCheck:
		err = c.checkDevices()
	case contextActionSleep:
		err = c.sleepDevices()
	default:
		err = c.startDaemon()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
