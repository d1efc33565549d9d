//go:build !linux

package main

import (
	"fmt"
	"os"
)

func main() {
	fmt.Fprintln(os.Stderr, "hardware-test drives sysfs GPIO and only runs on linux")
	os.Exit(1)
}
