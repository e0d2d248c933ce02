package main

import (
	"fmt"
	"runtime"
)

// Version is set at build time via ldflags:
//
//	go build -ldflags "-X main.Version=v1.2.3" ./cmd
var Version = "v0.1.0"

// PrintVersion prints the current version
func PrintVersion() {
	fmt.Printf("stego-gateway %s (%s, %s/%s)\n", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
