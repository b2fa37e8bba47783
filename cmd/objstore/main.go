// Package main is the entry point of objstore, a command-line client and
// HTTP gateway for the configured object storage provider.
package main

import "os"

func main() {
	os.Exit(Execute(newApp(os.Stdin, os.Stdout, os.Stderr), os.Args[1:]))
}
