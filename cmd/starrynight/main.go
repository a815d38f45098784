// Package main is the entry point for the starrynight bootstrapper.
package main

func main() {
	Execute()
}
