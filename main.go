// Package main is responsible for the main func of sni-proxy. The actual
// work is done in the cmd package.
package main

import "github.com/Jackchen0514/sni-proxy/internal/cmd"

func main() {
	cmd.Main()
}
