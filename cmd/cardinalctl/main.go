// Command cardinalctl is the engine's thin administrative CLI entrypoint.
package main

import "github.com/cardinalfs/cardinal/cmd"

func main() {
	cmd.Execute()
}
