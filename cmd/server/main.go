// Command server runs the agent web UI backend: it spawns agent sessions in
// a pseudo-terminal and streams them to browsers over WebSocket.
package main

import "os"

func main() {
	os.Exit(execute())
}
