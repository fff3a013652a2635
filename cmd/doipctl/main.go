// doipctl -- DoIP tester command line client.
package main

import "github.com/dantte-lp/godoip/cmd/doipctl/commands"

func main() {
	commands.Execute()
}
