// gameport runs the connection admission server and the tools that go with it.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	if err := app().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "gameport error: %v\n", err)
		os.Exit(1)
	}
}

func app() *cli.App {
	app := cli.NewApp()
	app.Name = "gameport"
	app.Usage = "UDP game server connection admission"
	app.Commands = []*cli.Command{
		serverCommand(),
		probeCommand(),
		certgenCommand(),
	}
	return app
}
