package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/dcrodman/gameport/internal"
	"github.com/dcrodman/gameport/internal/core"
)

func serverCommand() *cli.Command {
	return &cli.Command{
		Name:        "server",
		Usage:       "gameport server",
		Description: "Runs the gameport server.",
		Action:      runServer,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the directory containing the server config file",
				EnvVars: []string{"GAMEPORT_CONFIG"},
				Value:   "./",
			},
		},
	}
}

func runServer(cc *cli.Context) error {
	configPath := cc.String("config")
	config, err := core.LoadConfig(configPath)
	if err != nil {
		return err
	}
	fmt.Println("using configuration directory:", configPath)

	// Bind the Controller to one top-level server context so that we can shut down cleanly.
	ctx, cancel := context.WithCancel(cc.Context)
	defer cancel()

	// Register a SIGTERM handler so that Ctrl-C will shut the server down gracefully.
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(c)
	go exitHandler(ctx, cancel, c)

	controller := &internal.Controller{Config: config}
	if err := controller.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	fmt.Println("shut down")
	return nil
}

// exitHandler cancels the server on the first signal and hard exits on the
// second one.
func exitHandler(ctx context.Context, cancelFn func(), c chan os.Signal) {
	select {
	case <-c:
	case <-ctx.Done():
		return
	}
	fmt.Println("waiting to shut down gracefully...")
	cancelFn()

	<-c
	fmt.Println("hard exiting (killed)")
	os.Exit(1)
}
