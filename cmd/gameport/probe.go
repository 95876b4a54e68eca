package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/dcrodman/gameport/internal/transport/quic"
)

const defaultProbeTimeout = 5 * time.Second

func probeCommand() *cli.Command {
	return &cli.Command{
		Name:        "probe",
		Usage:       "gameport probe --key <connection key>",
		Description: "Connects to a gameport server and prints the welcome message or the rejection reason.",
		Action:      probe,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "address",
				Aliases: []string{"a"},
				Usage:   "host:port of the server",
				Value:   "127.0.0.1:7777",
			},
			&cli.StringFlag{
				Name:    "key",
				Aliases: []string{"k"},
				Usage:   "Connection key to present",
				EnvVars: []string{"GAMEPORT_CONNECTION_KEY"},
			},
			&cli.StringFlag{
				Name:  "ca",
				Usage: "Certificate to trust. The server certificate is not verified if blank",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Time to wait for the server's response",
				Value: defaultProbeTimeout,
			},
		},
	}
}

func probe(cc *cli.Context) error {
	tlsConf, err := quic.ClientTLSConfig(cc.String("ca"))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cc.Context, cc.Duration("timeout"))
	defer cancel()

	address := cc.String("address")
	client, err := quic.Dial(ctx, address, cc.String("key"), tlsConf)
	if err != nil {
		return err
	}
	defer client.Close()

	welcome, err := client.Receive(ctx)
	var rejected *quic.RejectedError
	switch {
	case errors.As(err, &rejected):
		return cli.Exit(fmt.Sprintf("rejected by %s: %s", address, rejected.Reason), 2)
	case err != nil:
		return fmt.Errorf("error waiting for %s: %w", address, err)
	}

	fmt.Fprintf(cc.App.Writer, "admitted by %s: %s\n", address, welcome)
	return nil
}
