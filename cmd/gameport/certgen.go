package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/dcrodman/gameport/internal/transport/quic"
)

const (
	certificateFilename = "certificate.pem"
	privateKeyFilename  = "key.pem"
)

func certgenCommand() *cli.Command {
	return &cli.Command{
		Name:  "certgen",
		Usage: "gameport certgen --host 203.0.113.7",
		Description: "Generates a self-signed X.509 certificate and key for the QUIC transport. " +
			"Point transport.certificate_file and transport.key_file at the output and give " +
			"the certificate to clients that should verify the server.",
		Action: certgen,
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "host",
				Usage: "IP address or host name the certificate is valid for (repeatable)",
				Value: cli.NewStringSlice("127.0.0.1", "localhost"),
			},
			&cli.StringFlag{
				Name:  "out",
				Usage: "Directory the certificate and key are written to",
				Value: "./",
			},
			&cli.DurationFlag{
				Name:  "valid-for",
				Usage: "How long the certificate is valid",
				Value: 10 * 365 * 24 * time.Hour,
			},
		},
	}
}

func certgen(cc *cli.Context) error {
	certPEM, keyPEM, err := quic.GenerateCertificate(cc.StringSlice("host"), cc.Duration("valid-for"))
	if err != nil {
		return err
	}

	out := cc.String("out")
	certPath := filepath.Join(out, certificateFilename)
	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return fmt.Errorf("error writing %s: %w", certPath, err)
	}
	fmt.Fprintf(cc.App.Writer, "wrote %s\n", certPath)

	keyPath := filepath.Join(out, privateKeyFilename)
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return fmt.Errorf("error writing %s: %w", keyPath, err)
	}
	fmt.Fprintf(cc.App.Writer, "wrote %s\n", keyPath)
	return nil
}
