package cmd

import (
	"time"

	"github.com/urfave/cli/v2"

	"github.com/sealedchat/conv-gateway/internal/tui"
)

func topCmd() *cli.Command {
	return &cli.Command{
		Name:    "top",
		Aliases: []string{"t"},
		Usage:   "Live terminal dashboard over a running gateway's stats",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Base URL of the gateway stats listener",
				Value: "http://127.0.0.1:8080",
			},
			&cli.DurationFlag{
				Name:  "refresh",
				Usage: "Poll interval",
				Value: time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			dash := tui.New(c.String("addr"), c.Duration("refresh"))
			return dash.Run(c.Context)
		},
	}
}
