// This Source Code Form is subject to the terms of the MIT License.
// If a copy of the MIT License was not distributed with this
// file, you can obtain one at https://opensource.org/licenses/MIT.
//
// Copyright (c) DUSK NETWORK. All rights reserved.

package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/dusk-network/kadcast"
	logger "github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

type chatListener struct{}

func (c *chatListener) OnMessage(data []byte, info kadcast.MessageInfo) {
	fmt.Printf("[%s] %s\n", info.Src.String(), string(data))
}

func (c *chatListener) OnPeerEvent(evt kadcast.PeerEvent) {
	switch evt.Type {
	case kadcast.EventPeerAdded:
		logger.Infof("peer added: %s", evt.Peer.String())
	case kadcast.EventPeerRemoved:
		logger.Infof("peer removed: %s", evt.Peer.String())
	case kadcast.EventBootstrapping:
		logger.Info("bootstrapping")
	}
}

func main() {
	app := cli.NewApp()
	app.Name = "kadcast"
	app.Usage = "run a kadcast peer and broadcast stdin lines to the overlay"

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "configuration file (TOML, YAML or JSON)",
		},
		cli.StringFlag{
			Name:  "address, a",
			Value: "127.0.0.1:9000",
			Usage: "public address of this peer",
		},
		cli.StringSliceFlag{
			Name:  "bootstrap, b",
			Usage: "bootstrap node address (repeatable)",
		},
		cli.StringFlag{
			Name:  "log-level, l",
			Value: "info",
			Usage: "logrus level",
		},
	}

	app.Action = run

	if err := app.Run(os.Args); err != nil {
		logger.Fatal(err)
	}
}

func run(c *cli.Context) error {
	level, err := logger.ParseLevel(c.String("log-level"))
	if err != nil {
		return err
	}

	logger.SetLevel(level)

	cfg := kadcast.DefaultConfig()

	if path := c.String("config"); path != "" {
		cfg, err = kadcast.LoadConfig(path)
		if err != nil {
			return err
		}
	}

	if addr := c.String("address"); addr != "" {
		cfg.PublicAddress = addr
	}

	if seeds := c.StringSlice("bootstrap"); len(seeds) > 0 {
		cfg.BootstrapNodes = seeds
	}

	peer, err := kadcast.NewPeer(cfg, &chatListener{})
	if err != nil {
		return err
	}

	defer func() {
		_ = peer.Close()
	}()

	fmt.Println("type a line to broadcast it, ctrl-d to quit")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if err := peer.Broadcast(context.Background(), []byte(line)); err != nil {
			logger.WithError(err).Error("broadcast failed")
		}
	}

	return scanner.Err()
}
