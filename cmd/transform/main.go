// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/media-transform/pkg/config"
	"github.com/livekit/media-transform/pkg/telemetry/prometheus"
	"github.com/livekit/media-transform/version"
)

var baseFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "config",
		Usage: "path to config file",
	},
	&cli.StringFlag{
		Name:    "config-body",
		Usage:   "config in YAML, typically passed in as an environment var in a container",
		EnvVars: []string{"MEDIA_TRANSFORM_CONFIG"},
	},
	&cli.StringSliceFlag{
		Name:  "srtp-profile",
		Usage: "SRTP protection profile to offer, in order of preference, use flag multiple times to offer several",
	},
	&cli.StringSliceFlag{
		Name:  "fingerprint",
		Usage: "expected server certificate fingerprint as \"<algorithm> <value>\", use flag multiple times to accept several",
	},
	&cli.StringFlag{
		Name:    "node-id",
		Usage:   "node id attached to metrics",
		EnvVars: []string{"NODE_ID"},
	},
	&cli.BoolFlag{
		Name:  "dev",
		Usage: "sets log-level to debug",
	},
	&cli.BoolFlag{
		Name:   "disable-strict-config",
		Usage:  "disables strict config parsing",
		Hidden: true,
	},
}

func main() {
	generatedFlags, err := config.GenerateCLIFlags(baseFlags, true)
	if err != nil {
		fmt.Println(err)
	}

	app := &cli.App{
		Name:  "media-transform",
		Usage: "DTLS-SRTP handshakes and bandwidth probing for media senders",
		Flags: append(baseFlags, generatedFlags...),
		Commands: []*cli.Command{
			{
				Name:   "handshake",
				Usage:  "performs DTLS-SRTP handshakes with a remote server over UDP",
				Action: runHandshake,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "addr",
						Usage:    "host:port of the DTLS server",
						Required: true,
					},
					&cli.IntFlag{
						Name:  "count",
						Usage: "number of handshakes, later ones try to resume the first session",
						Value: 1,
					},
				},
			},
			{
				Name:   "loopback",
				Usage:  "runs handshakes against an in-process DTLS server to show negotiation and resumption",
				Action: runLoopback,
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:  "server-profile",
						Usage: "SRTP protection profile the server supports, defaults to the first offered one",
					},
					&cli.IntFlag{
						Name:  "count",
						Usage: "number of handshakes",
						Value: 2,
					},
				},
			},
			{
				Name:   "probe",
				Usage:  "runs a probe cluster over a synthetic video stream and prints what was sent",
				Action: runProbe,
				Flags: []cli.Flag{
					&cli.UintFlag{
						Name:  "ssrc",
						Usage: "media SSRC",
						Value: 0x11223344,
					},
					&cli.UintFlag{
						Name:  "rtx-ssrc",
						Usage: "RTX SSRC, 0 disables RTX",
						Value: 0x55667788,
					},
					&cli.IntFlag{
						Name:  "packets",
						Usage: "number of media packets cached before probing",
						Value: 100,
					},
					&cli.IntFlag{
						Name:  "packet-size",
						Usage: "payload size of each media packet",
						Value: 1000,
					},
					&cli.IntFlag{
						Name:  "desired-bitrate",
						Usage: "probe cluster target in bits per second",
						Value: 3_000_000,
					},
					&cli.IntFlag{
						Name:  "expected-bitrate",
						Usage: "bits per second expected from media during the cluster",
						Value: 1_000_000,
					},
				},
			},
			{
				Name:   "help-verbose",
				Usage:  "prints app help, including all generated configuration flags",
				Action: helpVerbose,
			},
		},
		Version: version.Version,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func getConfig(c *cli.Context) (*config.Config, error) {
	confString, err := config.GetConfigString(c.String("config"), c.String("config-body"))
	if err != nil {
		return nil, err
	}

	strictMode := true
	if c.Bool("disable-strict-config") {
		strictMode = false
	}

	conf, err := config.NewConfig(confString, strictMode, c, baseFlags)
	if err != nil {
		return nil, err
	}
	config.InitLoggerFromConfig(&conf.Logging)

	if err := startMetrics(conf); err != nil {
		return nil, err
	}
	return conf, nil
}

func startMetrics(conf *config.Config) error {
	nodeID := conf.NodeID
	if nodeID == "" {
		nodeID, _ = os.Hostname()
	}
	if err := prometheus.Init(nodeID, nil); err != nil {
		return err
	}
	if conf.PrometheusPort == 0 {
		return nil
	}

	addr := net.JoinHostPort("", strconv.Itoa(int(conf.PrometheusPort)))
	server := &http.Server{
		Addr:    addr,
		Handler: promhttp.Handler(),
	}
	go func() {
		logger.Infow("starting prometheus server", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorw("prometheus server failed", err)
		}
	}()
	return nil
}

func helpVerbose(c *cli.Context) error {
	generatedFlags, err := config.GenerateCLIFlags(baseFlags, false)
	if err != nil {
		return err
	}

	c.App.Flags = append(baseFlags, generatedFlags...)
	return cli.ShowAppHelp(c)
}
