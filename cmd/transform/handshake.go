package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/pion/dtls/v2"
	"github.com/pion/dtls/v2/pkg/protocol"
	"github.com/pion/transport/v2/dpipe"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/media-transform/pkg/config"
	"github.com/livekit/media-transform/pkg/dtlssrtp"
	serverlogger "github.com/livekit/media-transform/pkg/logger"
)

const loopbackSessionCacheSize = 16

type handshakeResult struct {
	handshake *dtlssrtp.Handshake
	err       error
	duration  time.Duration
}

func newClient(conf *config.Config) (*dtlssrtp.Client, error) {
	profiles, err := dtlssrtp.ParseProfiles(conf.DTLS.SRTPProfiles)
	if err != nil {
		return nil, err
	}

	var provider dtlssrtp.CertificateProvider
	if conf.DTLS.CertificateFile != "" {
		provider, err = dtlssrtp.NewFileProvider(conf.DTLS.CertificateFile, conf.DTLS.KeyFile)
		if err != nil {
			return nil, err
		}
	}

	fingerprints := make([]dtlssrtp.Fingerprint, 0, len(conf.DTLS.RemoteFingerprints))
	for _, fp := range conf.DTLS.RemoteFingerprints {
		fingerprints = append(fingerprints, dtlssrtp.Fingerprint{
			Algorithm: fp.Algorithm,
			Value:     fp.Value,
		})
	}

	return dtlssrtp.NewClient(dtlssrtp.ClientParams{
		Profiles:            profiles,
		ServerName:          conf.DTLS.ServerName,
		CertificateProvider: provider,
		SessionCacheSize:    conf.DTLS.SessionCacheSize,
		RemoteFingerprints:  fingerprints,
		FlightInterval:      conf.DTLS.FlightInterval,
		MTU:                 conf.DTLS.MTU,
		LoggerFactory:       serverlogger.NewLoggerFactory(logger.GetLogger().WithName("pion"), conf.Logging.PionLevel),
		Logger:              logger.GetLogger().WithName("dtls"),
	})
}

func runHandshake(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return errors.Wrap(err, "get config")
	}
	client, err := newClient(conf)
	if err != nil {
		return errors.Wrap(err, "create client")
	}

	addr := c.String("addr")
	results := make([]handshakeResult, 0, c.Int("count"))
	for i := 0; i < c.Int("count"); i++ {
		results = append(results, handshakeUDP(c.Context, conf, client, addr))
	}

	printHandshakes(results)
	return firstError(results)
}

func handshakeUDP(ctx context.Context, conf *config.Config, client *dtlssrtp.Client, addr string) handshakeResult {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return handshakeResult{err: err}
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, conf.DTLS.HandshakeTimeout)
	defer cancel()

	start := time.Now()
	h, dtlsConn, err := client.Connect(ctx, conn)
	if dtlsConn != nil {
		_ = dtlsConn.Close()
	}
	return handshakeResult{handshake: h, err: err, duration: time.Since(start)}
}

func runLoopback(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return errors.Wrap(err, "get config")
	}
	client, err := newClient(conf)
	if err != nil {
		return errors.Wrap(err, "create client")
	}

	serverProfiles, err := loopbackServerProfiles(c, conf)
	if err != nil {
		return err
	}
	cert, err := dtlssrtp.NewSelfSignedProvider().Certificate()
	if err != nil {
		return errors.Wrap(err, "server certificate")
	}
	store, err := dtlssrtp.NewSessionStore(loopbackSessionCacheSize)
	if err != nil {
		return err
	}
	serverConfig := &dtls.Config{
		Certificates:           []tls.Certificate{cert},
		CipherSuites:           []dtls.CipherSuiteID{dtls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256},
		ClientAuth:             dtls.RequireAnyClientCert,
		SRTPProtectionProfiles: serverProfiles,
		ExtendedMasterSecret:   dtls.RequestExtendedMasterSecret,
		SessionStore:           store,
		LoggerFactory:          serverlogger.NewLoggerFactory(logger.GetLogger().WithName("pion-server"), conf.Logging.PionLevel),
	}

	results := make([]handshakeResult, 0, c.Int("count"))
	for i := 0; i < c.Int("count"); i++ {
		results = append(results, handshakeLoopback(c.Context, conf, client, serverConfig))
	}

	printHandshakes(results)
	return firstError(results)
}

func loopbackServerProfiles(c *cli.Context, conf *config.Config) ([]dtls.SRTPProtectionProfile, error) {
	if names := c.StringSlice("server-profile"); len(names) > 0 {
		return dtlssrtp.ParseProfiles(names)
	}
	profiles, err := dtlssrtp.ParseProfiles(conf.DTLS.SRTPProfiles)
	if err != nil {
		return nil, err
	}
	return profiles[:1], nil
}

func handshakeLoopback(ctx context.Context, conf *config.Config, client *dtlssrtp.Client, serverConfig *dtls.Config) handshakeResult {
	clientSide, serverSide := dpipe.Pipe()
	defer func() {
		_ = clientSide.Close()
		_ = serverSide.Close()
	}()

	serverDone := make(chan *dtls.Conn, 1)
	go func() {
		conn, err := dtls.Server(serverSide, serverConfig)
		if err != nil {
			logger.Debugw("loopback server handshake failed", "error", err)
		}
		serverDone <- conn
	}()

	ctx, cancel := context.WithTimeout(ctx, conf.DTLS.HandshakeTimeout)
	defer cancel()

	start := time.Now()
	h, dtlsConn, err := client.Connect(ctx, clientSide)
	duration := time.Since(start)
	if dtlsConn != nil {
		_ = dtlsConn.Close()
	}

	if err == nil {
		select {
		case conn := <-serverDone:
			if conn != nil {
				_ = conn.Close()
			}
		case <-ctx.Done():
		}
	}
	return handshakeResult{handshake: h, err: err, duration: duration}
}

func printHandshakes(results []handshakeResult) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetRowLine(true)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{
		"#",
		"Profile",
		"Version",
		"Keying Material",
		"Session",
		"Resumed",
		"Duration",
		"Alerts",
		"Error",
	})

	for i, res := range results {
		row := []string{fmt.Sprintf("%d", i+1), "", "", "", "", "", res.duration.Round(time.Millisecond).String(), "", ""}
		if h := res.handshake; h != nil {
			row[1] = dtlssrtp.ProfileName(h.ChosenProfile())
			if res.err == nil {
				row[2] = versionName(h.NegotiatedVersion())
			}
			if material, err := h.KeyingMaterial(); err == nil {
				row[3] = humanize.Bytes(uint64(len(material)))
			}
			row[4] = shortSessionID(h.SessionID())
			row[5] = fmt.Sprintf("%t", h.Resumed())

			alerts := make([]string, 0)
			for _, a := range h.Alerts() {
				alerts = append(alerts, a.String())
			}
			row[7] = strings.Join(alerts, "\n")
		}
		if res.err != nil {
			row[8] = res.err.Error()
		}
		table.Append(row)
	}

	table.Render()
}

func versionName(v protocol.Version) string {
	switch v {
	case protocol.Version1_2:
		return "DTLS 1.2"
	case protocol.Version1_0:
		return "DTLS 1.0"
	default:
		return fmt.Sprintf("0x%02x%02x", v.Major, v.Minor)
	}
}

func shortSessionID(id []byte) string {
	if len(id) == 0 {
		return "-"
	}
	if len(id) > 8 {
		return fmt.Sprintf("%x…", id[:8])
	}
	return fmt.Sprintf("%x", id)
}

func firstError(results []handshakeResult) error {
	for i, res := range results {
		if res.err != nil {
			return errors.Wrapf(res.err, "handshake %d", i+1)
		}
	}
	return nil
}
