package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/multiscreen/internal/api"
	"github.com/zsiec/multiscreen/internal/certs"
	"github.com/zsiec/multiscreen/internal/config"
	"github.com/zsiec/multiscreen/internal/decode"
	"github.com/zsiec/multiscreen/internal/media"
	"github.com/zsiec/multiscreen/internal/receiver"
	"github.com/zsiec/multiscreen/internal/sink"
	"github.com/zsiec/multiscreen/internal/stream"
	"github.com/zsiec/multiscreen/internal/transport"
)

func newReceiveCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Listen for displays and decode their streams",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runReceive(cmd.Context(), cfg)
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.ListenHost, "listen", cfg.ListenHost, "host to listen on")
	f.StringVar(&cfg.APIAddr, "api-addr", cfg.APIAddr, "status API address (empty disables it)")
	f.IntVar(&cfg.MaxBufferBytes, "max-buffer", cfg.MaxBufferBytes, "per-stream reassembly ceiling in bytes")
	f.BoolVar(&cfg.AckUnits, "ack", cfg.AckUnits, "acknowledge every received unit")
	f.BoolVar(&cfg.KeyframeGate, "keyframe-gate", cfg.KeyframeGate, "drop slices until the first keyframe of each session")
	return cmd
}

func runReceive(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	var cert *certs.CertInfo
	if cfg.Network() == transport.QUIC {
		var err error
		cert, err = certs.Generate(certs.DefaultValidity, cfg.ListenHost)
		if err != nil {
			return err
		}
		log.Info("certificate generated",
			"fingerprint", cert.FingerprintBase64(),
			"expires", cert.NotAfter.Format(time.RFC3339),
		)
	}

	streams := stream.NewManager(log)
	sk := sink.New(log)

	srv, err := receiver.NewServer(receiver.ServerConfig{
		Network: cfg.Network(),
		Host:    cfg.ListenHost,
		Ports:   cfg.Ports(),
		Cert:    cert,
		Stream: receiver.StreamConfig{
			MaxBuffered:  cfg.MaxBufferBytes,
			Ack:          cfg.AckUnits,
			KeyframeGate: cfg.KeyframeGate,
		},
		Decoder: decode.ProbeDecoder{QueueSize: media.CompletionBufferSize},
		Sink:    sk,
		Streams: streams,
		OnStreamClosed: func(info stream.Info, err error) {
			log.Info("display disconnected", "stream", info.ID, "port", info.Port, "error", err)
		},
		Logger: log,
	})
	if err != nil {
		return err
	}
	if err := srv.Listen(ctx); err != nil {
		return err
	}

	log.Info("multiscreen receiving",
		"version", version,
		"transport", cfg.Network(),
		"ports", cfg.Ports(),
		"api", cfg.APIAddr,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(ctx) })
	g.Go(func() error {
		sk.Present(ctx, &logPresenter{log: log.With("component", "presenter")})
		return nil
	})
	if cfg.APIAddr != "" {
		fingerprint := ""
		if cert != nil {
			fingerprint = cert.FingerprintBase64()
		}
		apiSrv, err := api.NewServer(api.Config{
			Addr:        cfg.APIAddr,
			Streams:     streams,
			Sink:        sk,
			Fingerprint: fingerprint,
			Logger:      log,
		})
		if err != nil {
			return err
		}
		g.Go(func() error { return apiSrv.Start(ctx) })
	}
	return g.Wait()
}

// logPresenter stands in for a display surface and logs what it would draw.
type logPresenter struct {
	log    *slog.Logger
	frames int64
}

func (p *logPresenter) OnDecodedImage(streamID string, img *media.DecodedImage) {
	p.frames++
	p.log.Debug("frame", "stream", streamID, "port", img.Port, "seq", img.Seq,
		"size", img.Width*img.Height, "latency", time.Since(img.DecodedAt))
	if p.frames%600 == 0 {
		p.log.Info("presented frames", "total", p.frames)
	}
}

func (p *logPresenter) OnStreamClosed(streamID, reason string) {
	p.log.Info("display cleared", "stream", streamID, "reason", reason)
}
