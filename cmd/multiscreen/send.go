package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/zsiec/multiscreen/internal/capture"
	"github.com/zsiec/multiscreen/internal/config"
	"github.com/zsiec/multiscreen/internal/encoder"
	"github.com/zsiec/multiscreen/internal/sender"
)

func newSendCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Capture displays and stream them to a receiver",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSend(cmd.Context(), cfg)
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.Host, "host", cfg.Host, "receiver host")
	f.StringVar(&cfg.InputFile, "input", cfg.InputFile, "Annex-B H.264 file to replay instead of the test pattern")
	f.IntVar(&cfg.Width, "width", cfg.Width, "capture width")
	f.IntVar(&cfg.Height, "height", cfg.Height, "capture height")
	f.IntVar(&cfg.FPS, "fps", cfg.FPS, "frames per second")
	f.IntVar(&cfg.GOP, "gop", cfg.GOP, "keyframe interval of the test pattern")
	f.BoolVar(&cfg.RepeatParameterSets, "repeat-params", cfg.RepeatParameterSets, "send SPS/PPS before every keyframe")
	f.StringVar(&cfg.QUICFingerprint, "fingerprint", cfg.QUICFingerprint, "receiver certificate fingerprint (quic)")
	f.DurationVar(&cfg.ReconnectDelay, "reconnect-delay", cfg.ReconnectDelay, "pause between connection attempts")
	return cmd
}

func runSend(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	var group sender.Group
	for i, port := range cfg.Ports() {
		src, err := capture.NewSynthetic(cfg.Width, cfg.Height, cfg.FPS, byte(i*0x40))
		if err != nil {
			return err
		}
		enc, err := newEncoder(cfg)
		if err != nil {
			return err
		}
		group.Add(sender.New(sender.Config{
			Network:             cfg.Network(),
			Addr:                net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
			Fingerprint:         cfg.QUICFingerprint,
			StreamID:            fmt.Sprintf("display/%d", port),
			ReconnectDelay:      cfg.ReconnectDelay,
			RepeatParameterSets: cfg.RepeatParameterSets,
			Logger:              log.With("port", port),
		}, src, enc))
	}

	log.Info("multiscreen sending",
		"version", version,
		"transport", cfg.Network(),
		"host", cfg.Host,
		"ports", cfg.Ports(),
		"input", cfg.InputFile,
	)
	return group.Run(ctx)
}

func newEncoder(cfg *config.Config) (encoder.Encoder, error) {
	if cfg.InputFile != "" {
		return encoder.OpenFile(cfg.InputFile, cfg.FrameInterval())
	}
	return encoder.NewPatternEncoder(cfg.FrameInterval(), encoder.WithGOP(cfg.GOP)), nil
}
