package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	cli "github.com/jawher/mow.cli"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/bilbercode/live-stream/internal/api"
	"github.com/bilbercode/live-stream/internal/auth"
	"github.com/bilbercode/live-stream/internal/camera"
	"github.com/bilbercode/live-stream/internal/capture"
	"github.com/bilbercode/live-stream/internal/media"
	"github.com/bilbercode/live-stream/internal/rtpsocket"
	"github.com/bilbercode/live-stream/internal/rtsp"
	"github.com/bilbercode/live-stream/internal/session"
)

const (
	appName = "live-stream"
	appDesc = "live H.264 RTSP server"
)

func main() {

	app := cli.App(appName, appDesc)

	logLevel := app.String(cli.StringOpt{
		Name:   "log.level",
		Desc:   "log level (debug, info, warn, error)",
		EnvVar: "LOG_LEVEL",
		Value:  "info",
	})

	logFile := app.String(cli.StringOpt{
		Name:   "log.file",
		Desc:   "write logs to a rotated file instead of stderr",
		EnvVar: "LOG_FILE",
		Value:  "",
	})

	app.Before = func() {
		level, err := log.ParseLevel(*logLevel)
		if err != nil {
			log.WithError(err).Warn("invalid log level, using info")
			level = log.InfoLevel
		}
		log.SetLevel(level)
		if *logFile != "" {
			log.SetOutput(&lumberjack.Logger{
				Filename:   *logFile,
				MaxSize:    50,
				MaxBackups: 3,
				MaxAge:     28,
			})
		}
	}

	app.Command("serve", "publish the input and serve it over RTSP", serveCmd)
	app.Command("probe", "describe a remote RTSP resource", probeCmd)

	err := app.Run(os.Args)
	if err != nil {
		log.WithError(err).Panic("failed to execute application")
	}
}

func serveCmd(cmd *cli.Cmd) {
	rtspHost := cmd.String(cli.StringOpt{
		Name:   "rtsp.host",
		Desc:   "host name advertised in the resource URL",
		EnvVar: "RTSP_HOST",
		Value:  "localhost",
	})

	rtspPort := cmd.Int(cli.IntOpt{
		Name:   "rtsp.port",
		Desc:   "RTSP listen port",
		EnvVar: "RTSP_PORT",
		Value:  8086,
	})

	rtspUser := cmd.String(cli.StringOpt{
		Name:   "rtsp.user",
		Desc:   "basic auth user name, empty disables authentication",
		EnvVar: "RTSP_USER",
		Value:  "",
	})

	rtspPass := cmd.String(cli.StringOpt{
		Name:   "rtsp.pass",
		Desc:   "basic auth password",
		EnvVar: "RTSP_PASS",
		Value:  "",
	})

	rtspRealm := cmd.String(cli.StringOpt{
		Name:   "rtsp.realm",
		Desc:   "basic auth realm",
		EnvVar: "RTSP_REALM",
		Value:  "",
	})

	resourcePath := cmd.String(cli.StringOpt{
		Name:   "path",
		Desc:   "path the stream is published at",
		EnvVar: "STREAM_PATH",
		Value:  "/test/live",
	})

	input := cmd.String(cli.StringOpt{
		Name:   "input",
		Desc:   "Annex-B H.264 input file, - reads stdin",
		EnvVar: "INPUT",
		Value:  capture.Stdin,
	})

	fps := cmd.Int(cli.IntOpt{
		Name:   "fps",
		Desc:   "input frame rate",
		EnvVar: "FPS",
		Value:  capture.DefaultFrameRate,
	})

	loop := cmd.Bool(cli.BoolOpt{
		Name:   "loop",
		Desc:   "restart the input file when it ends",
		EnvVar: "LOOP",
		Value:  false,
	})

	mtu := cmd.Int(cli.IntOpt{
		Name:   "mtu",
		Desc:   "maximum transmission unit of the RTP packets",
		EnvVar: "MTU",
		Value:  rtpsocket.DefaultMTU,
	})

	rtpPort := cmd.Int(cli.IntOpt{
		Name:   "rtp.port",
		Desc:   "default destination RTP port",
		EnvVar: "RTP_PORT",
		Value:  rtpsocket.DefaultRTPPort,
	})

	rtcpInterval := cmd.String(cli.StringOpt{
		Name:   "rtcp.interval",
		Desc:   "interval between RTCP sender reports",
		EnvVar: "RTCP_INTERVAL",
		Value:  "3s",
	})

	cache := cmd.String(cli.StringOpt{
		Name:   "cache",
		Desc:   "stream buffered before sending starts, 0 disables pacing",
		EnvVar: "CACHE",
		Value:  "0",
	})

	ttl := cmd.Int(cli.IntOpt{
		Name:   "ttl",
		Desc:   "time to live of the RTP packets",
		EnvVar: "TTL",
		Value:  64,
	})

	httpAddr := cmd.String(cli.StringOpt{
		Name:   "http.addr",
		Desc:   "status API address, empty disables the API",
		EnvVar: "HTTP_ADDR",
		Value:  ":8080",
	})

	cmd.Action = func() {
		interval, err := time.ParseDuration(*rtcpInterval)
		if err != nil {
			log.WithError(err).Panic("failed to parse RTCP interval")
		}
		cacheSize, err := time.ParseDuration(*cache)
		if err != nil {
			log.WithError(err).Panic("failed to parse cache size")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		registry := session.NewRegistry()
		authManager := auth.NewManager(*rtspUser, *rtspPass, *rtspRealm)

		rtspServer := rtsp.NewServer(rtsp.Config{
			Registry:   registry,
			Auth:       authManager,
			ServerName: appName,
		})

		addr := net.JoinHostPort(*rtspHost, fmt.Sprint(*rtspPort))
		cam := camera.NewService(camera.Config{
			Registry: registry,
			URI:      fmt.Sprintf("rtsp://%s%s", addr, *resourcePath),
			Track: media.TrackConfig{
				Name: "camera",
				Quality: media.VideoQuality{
					Width:     media.DefaultVideoQuality.Width,
					Height:    media.DefaultVideoQuality.Height,
					FrameRate: *fps,
					BitRate:   media.DefaultVideoQuality.BitRate,
				},
				Socket: rtpsocket.Config{
					MTU:             *mtu,
					DefaultRTPPort:  *rtpPort,
					DefaultRTCPPort: *rtpPort + 1,
					CacheSize:       cacheSize,
					TTL:             *ttl,
					RTCPInterval:    interval,
				},
			},
			Capture: capture.Config{
				Path:      *input,
				FrameRate: *fps,
				Loop:      *loop,
			},
			Description: session.Description{
				Name: appName,
			},
		})

		group, ctx := errgroup.WithContext(ctx)

		group.Go(func() error {
			return rtspServer.Start(ctx, fmt.Sprintf(":%d", *rtspPort))
		})

		group.Go(func() error {
			return cam.Start(ctx)
		})

		if *httpAddr != "" {
			statusAPI := api.NewServer(api.Config{
				Addr:     *httpAddr,
				Registry: registry,
				Auth:     authManager,
			})
			group.Go(func() error {
				return statusAPI.Start(ctx)
			})
		}

		err = group.Wait()
		if err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Panic("stopped")
		}
		log.Info("stopped")
	}
}

func probeCmd(cmd *cli.Cmd) {
	cmd.Spec = "[OPTIONS] URL"

	user := cmd.String(cli.StringOpt{
		Name:   "user",
		Desc:   "basic auth user name",
		EnvVar: "RTSP_USER",
		Value:  "",
	})

	pass := cmd.String(cli.StringOpt{
		Name:   "pass",
		Desc:   "basic auth password",
		EnvVar: "RTSP_PASS",
		Value:  "",
	})

	uri := cmd.String(cli.StringArg{
		Name: "URL",
		Desc: "rtsp URL of the resource",
	})

	cmd.Action = func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		sd, md, err := camera.Probe(ctx, *uri, *user, *pass)
		if err != nil {
			log.WithError(err).Fatal("failed to probe resource")
		}
		control, _ := md.Attribute("control")
		rtpmap, _ := md.Attribute("rtpmap")
		fmtp, _ := md.Attribute("fmtp")
		log.WithFields(log.Fields{
			"session": string(sd.SessionName),
			"media":   md.MediaName.String(),
			"control": control,
			"rtpmap":  rtpmap,
			"fmtp":    fmtp,
		}).Info("resource described")
	}
}
