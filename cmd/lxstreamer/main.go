package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"strings"

	"github.com/asticode/go-astiav"
	"github.com/facebookincubator/go-belt"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/spf13/pflag"

	"github.com/xaionaro-go/lxstreamer/config"
	"github.com/xaionaro-go/lxstreamer/encoderpool"
	lxlogger "github.com/xaionaro-go/lxstreamer/logger"
	"github.com/xaionaro-go/lxstreamer/streamer"
	"github.com/xaionaro-go/observability"
)

func main() {
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "syntax: %s --config <path.yaml>\n", os.Args[0])
	}

	loggerLevel := logger.LevelInfo
	pflag.Var(&loggerLevel, "log-level", "Log level")
	configPath := pflag.String("config", "", "path to a YAML config file listing sources")
	appDir := pflag.String("app-dir", "", "application directory for records/TLS defaults")
	netPprofAddr := pflag.String("net-pprof-listen-addr", "", "an address to listen for incoming net/pprof connections")
	hwAccel := pflag.String("hwaccel", "", "hardware accelerator to prefer for encoding (e.g. vaapi, videotoolbox, cuda, qsv); empty picks the OS default")
	pflag.Parse()

	if *configPath == "" {
		pflag.Usage()
		os.Exit(1)
	}
	encoderpool.HardwareAccelOverride = *hwAccel

	l := logrus.Default().WithLevel(loggerLevel)
	ctx := logger.CtxWithLogger(context.Background(), l)
	ctx, cancelFn := context.WithCancel(ctx)
	defer cancelFn()
	logger.Default = func() logger.Logger { return l }
	defer belt.Flush(ctx)

	astiav.SetLogLevel(astiavLogLevel(l.Level()))
	astiav.SetLogCallback(func(c astiav.Classer, level astiav.LogLevel, format, msg string) {
		var cs string
		if c != nil {
			if cl := c.Class(); cl != nil {
				cs = " - class: " + cl.String()
			}
		}
		lxlogger.Logf(ctx, logLevelFromAstiav(level), "%s%s", strings.TrimSpace(msg), cs)
	})

	if *netPprofAddr != "" {
		observability.Go(ctx, func(ctx context.Context) {
			l.Error(http.ListenAndServe(*netPprofAddr, nil))
		})
	}

	file, err := config.Load(*configPath)
	if err != nil {
		l.Fatal(err)
	}

	dir := *appDir
	if dir == "" {
		dir = file.AppDir
	}
	if dir == "" {
		dir, err = os.Getwd()
		if err != nil {
			l.Fatal(err)
		}
	}

	str := streamer.New(int(file.Port), file.HTTPS, dir)
	if file.HTTPS {
		cert, key := file.CertPEM, file.KeyPEM
		if cert == "" {
			cert = filepath.Join(dir, "server.pem")
		}
		if key == "" {
			key = filepath.Join(dir, "server.key")
		}
		str.SetSSLCertPath(cert, key)
	}

	for _, src := range file.Sources {
		args := src.ToSourceArgs()
		if apiErr := str.AddSource(ctx, args); apiErr != nil {
			l.Errorf("unable to add source %q: %v", args.Name, apiErr)
			continue
		}
		if opts, ok := src.ToRecordOptions(); ok {
			if apiErr := str.StartRecording(ctx, args.Name, opts); apiErr != nil {
				l.Errorf("unable to start recording for %q: %v", args.Name, apiErr)
			}
		}
	}

	if err := str.Start(ctx); err != nil {
		l.Fatal(err)
	}

	l.Infof("lxstreamer listening on port %d (https=%v), %d source(s) configured", file.Port, file.HTTPS, len(file.Sources))
	<-ctx.Done()
}

func astiavLogLevel(l logger.Level) astiav.LogLevel {
	switch l {
	case logger.LevelUndefined:
		return astiav.LogLevelQuiet
	case logger.LevelPanic:
		return astiav.LogLevelPanic
	case logger.LevelFatal:
		return astiav.LogLevelFatal
	case logger.LevelError:
		return astiav.LogLevelError
	case logger.LevelWarning:
		return astiav.LogLevelWarning
	case logger.LevelInfo:
		return astiav.LogLevelInfo
	case logger.LevelDebug:
		return astiav.LogLevelVerbose
	case logger.LevelTrace:
		return astiav.LogLevelDebug
	}
	return astiav.LogLevelWarning
}

func logLevelFromAstiav(l astiav.LogLevel) logger.Level {
	switch l {
	case astiav.LogLevelQuiet:
		return logger.LevelUndefined
	case astiav.LogLevelFatal:
		return logger.LevelFatal
	case astiav.LogLevelPanic:
		return logger.LevelPanic
	case astiav.LogLevelError:
		return logger.LevelError
	case astiav.LogLevelWarning:
		return logger.LevelWarning
	case astiav.LogLevelInfo:
		return logger.LevelInfo
	case astiav.LogLevelVerbose:
		return logger.LevelDebug
	case astiav.LogLevelDebug:
		return logger.LevelTrace
	}
	return logger.LevelWarning
}
