// Package streamer is the process-wide facade the spec's library API
// describes: it owns the source registry, the HTTP surface, and the
// process-wide logging knobs, and turns each public call into an
// apierror.Kind result.
package streamer

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/facebookincubator/go-belt/tool/logger"
	xlogrus "github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/sirupsen/logrus"

	"github.com/xaionaro-go/lxstreamer/apierror"
	"github.com/xaionaro-go/lxstreamer/httpapi"
	"github.com/xaionaro-go/lxstreamer/source"
	"github.com/xaionaro-go/lxstreamer/writer"
	"github.com/xaionaro-go/observability"
)

// Config configures one Streamer process.
type Config struct {
	Port    int
	HTTPS   bool
	AppDir  string
	AddrFmt string // defaults to ":%d"
}

// Streamer is the top-level object an embedder constructs; it matches
// the spec's Streamer(port, https) library entry point.
type Streamer struct {
	cfg Config

	mu       sync.RWMutex
	sources  map[string]*source.Source
	certFile string
	keyFile  string

	server *httpapi.Server
}

// New constructs a Streamer bound to port, serving HTTPS when https is
// set. Nothing is listening until Start is called.
func New(port int, https bool, appDir string) *Streamer {
	cfg := Config{Port: port, HTTPS: https, AppDir: appDir, AddrFmt: ":%d"}
	return &Streamer{
		cfg:     cfg,
		sources: make(map[string]*source.Source),
	}
}

// SetSSLCertPath points HTTPS at a certificate and key pair; call before
// Start. Relative paths are left as-is for the caller to have already
// resolved, matching the spec's "resolved to absolute" contract which is
// the embedder's responsibility at configuration time.
func (s *Streamer) SetSSLCertPath(certFile, keyFile string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.certFile = certFile
	s.keyFile = keyFile
}

// Start binds the HTTP listener, returning any bind error synchronously,
// then serves requests in the background until ctx is canceled.
func (s *Streamer) Start(ctx context.Context) error {
	s.mu.RLock()
	cert, key := s.certFile, s.keyFile
	port := s.cfg.Port
	s.mu.RUnlock()

	if !s.cfg.HTTPS {
		cert, key = "", ""
	}

	srv := httpapi.New(httpapi.Config{
		Addr:     fmt.Sprintf(s.cfg.AddrFmt, port),
		CertFile: cert,
		KeyFile:  key,
	}, s.lookup)
	if err := srv.Bind(ctx); err != nil {
		return err
	}
	s.server = srv

	observability.Go(ctx, func(ctx context.Context) {
		if err := srv.Serve(ctx); err != nil {
			logger.Errorf(ctx, "streamer: http server stopped: %v", err)
		}
	})
	return nil
}

func (s *Streamer) lookup(name string) (httpapi.ViewerSource, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[name]
	if !ok {
		return nil, false
	}
	return src, true
}

// AddSource registers and starts a new source pipeline, returning
// already_exists if the name is taken.
func (s *Streamer) AddSource(ctx context.Context, args source.Args) *apierror.Error {
	if args.Name == "" {
		return apierror.New(apierror.InvalidArgument, "source name must not be empty")
	}
	if args.URL == "" {
		return apierror.New(apierror.InvalidArgument, "source %q: url must not be empty", args.Name)
	}

	s.mu.Lock()
	if _, exists := s.sources[args.Name]; exists {
		s.mu.Unlock()
		return apierror.New(apierror.AlreadyExists, "source %q already exists", args.Name)
	}
	src := source.New(args, s.cfg.AppDir)
	s.sources[args.Name] = src
	s.mu.Unlock()

	src.Start(ctx)
	return nil
}

// RemoveSource stops and unregisters a source.
func (s *Streamer) RemoveSource(ctx context.Context, name string) *apierror.Error {
	s.mu.Lock()
	src, ok := s.sources[name]
	if !ok {
		s.mu.Unlock()
		return apierror.New(apierror.NotFound, "source %q not found", name)
	}
	delete(s.sources, name)
	s.mu.Unlock()

	src.Close(ctx)
	return nil
}

// Sources lists every currently registered source name.
func (s *Streamer) Sources() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.sources))
	for name := range s.sources {
		names = append(names, name)
	}
	return names
}

func (s *Streamer) find(name string) (*source.Source, *apierror.Error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[name]
	if !ok {
		return nil, apierror.New(apierror.NotFound, "source %q not found", name)
	}
	return src, nil
}

// StartRecording arms recording on a source, returning already_done if
// it is already recording.
func (s *Streamer) StartRecording(ctx context.Context, name string, opts writer.RecordOptions) *apierror.Error {
	src, err := s.find(name)
	if err != nil {
		return err
	}
	if !src.StartRecording(ctx, opts) {
		return apierror.New(apierror.AlreadyDone, "source %q is already recording", name)
	}
	return nil
}

// StopRecording disarms recording, returning already_done if it was not
// active.
func (s *Streamer) StopRecording(ctx context.Context, name string) *apierror.Error {
	src, err := s.find(name)
	if err != nil {
		return err
	}
	if !src.StopRecording(ctx) {
		return apierror.New(apierror.AlreadyDone, "source %q is not recording", name)
	}
	return nil
}

// Seek requests a local-file source seek to the given media time.
func (s *Streamer) Seek(ctx context.Context, name string, seconds float64) *apierror.Error {
	src, err := s.find(name)
	if err != nil {
		return err
	}
	if !src.Seek(ctx, seconds) {
		return apierror.New(apierror.NotSupported, "source %q does not support seeking", name)
	}
	return nil
}

// SetSpeed requests a local-file source playback speed change.
func (s *Streamer) SetSpeed(ctx context.Context, name string, factor float64) *apierror.Error {
	src, err := s.find(name)
	if err != nil {
		return err
	}
	if !src.SetSpeed(ctx, factor) {
		return apierror.New(apierror.NotSupported, "source %q does not support speed control", name)
	}
	return nil
}

// SetLogLevel adjusts the process-wide default logger's level.
func (s *Streamer) SetLogLevel(ctx context.Context, level logger.Level) {
	entry := s.logrusEntry(ctx)
	if entry == nil {
		return
	}
	entry.Logger.SetLevel(xlogrus.LevelToLogrus(level))
}

// SetLogToStdout redirects the process-wide default logger's output.
func (s *Streamer) SetLogToStdout(ctx context.Context, toStdout bool) {
	entry := s.logrusEntry(ctx)
	if entry == nil {
		return
	}
	if toStdout {
		entry.Logger.SetOutput(os.Stdout)
	} else {
		entry.Logger.SetOutput(os.Stderr)
	}
}

// LogCallback receives every log message the process-wide logger emits,
// alongside its level, mirroring the spec's set_log_callback(fn).
type LogCallback func(message string, level logger.Level)

// SetLogCallback installs fn as an additional sink for every message the
// process-wide logger emits.
func (s *Streamer) SetLogCallback(ctx context.Context, fn LogCallback) {
	entry := s.logrusEntry(ctx)
	if entry == nil || fn == nil {
		return
	}
	entry.Logger.AddHook(&callbackHook{fn: fn})
}

func (s *Streamer) logrusEntry(ctx context.Context) *logrus.Entry {
	l := logger.FromCtx(ctx)
	if l == nil {
		return nil
	}
	emitter, ok := l.Emitter().(*xlogrus.Emitter)
	if !ok {
		return nil
	}
	return emitter.LogrusEntry
}

type callbackHook struct {
	fn LogCallback
}

func (h *callbackHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *callbackHook) Fire(entry *logrus.Entry) error {
	h.fn(entry.Message, levelFromLogrus(entry.Level))
	return nil
}

// levelFromLogrus is the inverse of xlogrus.LevelToLogrus, which only
// converts in the other direction.
func levelFromLogrus(l logrus.Level) logger.Level {
	switch l {
	case logrus.TraceLevel:
		return logger.LevelTrace
	case logrus.DebugLevel:
		return logger.LevelDebug
	case logrus.InfoLevel:
		return logger.LevelInfo
	case logrus.WarnLevel:
		return logger.LevelWarning
	case logrus.ErrorLevel:
		return logger.LevelError
	case logrus.PanicLevel:
		return logger.LevelPanic
	case logrus.FatalLevel:
		return logger.LevelFatal
	default:
		return logger.LevelInfo
	}
}
