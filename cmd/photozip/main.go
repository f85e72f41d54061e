package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/units"
	"golang.org/x/sync/errgroup"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/uhthomas/photozip/pkg/photozip"
)

// ServeCommand runs the archive server.
type ServeCommand struct {
	Addr            string
	Cert, Key       string
	PhotoDir        string
	Index           string
	Zip             string
	Delay           time.Duration
	ChunkSize       units.Base2Bytes
	ShutdownTimeout time.Duration
	Quiet, Debug    bool
}

func newLogger(w io.Writer, quiet, debug bool) *slog.Logger {
	if quiet {
		return slog.New(slog.DiscardHandler)
	}
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// Validate rejects flag combinations the server cannot honour.
func (c *ServeCommand) Validate() error {
	if (c.Cert == "") != (c.Key == "") {
		return errors.New("--cert and --key must be set together")
	}
	if c.ChunkSize <= 0 || c.ChunkSize > photozip.MaxChunkSize {
		return fmt.Errorf("--chunk-size must be between 1 and %d bytes", photozip.MaxChunkSize)
	}
	return nil
}

func (c *ServeCommand) handler(logger *slog.Logger) *photozip.Handler {
	producer := photozip.Zip
	if c.Zip != "" {
		producer.Path = c.Zip
	}
	return photozip.New(
		photozip.Root(c.PhotoDir),
		photozip.IndexFile(c.Index),
		photozip.Delay(c.Delay),
		photozip.ChunkSize(int(c.ChunkSize)),
		photozip.Logger(logger),
		photozip.WithProducer(producer),
	)
}

// Run serves until ctx is done, then drains in-flight downloads for up to
// ShutdownTimeout before dropping them.
func (c *ServeCommand) Run(ctx context.Context, l net.Listener, logger *slog.Logger) error {
	hs := &http.Server{
		Handler:           c.handler(logger),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}
	if c.Cert != "" && c.Key != "" {
		hs.TLSConfig = &tls.Config{
			MinVersion:       tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{tls.CurveP256, tls.X25519},
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if hs.TLSConfig != nil {
			err = hs.ServeTLS(l, c.Cert, c.Key)
		} else {
			err = hs.Serve(l)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
		defer cancel()
		if err := hs.Shutdown(sctx); err != nil {
			// Closing the connections cancels the remaining downloads.
			return hs.Close()
		}
		return nil
	})
	return g.Wait()
}

func main() {
	var s ServeCommand
	{
		servecmd := kingpin.Command("serve", "Start a photozip server.").Default()
		servecmd.
			Flag("addr", "Server listen address.").
			Default(":8080").
			StringVar(&s.Addr)
		servecmd.
			Flag("cert", "TLS certificate path.").
			StringVar(&s.Cert)
		servecmd.
			Flag("key", "TLS key path.").
			StringVar(&s.Key)
		servecmd.
			Flag("photo-dir", "Directory with photos.").
			Default(photozip.DefaultRoot).
			StringVar(&s.PhotoDir)
		servecmd.
			Flag("index", "HTML document served at /.").
			Default(photozip.DefaultIndex).
			StringVar(&s.Index)
		servecmd.
			Flag("zip", "Path to the zip binary.").
			Default("zip").
			StringVar(&s.Zip)
		servecmd.
			Flag("delay", "Delay after each archive chunk.").
			Default("0s").
			DurationVar(&s.Delay)
		servecmd.
			Flag("chunk-size", "Largest archive chunk sent at once.").
			Default("100000B").
			BytesVar(&s.ChunkSize)
		servecmd.
			Flag("shutdown-timeout", "How long to wait for downloads on shutdown.").
			Default("30s").
			DurationVar(&s.ShutdownTimeout)
		servecmd.
			Flag("quiet", "Disable logging.").
			BoolVar(&s.Quiet)
		servecmd.
			Flag("debug", "Log every archive chunk.").
			BoolVar(&s.Debug)
	}

	var f FetchCommand
	{
		fetchcmd := kingpin.Command("fetch", "Download an archive.")
		fetchcmd.
			Arg("identifier", "Archive to download.").
			Required().
			StringVar(&f.Identifier)
		fetchcmd.
			Flag("out", "Output path, defaults to <identifier>.zip.").
			Short('o').
			StringVar(&f.Out)
		fetchcmd.
			Flag("list", "List the files in the archive once downloaded.").
			BoolVar(&f.List)
		fetchcmd.
			Flag("insecure", "Don't verify SSL certificates.").
			BoolVar(&f.Insecure)
		fetchcmd.
			Flag("url", "Server URL").
			Envar("PHOTOZIP_URL").
			Default("http://localhost:8080").
			URLVar(&f.URL)
	}

	t := kingpin.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// photozip fetch
	if t == "fetch" {
		if err := f.Do(ctx, os.Stdout); err != nil {
			log.Fatal(err)
		}
		return
	}

	if err := s.Validate(); err != nil {
		log.Fatal(err)
	}
	logger := newLogger(os.Stderr, s.Quiet, s.Debug)
	l, err := net.Listen("tcp", s.Addr)
	if err != nil {
		log.Fatal(err)
	}
	// Output a message so users know when the server has been started.
	logger.Info("listening", "addr", l.Addr().String(), "photo_dir", s.PhotoDir)
	if err := s.Run(ctx, l, logger); err != nil {
		log.Fatal(err)
	}
}
