package server

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"github.com/tinyserve/staticd/internal/config"
)

const (
	HomePage     = "home.html"
	NotFoundPage = "404.html"
	ConfigPage   = "config.html"
)

// Dispatcher answers exactly one request per connection
type Dispatcher struct {
	store           *config.Store
	credentialsPath string

	logger *zap.Logger
}

func NewDispatcher(store *config.Store, credentialsPath string, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:           store,
		credentialsPath: credentialsPath,
		logger:          logger.Named("dispatcher"),
	}
}

// ServeConn reads one request from rw and writes the response. It never
// closes rw. Static files are resolved against the Config that is current
// when the request line arrives.
func (d *Dispatcher) ServeConn(rw io.ReadWriter, connID string) error {
	log := d.logger.Sugar().With("conn", connID)
	r := bufio.NewReader(rw)

	line, err := readRequestLine(r)
	if err != nil {
		return err
	}
	cfg := d.store.Current()
	rt := classify(line)
	log.Infow("request", "line", line, "route", rt.String())

	switch rt {
	case routeConfig:
		return d.serveFile(rw, cfg, StatusOK, ConfigPage)
	case routeUpdateConfig:
		return d.updateConfig(r, rw, cfg, log)
	case routeHome:
		return d.serveFile(rw, cfg, StatusOK, HomePage)
	default:
		return d.serveFile(rw, cfg, StatusNotFound, NotFoundPage)
	}
}

func (d *Dispatcher) updateConfig(r *bufio.Reader, w io.Writer, cfg config.Config, log *zap.SugaredLogger) error {
	body, err := readBody(r)
	if err != nil {
		return err
	}
	form, err := decodeForm(body)
	if err != nil {
		log.Warnw("form has undecodable fields, keeping them verbatim", "error", err)
	}

	username, hasUser := form.lookup("username")
	password, hasPass := form.lookup("password")
	if !hasUser || !hasPass {
		log.Warnw("missing username or password")
		return d.serveFile(w, cfg, StatusNotFound, NotFoundPage)
	}

	creds, err := config.LoadCredentials(d.credentialsPath)
	if err != nil {
		log.Errorw("failed to read credentials", "path", d.credentialsPath, "error", err)
		return d.serveFile(w, cfg, StatusNotFound, NotFoundPage)
	}
	if !creds.Verify(username, password) {
		log.Warnw("invalid credentials", "username", username)
		return d.serveFile(w, cfg, StatusNotFound, NotFoundPage)
	}

	next := mergeForm(cfg, form)
	if err := d.store.Update(next); err != nil {
		if werr := writeResponse(w, StatusInternalError, nil); werr != nil {
			log.Warnw("failed to write error response", "error", werr)
		}
		return fmt.Errorf("failed to update config: %w", err)
	}
	log.Infow("config updated",
		"username", username,
		"host", next.Host,
		"port", next.Port,
		"static_dir", next.StaticDir,
	)
	return d.serveFile(w, cfg, StatusOK, HomePage)
}

// mergeForm overlays the submitted host, port and static_dir on cfg.
// A port that does not parse as a 16-bit unsigned integer keeps cfg.Port.
func mergeForm(cfg config.Config, form formValues) config.Config {
	next := cfg
	if host, ok := form.lookup("host"); ok {
		next.Host = host
	}
	if port, ok := form.lookup("port"); ok {
		if p, err := strconv.ParseUint(port, 10, 16); err == nil {
			next.Port = uint16(p)
		}
	}
	if dir, ok := form.lookup("static_dir"); ok {
		next.StaticDir = dir
	}
	return next
}

// serveFile writes name from the static directory with the given status.
// When the file cannot be read the client gets an empty 500 and the read
// error is returned.
func (d *Dispatcher) serveFile(w io.Writer, cfg config.Config, status, name string) error {
	path := filepath.Join(cfg.StaticDir, name)
	body, err := os.ReadFile(path)
	if err != nil {
		if werr := writeResponse(w, StatusInternalError, nil); werr != nil {
			d.logger.Sugar().Warnw("failed to write error response", "error", werr)
		}
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	return writeResponse(w, status, body)
}
