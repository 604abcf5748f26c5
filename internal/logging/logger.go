package logging

import (
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/umara25/PolyYield/internal/config"
)

const redacted = "xxxxx"

// Query parameters RPC providers use to carry account keys.
var secretQueryParams = []string{"api-key", "api_key", "apikey", "token", "access_token"}

type options struct {
	console io.Writer
}

type Option func(*options)

// WithConsole replaces stdout as the console destination.
func WithConsole(w io.Writer) Option {
	return func(o *options) { o.console = w }
}

// New builds the service logger. The returned close func releases the log file
// when output includes one. Endpoint and DSN attributes are logged with their
// credentials masked.
func New(serviceName string, cfg config.LogConfig, opts ...Option) (*slog.Logger, func() error, error) {
	o := options{console: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}

	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	format, err := parseFormat(cfg.Format)
	if err != nil {
		return nil, nil, err
	}

	writer, closeWriter, err := openWriter(serviceName, cfg, o.console)
	if err != nil {
		return nil, nil, err
	}

	handlerOptions := &slog.HandlerOptions{Level: level, ReplaceAttr: maskCredentials}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(writer, handlerOptions)
	} else {
		handler = slog.NewTextHandler(writer, handlerOptions)
	}
	return slog.New(handler).With("service", serviceName), closeWriter, nil
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func parseFormat(raw string) (string, error) {
	switch format := strings.ToLower(strings.TrimSpace(raw)); format {
	case "", "text":
		return "text", nil
	case "json":
		return format, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text|json)", raw)
	}
}

func parseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug|info|warn|error)", raw)
	}
}

func openWriter(serviceName string, cfg config.LogConfig, console io.Writer) (io.Writer, func() error, error) {
	noop := func() error { return nil }
	switch output := strings.ToLower(strings.TrimSpace(cfg.Output)); output {
	case "", "console":
		return console, noop, nil
	case "file", "both":
		file, err := openLogFile(serviceName, cfg.FilePath)
		if err != nil {
			return nil, nil, err
		}
		if output == "file" {
			return file, file.Close, nil
		}
		return io.MultiWriter(console, file), file.Close, nil
	default:
		return nil, nil, fmt.Errorf("invalid log output %q (expected console|file|both)", cfg.Output)
	}
}

// openLogFile defaults to .local/log/<service>.log under the working directory.
func openLogFile(serviceName, configuredPath string) (*os.File, error) {
	logPath := strings.TrimSpace(configuredPath)
	if logPath == "" {
		logPath = filepath.Join(".local", "log", serviceName+".log")
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory for %q: %w", logPath, err)
	}
	file, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", logPath, err)
	}
	return file, nil
}

func maskCredentials(_ []string, attr slog.Attr) slog.Attr {
	if attr.Value.Kind() != slog.KindString {
		return attr
	}
	if masked, ok := maskURL(attr.Value.String()); ok {
		attr.Value = slog.StringValue(masked)
	}
	return attr
}

// maskURL hides the userinfo password and provider key parameters of raw.
// ok is false when raw is not an absolute URL or carries nothing to hide.
func maskURL(raw string) (string, bool) {
	if !strings.Contains(raw, "://") {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return "", false
	}

	changed := false
	if _, hasPassword := u.User.Password(); hasPassword {
		u.User = url.UserPassword(u.User.Username(), redacted)
		changed = true
	}
	query := u.Query()
	for _, key := range secretQueryParams {
		if query.Has(key) {
			query.Set(key, redacted)
			changed = true
		}
	}
	if !changed {
		return "", false
	}
	u.RawQuery = query.Encode()
	return u.String(), true
}
