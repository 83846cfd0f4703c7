package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

const defaultMaxBodyBytes = 1 << 20

// Options is the process-wide HTTP configuration. The binary installs it
// with Configure before serving.
type Options struct {
	// MaxBodyBytes caps JSON request bodies (default 1 MiB).
	MaxBodyBytes int64
	// InferTimeout bounds a whole /infer request, queueing and generation
	// included. Zero disables it.
	InferTimeout time.Duration
	// CORSOrigins turns CORS on when non-empty.
	CORSOrigins []string
	CORSMethods []string
	CORSHeaders []string
	// RequestLogLevel is the default request log threshold: off, error,
	// info or debug.
	RequestLogLevel string
}

var opts = Options{MaxBodyBytes: defaultMaxBodyBytes}

// Configure installs o, filling zero values with defaults.
func Configure(o Options) {
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = defaultMaxBodyBytes
	}
	if o.InferTimeout < 0 {
		o.InferTimeout = 0
	}
	o.CORSOrigins = append([]string(nil), o.CORSOrigins...)
	o.CORSMethods = append([]string(nil), o.CORSMethods...)
	o.CORSHeaders = append([]string(nil), o.CORSHeaders...)
	requestLevel = parseRequestLevel(o.RequestLogLevel, zerolog.InfoLevel)
	opts = o
}

func (o Options) corsEnabled() bool { return len(o.CORSOrigins) > 0 }

func (o Options) cors() cors.Options {
	c := cors.Options{
		AllowedOrigins: o.CORSOrigins,
		AllowedMethods: o.CORSMethods,
		AllowedHeaders: o.CORSHeaders,
		ExposedHeaders: []string{"X-Conversation-Id", "X-Request-Id"},
		MaxAge:         300,
	}
	if len(c.AllowedMethods) == 0 {
		c.AllowedMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	}
	if len(c.AllowedHeaders) == 0 {
		c.AllowedHeaders = []string{"Content-Type", "X-Log-Level", "X-Request-Id"}
	}
	return c
}
