// Package pprof mounts the runtime profiling endpoints on the ops router.
package pprof

import (
	"net/http"
	hpprof "net/http/pprof"
	"runtime"
	"strings"

	"github.com/gin-gonic/gin"
)

// Config controls profiling. Zero rates keep the Go defaults.
type Config struct {
	Prefix string

	MutexProfileFraction int
	BlockProfileRate     int
	MemProfileRate       int
}

// ApplyRuntimeRates sets the sampling rates; call once at startup.
func ApplyRuntimeRates(cfg Config) {
	if cfg.MutexProfileFraction > 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
	if cfg.MemProfileRate > 0 {
		runtime.MemProfileRate = cfg.MemProfileRate
	}
}

// Register mounts the index, the named profiles and cmdline/profile/symbol/
// trace under prefix (default /debug/pprof/).
func Register(r gin.IRouter, prefix string) {
	prefix = NormalizePrefix(prefix)
	base := strings.TrimSuffix(prefix, "/")
	index := indexAt(prefix)

	h := func(c *gin.Context) {
		switch strings.TrimPrefix(c.Param("name"), "/") {
		case "cmdline":
			hpprof.Cmdline(c.Writer, c.Request)
		case "profile":
			hpprof.Profile(c.Writer, c.Request)
		case "symbol":
			hpprof.Symbol(c.Writer, c.Request)
		case "trace":
			hpprof.Trace(c.Writer, c.Request)
		default:
			index(c.Writer, c.Request)
		}
	}
	r.GET(base+"/*name", h)
	r.POST(base+"/*name", h)
}

func NormalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		p = "/debug/pprof/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// pprof.Index assumes requests are rooted at /debug/pprof/.
// To support custom prefixes without forking net/http/pprof,
// we rewrite the path before calling the handler.
func indexAt(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		suffix := strings.TrimPrefix(r.URL.Path, prefix)
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + suffix
		hpprof.Index(w, r2)
	}
}
