package handlers

import (
	"net/http"
	"runtime"
	"sort"

	"github.com/fulmenhq/gofulmen/crucible"

	"github.com/predmkts/predmkts/internal/core/datasource"
	"github.com/predmkts/predmkts/internal/core/engine"
)

// BuildInfo is the build metadata stamped into the binary by main.
type BuildInfo struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Commit    string `json:"git_commit"`
	BuildDate string `json:"build_date"`
}

// DevBuild is reported when main stamped nothing.
var DevBuild = BuildInfo{Name: "predmkts", Version: "dev", Commit: "unknown", BuildDate: "unknown"}

// VersionResponse is the body of GET /version.
type VersionResponse struct {
	App          AppInfo     `json:"app"`
	Dependencies DepInfo     `json:"dependencies"`
	Runtime      RuntimeInfo `json:"runtime"`
	Limiter      LimiterInfo `json:"limiter"`
}

type AppInfo struct {
	BuildInfo
	GoVersion string `json:"go_version,omitempty"`
}

type DepInfo struct {
	Gofulmen string `json:"gofulmen"`
	Crucible string `json:"crucible"`
}

type RuntimeInfo struct {
	Platform      string `json:"platform"`
	NumCPU        int    `json:"num_cpu"`
	NumGoroutines int    `json:"num_goroutines"`
}

// LimiterInfo lists what the running gateway will talk to.
type LimiterInfo struct {
	Exchanges []string `json:"exchanges"`
	Buckets   int      `json:"live_buckets"`
	Sources   []string `json:"sources"`
}

// VersionHandler reports build metadata alongside the configured exchanges
// and sources. Empty build fields fall back to DevBuild.
func VersionHandler(build BuildInfo, limiter *engine.RateLimiter, sources map[string]datasource.DataSource) http.HandlerFunc {
	build = build.withDefaults()
	return func(w http.ResponseWriter, r *http.Request) {
		deps := crucible.GetVersion()
		resp := VersionResponse{
			App:          AppInfo{BuildInfo: build, GoVersion: runtime.Version()},
			Dependencies: DepInfo{Gofulmen: deps.Gofulmen, Crucible: deps.Crucible},
			Runtime: RuntimeInfo{
				Platform:      runtime.GOOS + "/" + runtime.GOARCH,
				NumCPU:        runtime.NumCPU(),
				NumGoroutines: runtime.NumGoroutine(),
			},
			Limiter: LimiterInfo{Exchanges: []string{}, Sources: []string{}},
		}
		if limiter != nil {
			for _, p := range limiter.Registry().Policies() {
				resp.Limiter.Exchanges = append(resp.Limiter.Exchanges, p.Exchange)
			}
			resp.Limiter.Buckets = len(limiter.Registry().Slots())
		}
		for name := range sources {
			resp.Limiter.Sources = append(resp.Limiter.Sources, name)
		}
		sort.Strings(resp.Limiter.Sources)

		writeJSON(w, http.StatusOK, resp)
	}
}

func (b BuildInfo) withDefaults() BuildInfo {
	if b.Name == "" {
		b.Name = DevBuild.Name
	}
	if b.Version == "" {
		b.Version = DevBuild.Version
	}
	if b.Commit == "" {
		b.Commit = DevBuild.Commit
	}
	if b.BuildDate == "" {
		b.BuildDate = DevBuild.BuildDate
	}
	return b
}
