// conf/consts.go build-time overridable constants
package conf

// Values set at build time with
//
//	go build -ldflags "-X github.com/tphakala/wow-sync/internal/conf.APIBaseURL=..."
//
// They only seed the defaults; config file and environment still override them.
var (
	APIBaseURL = "https://api.inaturalist.org/v1"
	PageSize   = "200"
	// Features is a comma separated list of feature toggles enabled by default
	Features = "pull,compression"
)

const (
	// ConfigName is the configuration file name without extension
	ConfigName = "config"
	// EnvPrefix prefixes every environment variable read by the application
	EnvPrefix = "WOWSYNC"
	// AppDir names the per-user and system configuration directories
	AppDir = "wowsync"
)
