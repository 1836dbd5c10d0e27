package config

// Application identity reported by the version endpoint.
const (
	AppName    = "MT License Service"
	AppVersion = "1.4.0"
)

// Build metadata injected at link time:
//
//	go build -ldflags "-X mtlicense/internal/config.BuildDate=... -X mtlicense/internal/config.GitCommit=..."
var (
	BuildDate = "unknown"
	GitCommit = "unknown"
)

// VersionInfo is the payload of the version endpoint.
type VersionInfo struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	BuildDate string `json:"build_date"`
	GitCommit string `json:"git_commit"`
}

// Version returns the assembled build information.
func Version() VersionInfo {
	return VersionInfo{
		Name:      AppName,
		Version:   AppVersion,
		BuildDate: BuildDate,
		GitCommit: GitCommit,
	}
}
