package handlers

import "net/http"

// VersionInfo is the build metadata served at /version.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildDate string `json:"build_date,omitempty"`
}

var versionInfo = VersionInfo{Version: "dev"}

// SetVersionInfo records build metadata for the /version endpoint.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo = VersionInfo{Version: version, Commit: commit, BuildDate: buildDate}
}

// VersionHandler serves build metadata.
func VersionHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, versionInfo)
}
