package version

import "fmt"

var (
	BuildVersion   = "dev"
	BuildGitCommit string
	BuildGitBranch string
	BuildTime      string
	BuildGoVersion string
)

type Version struct {
	Version        string `json:"version"`
	GitCommit      string `json:"commit"`
	GitBranch      string `json:"branch"`
	BuildTime      string `json:"time"`
	BuildGoVersion string `json:"goversion"`
}

func Get() Version {
	return Version{
		Version:        BuildVersion,
		GitCommit:      BuildGitCommit,
		GitBranch:      BuildGitBranch,
		BuildTime:      BuildTime,
		BuildGoVersion: BuildGoVersion,
	}
}

func (v Version) String() string {
	if v.GitCommit == "" {
		return "onaccessd " + v.Version
	}
	return fmt.Sprintf("onaccessd %s (%s@%s, built %s with %s)", v.Version, v.GitCommit, v.GitBranch, v.BuildTime, v.BuildGoVersion)
}
