package version

// Version and Commit identify the build. Both are overridable at link time:
//
//	go build -ldflags "-X .../internal/version.Version=v0.3.0 -X .../internal/version.Commit=abc1234"
var (
	Version = "dev"
	Commit  = "unknown"
)
