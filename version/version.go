package version

// Version and Date are overwritten at build time via -ldflags.
var (
	Version = "dev"
	Date    = "1970-01-01T00:00:00Z"
)
