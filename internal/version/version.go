package version

// Value is overridden at build time with -ldflags "-X .../internal/version.Value=...".
var Value = "dev"
