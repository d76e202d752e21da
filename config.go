package torsupervisor

import "time"

// Config carries every host-overridable tunable named across the
// module: installer network/signature policy, timeouts, and the
// distribution index the Installer scrapes.
type Config struct {
	InstallRoot         string
	RequireGPG          bool
	PinnedFingerprints  []string
	GnupgHome           string
	DistIndexURL        string
	HTTPTimeout         time.Duration
	BundleDownloadTimeout time.Duration
	ArchiveTimeout      time.Duration
	GPGTimeout          time.Duration
}

// DefaultConfig returns spec.md's default timeouts (§5) and the real
// Tor Project expert-bundle distribution index.
func DefaultConfig(installRoot, gnupgHome string) Config {
	return Config{
		InstallRoot:           installRoot,
		RequireGPG:            false,
		GnupgHome:             gnupgHome,
		DistIndexURL:          "https://dist.torproject.org/torbrowser/",
		HTTPTimeout:           120 * time.Second,
		BundleDownloadTimeout: 300 * time.Second,
		ArchiveTimeout:        10 * time.Minute,
		GPGTimeout:            60 * time.Second,
	}
}
