package crostestutils

// Shared environment variable names for harness configuration. Flags take
// precedence; these are the fallback for containerized and lab runs.
const (
	// EnvBoard selects the hardware board the images were built for.
	EnvBoard = "AU_TEST_BOARD"
	// EnvRemote points device scenarios at the IP of the unit under test.
	EnvRemote = "AU_TEST_REMOTE"
	// EnvToolsDir overrides where the external update/verification tools live.
	EnvToolsDir = "AU_TEST_TOOLS_DIR"
	// EnvResultsRoot overrides where per-scenario results directories are written.
	EnvResultsRoot = "AU_TEST_RESULTS_ROOT"
	// EnvCachePath overrides where the payload cache database is persisted.
	EnvCachePath = "AU_TEST_CACHE_PATH"
)

const (
	// DefaultVerifySuite is the post-update verification suite run when a
	// scenario does not pick its own.
	DefaultVerifySuite = "suite_Smoke"
	// QuickVerifySuite is the fast sanity suite used by quick-test mode.
	QuickVerifySuite = "build_RootFilesystemSize"

	// VMImageName is the hypervisor-converted sibling of a base image,
	// expected next to it on disk.
	VMImageName = "chromiumos_qemu_image.bin"

	// CacheFileName is the payload cache database, persisted next to the
	// target image so repeat runs against the same build skip generation.
	CacheFileName = "update.cache"

	// BaseScenarioPort is the first ssh/session port handed to workers;
	// each parallel scenario gets the next offset.
	BaseScenarioPort = 9222

	// DefaultDevserverPort is where the payload server listens when no
	// fault proxy is interposed.
	DefaultDevserverPort = 8080
)
