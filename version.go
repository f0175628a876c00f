package giving

import (
	"fmt"
	"runtime"
)

// Set with -ldflags "-X github.com/axiomesh/giving.CurrentCommit=..." at build time.
var (
	CurrentVersion = "dev"
	CurrentBranch  = "main"
	CurrentCommit  = ""
	BuildDate      = ""

	Platform  = fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH)
	GoVersion = runtime.Version()
)
