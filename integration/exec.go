package integration

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
)

var (
	// compileMtx guards access to the executable path so that the project is
	// only compiled once.
	compileMtx sync.Mutex

	// executablePath is the path to the compiled executable. It is empty until
	// the initial compilation. Use poolExecutablePath instead of reading it.
	executablePath string
)

// poolExecutablePath compiles the sweatpool daemon into dir the first time it
// is called and returns the path of the binary.
func poolExecutablePath(dir string) (string, error) {
	compileMtx.Lock()
	defer compileMtx.Unlock()

	if executablePath != "" {
		return executablePath, nil
	}

	outputPath := filepath.Join(dir, "sweatpool")
	if runtime.GOOS == "windows" {
		outputPath += ".exe"
	}

	cmd := exec.Command("go", "build", "-o", outputPath, "github.com/sweatpool/sweatpool")
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("failed to build sweatpool: %w\n%s", err, out)
	}

	executablePath = outputPath
	return executablePath, nil
}
