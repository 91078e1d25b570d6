package prover

import (
	"fmt"
	"os"
)

const stagePattern = "prover-input-*.p"

// stageInput writes the problem encoding to a temporary file the prover can
// read. The returned cleanup removes the file and is safe to call twice.
func stageInput(dir, input string) (string, func(), error) {
	f, err := os.CreateTemp(dir, stagePattern)
	if err != nil {
		return "", nil, fmt.Errorf("create staging file: %w", err)
	}
	name := f.Name()
	cleanup := func() { os.Remove(name) }

	if _, err := f.WriteString(input); err != nil {
		f.Close()
		cleanup()
		return "", nil, fmt.Errorf("write staging file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("close staging file: %w", err)
	}
	return name, cleanup, nil
}
