package fetch

import (
	"bufio"
	"context"
	"os/exec"
)

const buildTailLines = 30

// RunBuild is the default BuildRunner. It runs the toolchain in dir with
// stderr folded into stdout and keeps the last buildTailLines lines for
// error reporting.
func RunBuild(ctx context.Context, dir string, args []string) ([]string, error) {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	var tail []string
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		tail = append(tail, scanner.Text())
		if len(tail) > buildTailLines {
			tail = tail[1:]
		}
	}

	return tail, cmd.Wait()
}
