package flotilla

import (
	"bufio"
	"io"
	"strings"

	"github.com/pkg/errors"

	"github.com/flotillaproject/flotilla/internal/common/util"
	"github.com/flotillaproject/flotilla/internal/scheduler"
)

// maxCommandLength is the longest single command line accepted, in bytes.
const maxCommandLength = 1024 * 1024

// ReadCommands reads one shell command per line, ignoring blank lines.
func ReadCommands(r io.Reader) ([]string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxCommandLength)
	commands := []string{}
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			commands = append(commands, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "error reading commands")
	}
	return commands, nil
}

// BatchCommands packs the command list into pending jobs of at most
// commandsPerJob commands each, preserving order. The batches are formed once
// and are opaque to the scheduler from here on.
func BatchCommands(commands []string, commandsPerJob int) []*scheduler.Job {
	jobs := make([]*scheduler.Job, 0, (len(commands)+commandsPerJob-1)/commandsPerJob)
	for start := 0; start < len(commands); start += commandsPerJob {
		end := start + commandsPerJob
		if end > len(commands) {
			end = len(commands)
		}
		jobs = append(jobs, &scheduler.Job{
			JobId:    util.NewULID(),
			Commands: commands[start:end],
			State:    scheduler.JobPending,
			Attempts: map[string]int{},
		})
	}
	return jobs
}
