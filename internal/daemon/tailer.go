package daemon

import (
	"bufio"
	"os"

	"github.com/weftio/weft/redact"
)

// tailer follows a growing log file, returning newly appended complete
// lines on each poll. It tolerates truncation (log rotation) by resetting
// to the start when the file shrinks.
type tailer struct {
	path   string
	offset int64
}

func newTailer(path string) *tailer {
	return &tailer{path: path}
}

func (t *tailer) poll() ([]string, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < t.offset {
		t.offset = 0
	}
	if info.Size() == t.offset {
		return nil, nil
	}

	if _, err := f.Seek(t.offset, 0); err != nil {
		return nil, err
	}

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		lines = append(lines, redact.String(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	t.offset = info.Size()
	return lines, nil
}
