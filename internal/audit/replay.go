package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// Decrypter opens a line written by an Encrypter.
type Decrypter interface {
	DecryptData(ciphertext string) ([]byte, error)
}

const maxLineSize = 64 << 20

// ReplayResult is the decoded content of an audit log file.
type ReplayResult struct {
	Events []Event
	// CorruptLines are 1-based line numbers that failed to decrypt or decode.
	CorruptLines []int
}

// Replay decrypts every line of the log at path independently. Lines that
// fail are recorded and skipped; events are returned sorted by timestamp.
func Replay(path string, dec Decrypter) (*ReplayResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	defer func() { _ = f.Close() }()

	res := &ReplayResult{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if line == "" {
			continue
		}
		plain, err := dec.DecryptData(line)
		if err != nil {
			res.CorruptLines = append(res.CorruptLines, lineNo)
			continue
		}
		var ev Event
		if err := json.Unmarshal(plain, &ev); err != nil {
			res.CorruptLines = append(res.CorruptLines, lineNo)
			continue
		}
		res.Events = append(res.Events, ev)
	}
	if err := sc.Err(); err != nil {
		return res, fmt.Errorf("reading audit log: %w", err)
	}
	sort.SliceStable(res.Events, func(i, j int) bool {
		return res.Events[i].Timestamp.Before(res.Events[j].Timestamp)
	})
	return res, nil
}
