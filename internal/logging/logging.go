// Package logging routes the standard logger to stderr and a session log file.
package logging

import (
	"bufio"
	"bytes"
	"io"
	"log"
	"os"
	"path/filepath"
)

// Name is used for the log prefix and the log file name.
const Name = "mriwarp"

// Setup sends log output to stderr and to <dir>/mriwarp.log, truncating any
// previous session log. When verbose is false only the file receives output.
// The returned file must be closed by the caller.
func Setup(dir string, verbose bool) (*os.File, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	f, err := os.Create(filepath.Join(dir, Name+".log"))
	if err != nil {
		return nil, err
	}

	var w io.Writer = f
	if verbose {
		w = io.MultiWriter(os.Stderr, f)
	}
	log.SetOutput(w)
	log.SetPrefix("[" + Name + "] ")
	log.SetFlags(log.Ldate | log.Ltime)
	return f, nil
}

// Lines logs every non-empty line of out with the given tag. External tool
// output is passed through here so it ends up in the session log.
func Lines(tag string, out []byte) {
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := bytes.TrimRight(sc.Bytes(), " \t\r")
		if len(line) == 0 {
			continue
		}
		log.Printf("%s: %s", tag, line)
	}
}
