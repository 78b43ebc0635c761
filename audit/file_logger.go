package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/juju/errors"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultMaxSizeMB  = 100
	defaultMaxBackups = 5
	recentEvents      = 1000
)

// FileLogger appends one JSON document per line to a file. lumberjack rolls
// the file over once it grows past max_size megabytes, keeping max_backups
// timestamped copies next to it.
type FileLogger struct {
	opts      FileOptions
	namespace string

	mu     sync.Mutex
	out    *lumberjack.Logger
	recent []Event // newest last, at most recentEvents
}

type FileOptions struct {
	FilePath   string `json:"file_path"`
	MaxSize    int    `json:"max_size,omitempty"`    // megabytes
	MaxBackups int    `json:"max_backups,omitempty"` // rotated files kept
}

// NewFileLogger creates a new file-based audit logger
func NewFileLogger(config *Config) (*FileLogger, error) {
	var opts FileOptions
	if err := parseOptions(config.Options, &opts); err != nil {
		return nil, errors.Annotate(err, "invalid file logger options")
	}
	if opts.FilePath == "" {
		return nil, errors.NotValidf("file logger without file_path")
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = defaultMaxSizeMB
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = defaultMaxBackups
	}

	if err := os.MkdirAll(filepath.Dir(opts.FilePath), 0700); err != nil {
		return nil, errors.Annotate(err, "creating audit log directory")
	}
	if err := primeLogFile(opts.FilePath); err != nil {
		return nil, errors.Annotate(err, "opening audit log")
	}

	return &FileLogger{
		opts:      opts,
		namespace: config.Namespace,
		out: &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    opts.MaxSize,
			MaxBackups: opts.MaxBackups,
		},
	}, nil
}

// primeLogFile creates the log with owner-only permissions; lumberjack keeps
// the mode of a file that already exists.
func primeLogFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(f.Close())
}

// Log implements the Logger interface
func (fl *FileLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	event := newEvent(fl.namespace, action, success, metadata)
	line, err := json.Marshal(event)
	if err != nil {
		return errors.Annotate(err, "serializing audit event")
	}
	line = append(line, '\n')

	fl.mu.Lock()
	defer fl.mu.Unlock()

	// a closed lumberjack logger reopens the file on the next write
	if _, err := fl.out.Write(line); err != nil {
		return errors.Annotate(err, "writing audit event")
	}

	fl.recent = append(fl.recent, event)
	if len(fl.recent) > recentEvents {
		fl.recent = fl.recent[len(fl.recent)-recentEvents:]
	}
	return nil
}

// Query implements the Logger interface. Queries bounded by Since that fall
// inside the in-memory window skip the files.
func (fl *FileLogger) Query(options QueryOptions) (QueryResult, error) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if options.Since != nil && len(fl.recent) > 0 && !options.Since.Before(fl.recent[0].Timestamp) {
		return options.page(options.filter(fl.recent), len(fl.recent)), nil
	}

	files, err := fl.logFiles()
	if err != nil {
		return QueryResult{}, err
	}

	var events []Event
	total := 0
	for _, path := range files {
		fileEvents, count, err := readEvents(path)
		if err != nil {
			return QueryResult{}, errors.Annotatef(err, "reading %s", path)
		}
		events = append(events, fileEvents...)
		total += count
	}
	return options.page(options.filter(events), total), nil
}

// logFiles lists the backups lumberjack has kept, oldest first, followed by
// the live log. Backups are named <name>-<timestamp><ext>.
func (fl *FileLogger) logFiles() ([]string, error) {
	dir := filepath.Dir(fl.opts.FilePath)
	base := filepath.Base(fl.opts.FilePath)
	ext := filepath.Ext(base)
	prefix := strings.TrimSuffix(base, ext)

	backups, err := filepath.Glob(filepath.Join(dir, prefix+"-*"+ext))
	if err != nil {
		return nil, errors.Annotate(err, "listing audit log backups")
	}
	// timestamps sort lexically
	sort.Strings(backups)
	return append(backups, fl.opts.FilePath), nil
}

// readEvents returns the events of one file and the number of lines that held
// something. Lines that are not events are skipped.
func readEvents(path string) ([]Event, int, error) {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	defer file.Close()

	var events []Event
	count := 0
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		count++
		var event Event
		if json.Unmarshal(scanner.Bytes(), &event) == nil {
			events = append(events, event)
		}
	}
	return events, count, scanner.Err()
}

// Close implements the Logger interface
func (fl *FileLogger) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return errors.Trace(fl.out.Close())
}
