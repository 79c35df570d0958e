package storage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tethr-io/tethr/internal/models"
)

const (
	logPrefix     = "messages_"
	logSuffix     = ".jsonl"
	logTimeLayout = "2006-01-02_15-04-05"
	logDateLayout = "2006-01-02"

	// maxLineBytes bounds a single log entry during replay. Entries over
	// the limit end the scan of that file.
	maxLineBytes = 2 * 1024 * 1024
)

// MessageLog is an append-only, time-rotated JSONL log for one project.
// Files are named messages_<UTC timestamp>.jsonl so lexicographic order is
// chronological order. A file rotates once it is non-empty and has reached
// the size limit, the entry limit, or a new UTC date; the first append
// creates the file, so an untouched log owns no files at all.
type MessageLog struct {
	dir        string
	maxSize    int64
	maxEntries int
	now        func() time.Time

	mu        sync.Mutex
	file      *os.File
	path      string
	size      int64
	entries   int
	day       string
	lastWrite time.Time
}

// NewMessageLog returns a log writing under dir. Nothing is created on disk
// until the first append.
func NewMessageLog(dir string, maxSize int64, maxEntries int) *MessageLog {
	return &MessageLog{
		dir:        dir,
		maxSize:    maxSize,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

var _ models.MessageLogger = (*MessageLog)(nil)

// Append writes one message as a single JSON line, rotating first if the
// current file is due. A failed write is retried once on a fresh file so a
// damaged handle cannot wedge the log.
func (l *MessageLog) Append(msg models.TimestampedMessage) error {
	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.ensureFileLocked(); err != nil {
		return err
	}
	n, err := l.file.Write(line)
	if err != nil {
		l.closeLocked()
		if cerr := l.createLocked(); cerr != nil {
			return fmt.Errorf("append message: %w", err)
		}
		if n, err = l.file.Write(line); err != nil {
			return fmt.Errorf("append message: %w", err)
		}
	}
	l.size += int64(n)
	l.entries++
	l.lastWrite = l.now()
	return nil
}

// MessagesSince returns every entry with a timestamp at or after t, in the
// order it was written. Entries that fail to decode are skipped. Reads never
// hold the append lock while scanning files.
func (l *MessageLog) MessagesSince(t time.Time) ([]models.TimestampedMessage, error) {
	l.mu.Lock()
	curPath, curSize := l.path, l.size
	files, err := l.logFilesLocked()
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}

	// First candidate: one file before the last file starting at or
	// before t. Same-second rotations can leave entries stamped exactly
	// at the next file's start time in the previous file.
	idx := sort.Search(len(files), func(i int) bool {
		return logFileStart(files[i]).After(t)
	})
	first := idx - 2
	if first < 0 {
		first = 0
	}

	out := []models.TimestampedMessage{}
	for _, name := range files[first:] {
		path := filepath.Join(l.dir, name)
		limit := int64(-1)
		if path == curPath {
			// Cap the open file at its size when we looked, so a
			// concurrent append cannot hand us a torn last line.
			limit = curSize
		}
		msgs, err := readLogFile(path, t, limit)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		out = append(out, msgs...)
	}
	return out, nil
}

// CloseIdle releases the file handle when nothing has been appended for at
// least idle. The next append resumes the same file.
func (l *MessageLog) CloseIdle(idle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}
	if l.now().Sub(l.lastWrite) >= idle {
		l.closeLocked()
	}
}

// Close releases the file handle. The log stays usable.
func (l *MessageLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	l.path = ""
	return err
}

func (l *MessageLog) ensureFileLocked() error {
	if l.file == nil {
		resumed, err := l.resumeLocked()
		if err != nil {
			return err
		}
		if !resumed {
			return l.createLocked()
		}
	}
	if l.entries > 0 &&
		(l.size >= l.maxSize ||
			l.entries >= l.maxEntries ||
			l.now().UTC().Format(logDateLayout) != l.day) {
		l.closeLocked()
		return l.createLocked()
	}
	return nil
}

// resumeLocked reopens the newest existing file so restarts and idle closes
// continue where they left off instead of rotating.
func (l *MessageLog) resumeLocked() (bool, error) {
	files, err := l.logFilesLocked()
	if err != nil || len(files) == 0 {
		return false, err
	}
	name := files[len(files)-1]
	path := filepath.Join(l.dir, name)

	entries, size, err := countEntries(path)
	if err != nil {
		return false, fmt.Errorf("resume message log: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return false, fmt.Errorf("resume message log: %w", err)
	}
	l.file = f
	l.path = path
	l.size = size
	l.entries = entries
	l.day = logFileStart(name).Format(logDateLayout)
	return true, nil
}

// createLocked opens a brand new file named after the current UTC time,
// stepping the name forward one second at a time on collision so names stay
// strictly increasing.
func (l *MessageLog) createLocked() error {
	if err := os.MkdirAll(l.dir, 0o700); err != nil {
		return fmt.Errorf("create message log dir: %w", err)
	}
	now := l.now().UTC()
	for {
		name := logPrefix + now.Format(logTimeLayout) + logSuffix
		path := filepath.Join(l.dir, name)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_APPEND, 0o600)
		if errors.Is(err, fs.ErrExist) {
			now = now.Add(time.Second)
			continue
		}
		if err != nil {
			return fmt.Errorf("create message log: %w", err)
		}
		l.file = f
		l.path = path
		l.size = 0
		l.entries = 0
		l.day = now.Format(logDateLayout)
		return nil
	}
}

func (l *MessageLog) closeLocked() {
	if l.file != nil {
		l.file.Close()
		l.file = nil
		l.path = ""
	}
}

// logFilesLocked lists the log file names under dir in chronological order.
func (l *MessageLog) logFilesLocked() ([]string, error) {
	ents, err := os.ReadDir(l.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list message logs: %w", err)
	}
	var names []string
	for _, ent := range ents {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		if !strings.HasPrefix(name, logPrefix) || !strings.HasSuffix(name, logSuffix) {
			continue
		}
		if logFileStart(name).IsZero() {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// logFileStart extracts the creation timestamp encoded in a file name,
// or the zero time when the name does not parse.
func logFileStart(name string) time.Time {
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, logPrefix), logSuffix)
	t, err := time.ParseInLocation(logTimeLayout, stamp, time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}

func readLogFile(path string, since time.Time, limit int64) ([]models.TimestampedMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if limit >= 0 {
		r = io.LimitReader(f, limit)
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)

	var msgs []models.TimestampedMessage
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var msg models.TimestampedMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		if msg.Timestamp.Before(since) {
			continue
		}
		msgs = append(msgs, msg)
	}
	if err := sc.Err(); err != nil && !errors.Is(err, bufio.ErrTooLong) {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	return msgs, nil
}

func countEntries(path string) (int, int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	entries := 0
	buf := make([]byte, 64*1024)
	for {
		n, err := f.Read(buf)
		entries += bytes.Count(buf[:n], []byte{'\n'})
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, 0, err
		}
	}
	return entries, info.Size(), nil
}
