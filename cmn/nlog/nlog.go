// Package nlog is the daemon's own leveled logger: timestamped lines,
// optional file sink with size-based rotation, and an explicit Flush for
// shutdown paths. Modeled on the teacher's in-house logger rather than a
// third-party logging library, matching the convention observed across the
// whole retrieved pack (every production repo here rolls its own thin
// logging façade instead of importing one).
package nlog

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

const maxSize int64 = 4 * 1024 * 1024

var (
	mu        sync.Mutex
	file      *os.File
	written   int64
	logDir    string
	role      string
	toStderr  = true // until SetPre is called
	pid       = os.Getpid()
	host, _   = os.Hostname()
)

// SetPre points the logger at a log directory and a role name (e.g. "adbd");
// subsequent writes go to a rotating file instead of stderr.
func SetPre(dir, r string) {
	mu.Lock()
	defer mu.Unlock()
	logDir, role = dir, r
	toStderr = dir == ""
	if toStderr {
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "nlog: cannot create log dir %q: %v\n", dir, err)
		toStderr = true
		return
	}
	if f, err := openLogFile(time.Now()); err == nil {
		file = f
	} else {
		fmt.Fprintf(os.Stderr, "nlog: cannot open log file: %v\n", err)
		toStderr = true
	}
}

func openLogFile(t time.Time) (*os.File, error) {
	name := fmt.Sprintf("%s.%s.%s.%s.log", role, host, t.Format("20060102-150405"), strconv.Itoa(pid))
	path := filepath.Join(logDir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	link := filepath.Join(logDir, role+".log")
	os.Remove(link)
	_ = os.Symlink(name, link)
	return f, nil
}

func Infoln(args ...any)                  { log(sevInfo, 1, "", args...) }
func Infof(format string, args ...any)    { log(sevInfo, 1, format, args...) }
func Warningln(args ...any)                { log(sevWarn, 1, "", args...) }
func Warningf(format string, args ...any) { log(sevWarn, 1, format, args...) }
func Errorln(args ...any)                  { log(sevErr, 1, "", args...) }
func Errorf(format string, args ...any)   { log(sevErr, 1, format, args...) }
func ErrorDepth(depth int, args ...any)   { log(sevErr, depth+1, "", args...) }

func log(sev severity, depth int, format string, args ...any) {
	line := formatLine(sev, depth+1, format, args...)

	mu.Lock()
	defer mu.Unlock()

	if toStderr || sev >= sevErr {
		os.Stderr.WriteString(line)
	}
	if toStderr || file == nil {
		return
	}
	n, err := file.WriteString(line)
	if err != nil {
		return
	}
	atomic.AddInt64(&written, int64(n))
	if atomic.LoadInt64(&written) >= maxSize {
		file.Close()
		if f, err := openLogFile(time.Now()); err == nil {
			file = f
			atomic.StoreInt64(&written, 0)
		}
	}
}

func formatLine(sev severity, depth int, format string, args ...any) string {
	const chars = "IWE"
	var b strings.Builder
	b.WriteByte(chars[sev])
	b.WriteByte(' ')
	b.WriteString(time.Now().Format("15:04:05.000000"))
	b.WriteByte(' ')
	if _, fn, ln, ok := runtime.Caller(depth + 1); ok {
		if idx := strings.LastIndexByte(fn, '/'); idx >= 0 {
			fn = fn[idx+1:]
		}
		b.WriteString(fn)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(ln))
		b.WriteByte(' ')
	}
	if format == "" {
		fmt.Fprintln(&b, args...)
	} else {
		fmt.Fprintf(&b, format, args...)
		if !strings.HasSuffix(format, "\n") {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// Flush ensures buffered data hits the file sink; trivial here because we
// write through immediately, but kept as an explicit call so shutdown paths
// that assume a buffered logger (teacher's convention) don't need to change.
func Flush(exit ...bool) {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		file.Sync()
	}
	if len(exit) > 0 && exit[0] && file != nil {
		file.Close()
		file = nil
	}
}
