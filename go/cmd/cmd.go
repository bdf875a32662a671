package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/pkg/errors"
)

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// PrintError prints err and, when it carries one, its stack trace.
func PrintError(err error) {
	fmt.Fprintf(os.Stderr, "%s\n", strings.Repeat("-", 40))
	fmt.Fprintf(os.Stderr, "Error: %s\n", err)
	st, ok := errors.Cause(err).(stackTracer)
	if !ok {
		st, ok = err.(stackTracer)
	}
	if !ok {
		return
	}
	// parse full path and method name for each stack frame
	var frames [][]string
	for _, f := range st.StackTrace() {
		fullpath := ""
		fileline := fmt.Sprintf("%s:%d", f, f)
		method := fmt.Sprintf("%n", f)

		frame := fmt.Sprintf("%+s", f)
		tmp := strings.SplitN(frame, "\n", 3)
		if len(tmp) == 2 {
			pathsplit := strings.Split(tmp[0], "/")
			method = pathsplit[len(pathsplit)-1]
			fullpath = strings.TrimSpace(tmp[1])
		}
		frames = append(frames, []string{fullpath, fileline, method})
		if method == "main.main" {
			break
		}
	}
	widths := make([]int, 2)
	for _, f := range frames {
		for i := 0; i < 2; i++ {
			if len(f[i]) > widths[i] {
				widths[i] = len(f[i])
			}
		}
	}
	for _, f := range frames {
		for i := 0; i < 2; i++ {
			if widths[i] > 0 {
				pad := strings.Repeat(" ", widths[i]-len(f[i]))
				fmt.Fprintf(os.Stderr, "%s%s | ", f[i], pad)
			}
		}
		fmt.Fprintf(os.Stderr, "%s()\n", f[2])
	}
}

// NewLogger builds the process logger. level is one of debug, info, warn
// or error.
func NewLogger(w io.Writer, level string, json bool) (*slog.Logger, error) {
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(level)); err != nil {
		return nil, errors.Wrapf(err, "log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lv}
	if json {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
