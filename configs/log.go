package configs

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

//时间,等级,调用位置,字段,日志内容

type logFormatter struct {
	logrus.TextFormatter
}

func NewLogFormatter() logrus.Formatter {
	return &logFormatter{logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	}}
}

func (f *logFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	prettyCaller := func(frame *runtime.Frame) string {
		_, fileName := filepath.Split(frame.File)
		return fmt.Sprintf("%s:%d", fileName, frame.Line)
	}

	var b *bytes.Buffer
	if entry.Buffer != nil {
		b = entry.Buffer
	} else {
		b = &bytes.Buffer{}
	}
	b.WriteString(fmt.Sprintf("[%s] %s", entry.Time.Format(f.TimestampFormat), strings.ToUpper(entry.Level.String())))
	if entry.HasCaller() {
		b.WriteString(fmt.Sprintf("[%s]", prettyCaller(entry.Caller)))
	}
	if len(entry.Data) > 0 {
		keys := make([]string, 0, len(entry.Data))
		for k := range entry.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(fmt.Sprintf(" %s=%v", k, entry.Data[k]))
		}
	}
	b.WriteString(fmt.Sprintf(" [%s]\n", entry.Message))

	return b.Bytes(), nil
}

// NewTaskLogger opens dir/name.log for append and returns a logger writing to it.
// The caller closes the returned file when the task ends.
func NewTaskLogger(dir, name string, level logrus.Level) (*logrus.Logger, *os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	path := filepath.Join(dir, name+".log")
	fd, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open task log: %w", err)
	}
	logger := logrus.New()
	logger.SetFormatter(NewLogFormatter())
	logger.SetReportCaller(true)
	logger.SetLevel(level)
	logger.SetOutput(fd)
	return logger, fd, nil
}
