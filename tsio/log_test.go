package tsio

import (
	"fmt"
	"strings"

	. "github.com/janelia-flyem/go/gocheck"
)

type recordLogger struct {
	lines []string
}

func (l *recordLogger) add(level, format string, args ...interface{}) {
	l.lines = append(l.lines, level+" "+fmt.Sprintf(format, args...))
}

func (l *recordLogger) Debugf(format string, args ...interface{})   { l.add("DEBUG", format, args...) }
func (l *recordLogger) Infof(format string, args ...interface{})    { l.add("INFO", format, args...) }
func (l *recordLogger) Warningf(format string, args ...interface{}) { l.add("WARNING", format, args...) }
func (l *recordLogger) Errorf(format string, args ...interface{})   { l.add("ERROR", format, args...) }
func (l *recordLogger) Shutdown()                                   {}

func (s *DataSuite) TestTimeLog(c *C) {
	rec := &recordLogger{}
	SetLoggerTo(rec)
	defer SetLoggerTo(nil)
	SetLogMode(DebugMode)
	defer SetLogMode(InfoMode)

	timedLog := NewTimeLog()
	timedLog.Debugf("read %d chunks", 12)
	timedLog.Infof("closed %s\n", "a.zarr")
	c.Assert(rec.lines, HasLen, 2)
	c.Assert(strings.HasPrefix(rec.lines[0], "DEBUG read 12 chunks: "), Equals, true)
	c.Assert(strings.HasPrefix(rec.lines[1], "INFO closed a.zarr: "), Equals, true)
	for _, line := range rec.lines {
		c.Assert(strings.Count(line, "\n"), Equals, 1)
		c.Assert(strings.HasSuffix(line, "\n"), Equals, true)
	}

	SetLogMode(WarningMode)
	Infof("dropped\n")
	NewTimeLog().Debugf("dropped")
	Warningf("kept\n")
	c.Assert(rec.lines, HasLen, 3)
	c.Assert(rec.lines[2], Equals, "WARNING kept\n")

	m, err := ParseModeFlag("warn")
	c.Assert(err, IsNil)
	c.Assert(m, Equals, WarningMode)
	_, err = ParseModeFlag("loud")
	c.Assert(err, NotNil)
}
