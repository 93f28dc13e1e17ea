package wa

import (
	"fmt"

	waLog "go.mau.fi/whatsmeow/util/log"

	logx "wablast/pkg/logx"
)

// waLogger bridges whatsmeow's log interface onto logx.
type waLogger struct {
	log logx.Logger
}

func (w waLogger) Errorf(msg string, args ...any) { w.log.Error(fmt.Sprintf(msg, args...)) }
func (w waLogger) Warnf(msg string, args ...any)  { w.log.Warn(fmt.Sprintf(msg, args...)) }
func (w waLogger) Infof(msg string, args ...any)  { w.log.Debug(fmt.Sprintf(msg, args...)) }
func (w waLogger) Debugf(msg string, args ...any) { w.log.Trace(fmt.Sprintf(msg, args...)) }

func (w waLogger) Sub(module string) waLog.Logger {
	return waLogger{log: w.log.With(logx.String("mod", module))}
}
