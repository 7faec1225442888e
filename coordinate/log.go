package coordinate

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `coordinate` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation
//     this includes:
//     - session expiry broadcasts
//     - write attempt timeouts and retries
//     - push channel reconnects
// Warning:
//     unexpected panics from consumer callbacks, even when handled and suppressed
// V(1):
//     key events with ids that can be used to filter, e.g. mutation attempts
// V(2):
//     frequent events - fetch, revalidate, debounce - summarized where possible
//     rather than logged per data point

type LogFunction func(string, ...any)

func LogFn(tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(2) {
			m := fmt.Sprintf(format, a...)
			glog.Infof("%s: %s\n", tag, m)
		}
	}
}

func SubLogFn(log LogFunction, tag string) LogFunction {
	return func(format string, a ...any) {
		m := fmt.Sprintf(format, a...)
		log("%s: %s", tag, m)
	}
}
