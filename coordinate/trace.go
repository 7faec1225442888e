package coordinate

import (
	"encoding/json"
	"fmt"
	"runtime/debug"

	"github.com/golang/glog"
)

// note all consumer callbacks are dispatched through `HandleError`
// so that a panicking consumer cannot corrupt coordinator state

func HandleError(do func(), handlers ...any) (r any) {
	defer func() {
		if r = recover(); r != nil {
			glog.Warningf("Unexpected error: %s\n", ErrorJson(r, debug.Stack()))
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("%s", r)
			}
			for _, handler := range handlers {
				switch v := handler.(type) {
				case func():
					v()
				case func(error):
					v(err)
				}
			}
		}
	}()
	do()
	return
}

func ErrorJson(err any, stack []byte) string {
	stackJson, jsonErr := json.Marshal(string(stack))
	if jsonErr != nil {
		stackJson = []byte("\"\"")
	}
	return fmt.Sprintf("{\"error\": \"%s\", \"stack\": %s}", err, stackJson)
}
