package stateobj

import "fmt"

var errEmptyPath = fmt.Errorf("stateobj: path is empty")

func errNotAMapping(key string) error {
	return fmt.Errorf("stateobj: segment %q is not a mapping", key)
}
