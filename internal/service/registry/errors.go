package registry

import "fmt"

type registryError struct {
	op  string
	msg string
}

func (e *registryError) Error() string {
	return fmt.Sprintf("registry: %s: %s", e.op, e.msg)
}
